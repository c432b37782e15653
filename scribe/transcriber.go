package scribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bosley/ideavoice/audio"
)

// ClipTranscriber turns one clip into text.
type ClipTranscriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Transcriber streams a clip's payload into a shared engine.
type Transcriber struct {
	engine      *SharedEngine
	chunkSize   int
	defaultRate int
}

// NewTranscriber reads clips in chunkSize bytes. defaultRate applies when a
// clip's header is missing or malformed.
func NewTranscriber(engine *SharedEngine, chunkSize, defaultRate int) *Transcriber {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	// Keep whole samples in each chunk.
	chunkSize &^= 1
	if chunkSize == 0 {
		chunkSize = 2
	}
	if defaultRate <= 0 {
		defaultRate = audio.DefaultSampleRate
	}
	return &Transcriber{
		engine:      engine,
		chunkSize:   chunkSize,
		defaultRate: defaultRate,
	}
}

// Transcribe returns the recognized text of the clip at path. Blank
// results yield ErrNoSpeechDetected; every other failure, including a
// panic inside the engine, is an *EngineError. Cancellation returns the
// context error unwrapped.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Speech engine panicked", "file", path, "panic", r)
			text = ""
			err = &EngineError{Err: fmt.Errorf("%v", r)}
		}
	}()

	engine, err := t.engine.Get()
	if err != nil {
		return "", &EngineError{Err: err}
	}

	header, err := audio.HeaderBytes(path)
	if err != nil {
		return "", &EngineError{Err: err}
	}
	sampleRate := audio.SampleRateOrDefault(header, t.defaultRate)

	payload, err := audio.PayloadReader(path)
	if err != nil {
		return "", &EngineError{Err: err}
	}
	defer payload.Close()

	session, err := engine.NewSession(sampleRate)
	if err != nil {
		return "", &EngineError{Err: err}
	}
	defer session.Close()

	slog.Debug("Transcribing clip", "file", path, "sampleRate", sampleRate)

	buf := make([]byte, t.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := io.ReadFull(payload, buf)
		// A trailing odd byte is not a sample and is dropped.
		if samples := audio.DecodeSamples(buf[:n]); len(samples) > 0 {
			if err := session.Accept(samples); err != nil {
				return "", &EngineError{Err: err}
			}
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return "", &EngineError{Err: fmt.Errorf("failed to read clip: %w", readErr)}
		}
	}

	result, err := session.Result()
	if err != nil {
		return "", &EngineError{Err: err}
	}

	text = strings.TrimSpace(result)
	if text == "" {
		return "", ErrNoSpeechDetected
	}
	return text, nil
}
