package scribe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	ErrEngineFailure         = errors.New("transcription failed")
	ErrNoSpeechDetected      = errors.New("no speech detected")
	ErrTranscriptionInFlight = errors.New("transcription already in flight")
)

// EngineError reports a failure inside the speech engine. Its message is
// the engine's own message, or a generic one when the engine gave none.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	if e.Err == nil || e.Err.Error() == "" {
		return "Transcription failed"
	}
	return e.Err.Error()
}

func (e *EngineError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEngineFailure}
	}
	return []error{ErrEngineFailure, e.Err}
}

// Engine is an offline speech recognizer. One engine serves many sessions.
type Engine interface {
	NewSession(sampleRate int) (Session, error)
}

// Session decodes one clip. Accept is called with consecutive chunks of
// 16-bit mono PCM, Result once after the last chunk.
type Session interface {
	Accept(samples []int16) error
	Result() (string, error)
	Close() error
}

// EngineLoader builds an engine. It may be slow and may fail.
type EngineLoader func() (Engine, error)

// SharedEngine loads an engine on first use and hands the same instance
// to every caller. A failed load is retried by the next caller.
type SharedEngine struct {
	load EngineLoader

	mu     sync.Mutex
	engine Engine
}

func NewSharedEngine(load EngineLoader) *SharedEngine {
	return &SharedEngine{load: load}
}

// Get returns the loaded engine, loading it if needed. Concurrent callers
// block until the single load attempt in progress finishes.
func (s *SharedEngine) Get() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil {
		return s.engine, nil
	}

	engine, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load speech engine: %w", err)
	}
	if engine == nil {
		return nil, errors.New("speech engine loader returned no engine")
	}

	slog.Info("Speech engine loaded")
	s.engine = engine
	return engine, nil
}

// Close releases the engine if it was loaded and implements io.Closer.
func (s *SharedEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil
	}
	engine := s.engine
	s.engine = nil
	if closer, ok := engine.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
