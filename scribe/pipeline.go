package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/ideavoice/metrics"
	"github.com/bosley/ideavoice/store"
)

// Stored on the idea when the engine hears nothing
const noSpeechMessage = "No speech detected"

// IdeaStore is the part of the idea store the pipeline writes to.
type IdeaStore interface {
	Idea(ctx context.Context, id string) (*store.Idea, error)
	UpdateTranscriptionStatus(ctx context.Context, id string, status store.TranscriptionStatus, errMsg string) error
	UpdateIdeaText(ctx context.Context, id, text string) error
}

// Pipeline moves ideas through Pending, Done and Failed. At most one
// transcription per idea runs at a time.
type Pipeline struct {
	ideas       IdeaStore
	transcriber ClipTranscriber
	metrics     *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}

	// Called after every committed state change
	publish func(ideaID string, event StatusEvent)
}

func NewPipeline(ideas IdeaStore, transcriber ClipTranscriber, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		ideas:       ideas,
		transcriber: transcriber,
		metrics:     m,
		inFlight:    make(map[string]struct{}),
		publish:     func(string, StatusEvent) {},
	}
}

// OnStatusChange registers fn to receive state changes. It must be set
// before the pipeline is used concurrently.
func (p *Pipeline) OnStatusChange(fn func(ideaID string, event StatusEvent)) {
	if fn == nil {
		fn = func(string, StatusEvent) {}
	}
	p.publish = fn
}

func (p *Pipeline) acquire(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return fmt.Errorf("%w: %s", ErrTranscriptionInFlight, id)
	}
	p.inFlight[id] = struct{}{}
	return nil
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// InFlight reports whether a transcription of id is claimed.
func (p *Pipeline) InFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Process transcribes a pending idea and commits the outcome. Ideas
// without a clip are left alone.
func (p *Pipeline) Process(ctx context.Context, id string) (*store.Idea, error) {
	return p.run(ctx, id, false)
}

// Retry resets an idea to Pending and transcribes it again. It does
// nothing for ideas without a clip.
func (p *Pipeline) Retry(ctx context.Context, id string) (*store.Idea, error) {
	return p.run(ctx, id, true)
}

func (p *Pipeline) run(ctx context.Context, id string, reset bool) (*store.Idea, error) {
	idea, err := p.claim(ctx, id, reset)
	if err != nil || !idea.HasAudio() {
		return idea, err
	}
	if err := p.complete(ctx, idea.ID, idea.AudioPath); err != nil {
		return nil, err
	}
	return p.ideas.Idea(ctx, id)
}

// claim marks id in flight and loads it, resetting it to Pending when
// reset is set. A claimed idea must be passed to complete. Ideas without a
// clip are returned unclaimed.
func (p *Pipeline) claim(ctx context.Context, id string, reset bool) (*store.Idea, error) {
	if err := p.acquire(id); err != nil {
		return nil, err
	}

	idea, err := p.ideas.Idea(ctx, id)
	if err != nil {
		p.release(id)
		return nil, err
	}
	if !idea.HasAudio() {
		p.release(id)
		return idea, nil
	}

	if reset {
		if err := p.reset(ctx, id); err != nil {
			p.release(id)
			return nil, err
		}
		idea.TranscriptionStatus = store.TranscriptionPending
		idea.LastTranscriptionError = ""
	}
	return idea, nil
}

// complete transcribes the clip of a claimed idea and releases the claim.
func (p *Pipeline) complete(ctx context.Context, id, audioPath string) error {
	defer p.release(id)
	return p.transcribe(ctx, id, audioPath)
}

// abandon commits a Failed status for a claimed idea that will not be
// transcribed and releases the claim.
func (p *Pipeline) abandon(ctx context.Context, idea *store.Idea, message string) error {
	defer p.release(idea.ID)
	return p.fail(ctx, idea.ID, message)
}

func (p *Pipeline) reset(ctx context.Context, id string) error {
	if err := p.ideas.UpdateTranscriptionStatus(ctx, id, store.TranscriptionPending, ""); err != nil {
		return fmt.Errorf("failed to reset transcription status: %w", err)
	}
	p.publish(id, StatusEvent{Status: store.TranscriptionPending})
	return nil
}

// fail commits a Failed status with message.
func (p *Pipeline) fail(ctx context.Context, id, message string) error {
	if err := p.ideas.UpdateTranscriptionStatus(ctx, id, store.TranscriptionFailed, message); err != nil {
		return fmt.Errorf("failed to store transcription failure: %w", err)
	}
	p.metrics.Transcriptions.WithLabelValues("failed").Inc()
	p.publish(id, StatusEvent{Status: store.TranscriptionFailed, Error: message})
	return nil
}

// transcribe runs the engine over the idea's clip and commits Done or
// Failed. A cancelled context leaves the idea Pending and returns the
// context error.
func (p *Pipeline) transcribe(ctx context.Context, id, audioPath string) error {
	start := time.Now()
	text, err := p.transcriber.Transcribe(ctx, audioPath)
	p.metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		slog.Info("Transcription interrupted, idea stays pending",
			"ideaID", id,
			"file", audioPath)
		return ctx.Err()
	}

	if err != nil {
		message := failureMessage(err)
		slog.Warn("Transcription failed",
			"ideaID", id,
			"file", audioPath,
			"error", message)
		return p.fail(ctx, id, message)
	}

	if err := p.ideas.UpdateIdeaText(ctx, id, text); err != nil {
		return fmt.Errorf("failed to store transcription: %w", err)
	}
	p.metrics.Transcriptions.WithLabelValues("done").Inc()

	summary := store.Summarize(text)
	p.publish(id, StatusEvent{
		Status:  store.TranscriptionDone,
		Text:    text,
		Summary: summary,
		Tag:     store.InferTag(text),
	})

	slog.Info("Successfully transcribed audio",
		"ideaID", id,
		"file", audioPath,
		"summary", summary)
	return nil
}

func failureMessage(err error) string {
	if errors.Is(err, ErrNoSpeechDetected) {
		return noSpeechMessage
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Error()
	}
	if err.Error() != "" {
		return err.Error()
	}
	return "Transcription failed"
}
