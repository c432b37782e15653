package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bosley/ideavoice/store"
)

var (
	ErrQueueFull = errors.New("transcription queue is full")
	ErrStopped   = errors.New("scribe is stopped")
)

func (s *Scribe) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer func() {
		slog.Debug("Worker shutting down")
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job, ok := <-s.queue:
			if !ok {
				slog.Debug("Worker queue closed")
				return
			}

			if err := s.processJob(ctx, job); err != nil {
				slog.Error("Failed to process transcription job",
					"error", err,
					"file", job.AudioPath,
					"ideaID", job.IdeaID)
			}
		}
	}
}

func (s *Scribe) processJob(ctx context.Context, job TranscriptionJob) error {
	slog.Info("Processing audio file",
		"file", filepath.Base(job.AudioPath),
		"ideaID", job.IdeaID,
		"queued", time.Since(job.Timestamp))

	return s.pipeline.complete(ctx, job.IdeaID, job.AudioPath)
}

// Enqueue schedules transcription of a pending idea.
func (s *Scribe) Enqueue(ctx context.Context, id string) error {
	_, err := s.submit(ctx, id, false)
	return err
}

// Retry resets an idea to Pending and schedules it again. Ideas without a
// clip are returned unchanged.
func (s *Scribe) Retry(ctx context.Context, id string) (*store.Idea, error) {
	return s.submit(ctx, id, true)
}

func (s *Scribe) submit(ctx context.Context, id string, reset bool) (*store.Idea, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	if s.closed {
		return nil, ErrStopped
	}

	idea, err := s.pipeline.claim(ctx, id, reset)
	if err != nil || !idea.HasAudio() {
		return idea, err
	}

	job := TranscriptionJob{
		IdeaID:    idea.ID,
		AudioPath: idea.AudioPath,
		Timestamp: time.Now(),
	}

	// Add the job to the processing queue
	select {
	case s.queue <- job:
		slog.Info("Queued audio file for transcription",
			"ideaID", idea.ID,
			"file", filepath.Base(idea.AudioPath))
	default:
		if err := s.pipeline.abandon(ctx, idea, ErrQueueFull.Error()); err != nil {
			slog.Error("Failed to mark idea as failed", "error", err, "ideaID", idea.ID)
		}
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, idea.ID)
	}

	return idea, nil
}
