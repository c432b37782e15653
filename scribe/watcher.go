package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bosley/ideavoice/audio"
	"github.com/bosley/ideavoice/store"
	"github.com/fsnotify/fsnotify"
)

func (s *Scribe) watchFiles(ctx context.Context) {
	defer s.watcher.Close()

	// Start watching the inbox directory
	if err := s.watcher.Add(s.config.InboxDir); err != nil {
		slog.Error("Failed to start watching inbox directory",
			"error", err,
			"path", s.config.InboxDir)
		return
	}

	slog.Info("Started watching inbox directory", "path", s.config.InboxDir)

	// Pick up clips that arrived while we were not watching
	s.scanInbox(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			// Handle the file system event
			if err := s.handleFSEvent(ctx, event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (s *Scribe) scanInbox(ctx context.Context) {
	entries, err := os.ReadDir(s.config.InboxDir)
	if err != nil {
		slog.Error("Failed to scan inbox directory", "error", err, "path", s.config.InboxDir)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isInboxClip(entry.Name()) {
			continue
		}
		if _, err := s.handleNewAudioFile(ctx, filepath.Join(s.config.InboxDir, entry.Name())); err != nil {
			slog.Error("Failed to import inbox clip", "error", err, "file", entry.Name())
		}
	}
}

func isInboxClip(name string) bool {
	return strings.HasSuffix(name, ".wav") && !strings.HasSuffix(name, ".tmp")
}

func (s *Scribe) handleFSEvent(ctx context.Context, event fsnotify.Event) error {
	// Completed clips are renamed into the inbox, which shows up as Create
	if !event.Has(fsnotify.Create) || !isInboxClip(event.Name) {
		return nil
	}

	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return nil
	}

	slog.Info("Found new WAV file", "file", filepath.Base(event.Name))
	_, err := s.handleNewAudioFile(ctx, event.Name)
	return err
}

// handleNewAudioFile moves an inbox clip into the recordings directory and
// saves it as a voice idea queued for transcription.
func (s *Scribe) handleNewAudioFile(ctx context.Context, inboxPath string) (*store.Idea, error) {
	dest := filepath.Join(s.config.RecordingsDir, filepath.Base(inboxPath))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(s.config.RecordingsDir,
			fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(inboxPath)))
	}

	if err := os.Rename(inboxPath, dest); err != nil {
		if os.IsNotExist(err) {
			// Already imported by the startup scan
			return nil, nil
		}
		return nil, fmt.Errorf("failed to move clip out of inbox: %w", err)
	}

	return s.SaveVoiceIdea(ctx, dest)
}

// SaveVoiceIdea stores a voice idea for the clip at path and queues its
// transcription.
func (s *Scribe) SaveVoiceIdea(ctx context.Context, path string) (*store.Idea, error) {
	idea, err := s.ideas.AddIdea(ctx, store.VoiceNoteStub(clipDuration(path)), path)
	if err != nil {
		return nil, fmt.Errorf("failed to save voice idea: %w", err)
	}

	slog.Info("Saved voice idea", "ideaID", idea.ID, "file", filepath.Base(path))

	if err := s.Enqueue(ctx, idea.ID); err != nil {
		return idea, err
	}
	return idea, nil
}

func clipDuration(path string) time.Duration {
	h, err := audio.ReadHeader(path)
	if err != nil || h.SampleRate <= 0 || h.Channels <= 0 || h.BitDepth <= 0 {
		return 0
	}
	bytesPerSecond := int64(h.SampleRate) * int64(h.Channels) * int64(h.BitDepth/8)
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(h.DataLength * int64(time.Second) / bytesPerSecond)
}
