package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/bosley/ideavoice/metrics"
	"github.com/bosley/ideavoice/store"
	"github.com/bosley/ideavoice/waveform"
	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

// Configuration for the Scribe service
type Config struct {
	// Certificate files for TLS; plain HTTP when either is empty
	CertFile string
	KeyFile  string

	// Directory watched for finished clips
	InboxDir string

	// Directory clips are kept in once imported
	RecordingsDir string

	// HTTP server address
	HTTPAddr string

	// Number of worker goroutines and pending job capacity
	Workers   int
	QueueSize int

	// Default waveform resolution for the API
	BucketCount int
}

// Recorder is a capture engine the API can drive.
type Recorder interface {
	Start() (string, error)
	Stop() (string, error)
	Recording() bool

	// Finalized is closed once the clip at path is complete on disk
	Finalized(path string) <-chan struct{}
}

// Scribe manages the transcription service
type Scribe struct {
	config Config

	ideas    *store.Store
	pipeline *Pipeline
	cache    *waveform.Cache
	metrics  *metrics.Metrics
	recorder Recorder

	// File system watcher
	watcher *fsnotify.Watcher

	subscribers sync.Map // map[string][]*wsConnection
	subMu       sync.Mutex

	// Processing queue
	queue   chan TranscriptionJob
	queueMu sync.RWMutex
	closed  bool
	workers sync.WaitGroup

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a new Scribe instance
func New(cfg Config, ideas *store.Store, transcriber ClipTranscriber, cache *waveform.Cache, m *metrics.Metrics) (*Scribe, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.BucketCount <= 0 {
		cfg.BucketCount = 64
	}
	if m == nil {
		m = metrics.New()
	}

	for _, dir := range []string{cfg.InboxDir, cfg.RecordingsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	s := &Scribe{
		config:   cfg,
		ideas:    ideas,
		pipeline: NewPipeline(ideas, transcriber, m),
		cache:    cache,
		metrics:  m,
		watcher:  watcher,
		queue:    make(chan TranscriptionJob, cfg.QueueSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // TODO: restrict to the configured UI origin once one exists
			},
		},
	}
	s.pipeline.OnStatusChange(s.broadcast)

	return s, nil
}

// AttachRecorder enables the capture endpoints.
func (s *Scribe) AttachRecorder(r Recorder) {
	s.recorder = r
}

// Start begins the Scribe service and blocks until ctx is done
func (s *Scribe) Start(ctx context.Context) error {
	s.startWorkers(ctx)

	// Start the file system watcher
	go s.watchFiles(ctx)

	// Resume ideas left pending by an earlier run
	s.resumePending(ctx)

	// Start the HTTP server
	return s.startHTTP(ctx)
}

func (s *Scribe) startWorkers(ctx context.Context) {
	// Start the worker pool
	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}
}

func (s *Scribe) resumePending(ctx context.Context) {
	pending, err := s.ideas.PendingIdeas(ctx)
	if err != nil {
		slog.Error("Failed to load pending ideas", "error", err)
		return
	}

	for _, idea := range pending {
		if err := s.Enqueue(ctx, idea.ID); err != nil && !errors.Is(err, ErrTranscriptionInFlight) {
			slog.Error("Failed to resume pending idea", "error", err, "ideaID", idea.ID)
		}
	}
	if len(pending) > 0 {
		slog.Info("Resumed pending transcriptions", "count", len(pending))
	}
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	// Stop accepting new jobs
	s.queueMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.queueMu.Unlock()

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	// Wait for workers or context timeout
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	// Stop the HTTP server
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
	}

	// Close the file watcher
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}

	return nil
}
