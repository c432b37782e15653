package ideacli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bosley/ideavoice/audio"
	"github.com/bosley/ideavoice/metrics"
)

var (
	ErrAlreadyRecording = errors.New("already recording")

	// ErrCaptureTimeout means Stop returned before the capture loop
	// finalized the clip. Finalized reports when the clip is complete.
	ErrCaptureTimeout = errors.New("capture loop did not finish in time")
)

type RecorderConfig struct {
	// Directory new clips are written to
	Dir string

	SampleRate      int
	FramesPerBuffer int

	// Upper bound on waiting for the capture loop during Stop
	StopTimeout time.Duration
}

// captureSession is owned by one capture loop. err is written by the loop
// before done is closed.
type captureSession struct {
	device InputDevice
	path   string
	stop   chan struct{}
	done   chan struct{}
	err    error
}

// Recorder captures one clip at a time from an input device into a
// container file.
type Recorder struct {
	config  RecorderConfig
	open    InputOpener
	metrics *metrics.Metrics

	mu        sync.Mutex
	session   *captureSession
	lingering map[string]chan struct{}
	lastPath  string
	lastStamp int64
	now       func() time.Time
}

func NewRecorder(cfg RecorderConfig, open InputOpener, m *metrics.Metrics) (*Recorder, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	return &Recorder{
		config:    cfg,
		open:      open,
		metrics:   m,
		lingering: make(map[string]chan struct{}),
		now:       time.Now,
	}, nil
}

// Start acquires the device, opens a new clip and begins capturing on a
// separate goroutine. It returns the clip path without waiting for audio.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return "", ErrAlreadyRecording
	}

	device, err := r.open(r.config.SampleRate, r.config.FramesPerBuffer)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	path := r.nextPath()
	writer, err := audio.OpenForWrite(path, r.config.SampleRate)
	if err != nil {
		device.Stop()
		device.Close()
		return "", fmt.Errorf("failed to open clip: %w", err)
	}

	s := &captureSession{
		device: device,
		path:   path,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.captureLoop(s, writer)

	r.session = s
	r.lastPath = path

	slog.Info("Recording started", "file", path, "sampleRate", r.config.SampleRate)
	return path, nil
}

// nextPath derives a clip name from the start time, bumped so that two
// starts in the same millisecond never share a file.
func (r *Recorder) nextPath() string {
	stamp := r.now().UnixMilli()
	if stamp <= r.lastStamp {
		stamp = r.lastStamp + 1
	}
	r.lastStamp = stamp
	return filepath.Join(r.config.Dir, fmt.Sprintf("idea-%d.wav", stamp))
}

func (r *Recorder) captureLoop(s *captureSession, writer *audio.Writer) {
	defer close(s.done)
	defer func() {
		// The header is finalized on every exit path.
		if err := writer.Close(); err != nil {
			slog.Error("Failed to finalize clip", "error", err, "file", s.path)
			s.err = errors.Join(s.err, err)
		}
		slog.Debug("Capture loop finished", "file", s.path, "bytes", writer.Len())
	}()

	buf := make([]int16, r.config.FramesPerBuffer)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := s.device.Read(buf)
		if err != nil {
			select {
			case <-s.stop:
				// Interrupted by Stop
				return
			default:
			}
			slog.Error("Audio device read failed, keeping captured audio",
				"error", err,
				"file", s.path,
				"bytes", writer.Len())
			r.metrics.CaptureErrors.Inc()
			return
		}

		if n == 0 {
			continue
		}

		if err := writer.WriteSamples(buf[:n]); err != nil {
			slog.Error("Failed to write audio chunk", "error", err, "file", s.path)
			s.err = fmt.Errorf("failed to write audio chunk: %w", err)
			return
		}
	}
}

// Stop ends capture, waits a bounded time for the loop to finalize the
// clip, releases the device and returns the clip path. Calling Stop when
// idle returns the previous clip path. If the loop is still running after
// the device is released, Stop returns the path with ErrCaptureTimeout and
// the clip is finalized once the loop exits.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session
	if s == nil {
		return r.lastPath, nil
	}
	r.session = nil

	close(s.stop)
	if err := s.device.Stop(); err != nil {
		slog.Debug("Failed to stop audio device", "error", err)
	}

	finished := r.wait(s)
	if !finished {
		slog.Warn("Capture loop did not exit in time, releasing device",
			"file", s.path,
			"timeout", r.config.StopTimeout)
	}

	if closeErr := s.device.Close(); closeErr != nil {
		slog.Debug("Failed to close audio device", "error", closeErr)
	}

	// Closing the device usually unblocks a stuck read
	if !finished {
		finished = r.wait(s)
	}

	r.metrics.ClipsRecorded.Inc()
	if !finished {
		r.lingering[s.path] = s.done
		go func() {
			<-s.done
			r.mu.Lock()
			delete(r.lingering, s.path)
			r.mu.Unlock()
			slog.Info("Late capture loop finalized clip", "file", s.path)
		}()
		return s.path, fmt.Errorf("%w: %s", ErrCaptureTimeout, s.path)
	}

	slog.Info("Recording stopped", "file", s.path)
	return s.path, s.err
}

func (r *Recorder) wait(s *captureSession) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(r.config.StopTimeout):
		return false
	}
}

// Finalized returns a channel that is closed once the clip at path has a
// final header. It is already closed for clips that are not pending.
func (r *Recorder) Finalized(path string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil && r.session.path == path {
		return r.session.done
	}
	if done, ok := r.lingering[path]; ok {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Release stops any capture in progress and ignores the outcome.
func (r *Recorder) Release() {
	if _, err := r.Stop(); err != nil {
		slog.Debug("Error while releasing recorder", "error", err)
	}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}
