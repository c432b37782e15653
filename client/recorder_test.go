package ideacli

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bosley/ideavoice/audio"
	"github.com/bosley/ideavoice/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAborted = errors.New("stream aborted")

// fakeInput plays back a fixed sample slice, then blocks until stopped.
// failAfter > 0 makes the read after that many successful reads fail.
type fakeInput struct {
	mu        sync.Mutex
	samples   []int16
	pos       int
	reads     int
	failAfter int

	drained chan struct{}
	stopped chan struct{}
	once    sync.Once
	closed  bool
}

func newFakeInput(samples []int16) *fakeInput {
	return &fakeInput{
		samples: samples,
		drained: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (f *fakeInput) Read(buf []int16) (int, error) {
	f.mu.Lock()
	if f.failAfter > 0 && f.reads >= f.failAfter {
		f.mu.Unlock()
		return 0, errors.New("device disconnected")
	}
	if f.pos < len(f.samples) {
		n := copy(buf, f.samples[f.pos:])
		f.pos += n
		f.reads++
		if f.pos >= len(f.samples) {
			close(f.drained)
		}
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	<-f.stopped
	return 0, errAborted
}

func (f *fakeInput) Stop() error {
	f.once.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInput) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func openerFor(dev InputDevice) InputOpener {
	return func(sampleRate, framesPerBuffer int) (InputDevice, error) {
		return dev, nil
	}
}

func silencePlusTone(sampleRate int, seconds float64) []int16 {
	n := int(float64(sampleRate) * seconds)
	samples := make([]int16, n)
	for i := n / 2; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(12000 * math.Sin(2*math.Pi*440*t))
	}
	return samples
}

func newTestRecorder(t *testing.T, open InputOpener) (*Recorder, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	r, err := NewRecorder(RecorderConfig{
		Dir:             filepath.Join(t.TempDir(), "recordings"),
		SampleRate:      16000,
		FramesPerBuffer: 1024,
		StopTimeout:     time.Second,
	}, open, m)
	require.NoError(t, err)
	return r, m
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for capture")
	}
}

func TestRecorderCapturesClip(t *testing.T) {
	samples := silencePlusTone(16000, 2)
	dev := newFakeInput(samples)
	r, m := newTestRecorder(t, openerFor(dev))

	path, err := r.Start()
	require.NoError(t, err)
	assert.True(t, r.Recording())
	assert.FileExists(t, path)

	waitFor(t, dev.drained)

	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, stopped)
	assert.False(t, r.Recording())
	assert.True(t, dev.isClosed())

	header, err := audio.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, header.SampleRate)
	assert.Equal(t, int64(len(samples)*2), header.DataLength)

	got, err := audio.ReadSamples(path)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClipsRecorded))
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	dev := newFakeInput(make([]int16, 3000))
	r, _ := newTestRecorder(t, openerFor(dev))

	path, err := r.Start()
	require.NoError(t, err)
	waitFor(t, dev.drained)

	first, err := r.Stop()
	require.NoError(t, err)
	second, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, first)
	assert.Equal(t, first, second)

	header, err := audio.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), header.DataLength)

	r.Release()
}

func TestRecorderStopWhenIdle(t *testing.T) {
	r, _ := newTestRecorder(t, openerFor(newFakeInput(nil)))
	path, err := r.Stop()
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestRecorderRejectsConcurrentStart(t *testing.T) {
	dev := newFakeInput(make([]int16, 2048))
	r, _ := newTestRecorder(t, openerFor(dev))

	path, err := r.Start()
	require.NoError(t, err)

	_, err = r.Start()
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	waitFor(t, dev.drained)
	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, stopped)

	got, err := audio.ReadSamples(path)
	require.NoError(t, err)
	assert.Len(t, got, 2048)
}

func TestRecorderDeviceUnavailable(t *testing.T) {
	r, _ := newTestRecorder(t, func(int, int) (InputDevice, error) {
		return nil, errors.New("permission denied")
	})

	_, err := r.Start()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.False(t, r.Recording())
}

func TestRecorderKeepsAudioOnReadFailure(t *testing.T) {
	dev := newFakeInput(make([]int16, 1024*10))
	for i := range dev.samples {
		dev.samples[i] = 1000
	}
	dev.failAfter = 3
	r, m := newTestRecorder(t, openerFor(dev))

	path, err := r.Start()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CaptureErrors) == 1
	}, 5*time.Second, 5*time.Millisecond)

	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, stopped)

	header, err := audio.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3*1024*2), header.DataLength)
}

func TestRecorderUniquePaths(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	fixed := time.UnixMilli(1700000000000)
	r.now = func() time.Time { return fixed }

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		p := r.nextPath()
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
}

// stuckInput delivers one buffer, then blocks in Read until released,
// ignoring Stop and Close. drained closes once the loop is blocked.
type stuckInput struct {
	samples  []int16
	once     sync.Once
	blocked  sync.Once
	drained  chan struct{}
	released chan struct{}
}

func (s *stuckInput) Read(buf []int16) (int, error) {
	delivered := false
	s.once.Do(func() {
		copy(buf, s.samples)
		delivered = true
	})
	if delivered {
		return len(s.samples), nil
	}
	s.blocked.Do(func() { close(s.drained) })
	<-s.released
	return 0, errAborted
}

func (s *stuckInput) Stop() error  { return nil }
func (s *stuckInput) Close() error { return nil }

func TestRecorderStopTimeoutReportsPendingClip(t *testing.T) {
	samples := make([]int16, 1024)
	for i := range samples {
		samples[i] = 500
	}
	dev := &stuckInput{
		samples:  samples,
		drained:  make(chan struct{}),
		released: make(chan struct{}),
	}

	r, err := NewRecorder(RecorderConfig{
		Dir:             filepath.Join(t.TempDir(), "recordings"),
		SampleRate:      16000,
		FramesPerBuffer: 1024,
		StopTimeout:     50 * time.Millisecond,
	}, openerFor(dev), nil)
	require.NoError(t, err)

	path, err := r.Start()
	require.NoError(t, err)
	waitFor(t, dev.drained)

	stopped, err := r.Stop()
	require.ErrorIs(t, err, ErrCaptureTimeout)
	assert.Equal(t, path, stopped)
	assert.False(t, r.Recording())

	finalized := r.Finalized(path)
	select {
	case <-finalized:
		t.Fatal("clip reported final while the capture loop is still running")
	default:
	}

	close(dev.released)
	waitFor(t, finalized)

	header, err := audio.ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(samples)*2), header.DataLength)

	got, err := audio.ReadSamples(path)
	require.NoError(t, err)
	assert.Equal(t, samples, got)

	require.Eventually(t, func() bool {
		select {
		case <-r.Finalized(path):
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRecorderFinalizedForUnknownClip(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	waitFor(t, r.Finalized("never-recorded.wav"))
}
