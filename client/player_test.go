package ideacli

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bosley/ideavoice/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutput struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	starts   int
	startErr error
}

func (f *fakeOutput) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.starts++
	return nil
}

func (f *fakeOutput) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutput) state() (started, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.closed
}

// outputRig records every stream the player opens along with its callback.
type outputRig struct {
	mu      sync.Mutex
	streams []*fakeOutput
	fills   []func([]int16)
	rates   []float64
	openErr error
}

func (r *outputRig) open(sampleRate float64, framesPerBuffer int, fill func([]int16)) (OutputStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	s := &fakeOutput{}
	r.streams = append(r.streams, s)
	r.fills = append(r.fills, fill)
	r.rates = append(r.rates, sampleRate)
	return s, nil
}

func (r *outputRig) last() (*fakeOutput, func([]int16)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.streams)
	return r.streams[n-1], r.fills[n-1]
}

type stateLog struct {
	mu     sync.Mutex
	states []bool
	ch     chan bool
}

func newStateLog() *stateLog {
	return &stateLog{ch: make(chan bool, 16)}
}

func (l *stateLog) record(playing bool) {
	l.mu.Lock()
	l.states = append(l.states, playing)
	l.mu.Unlock()
	l.ch <- playing
}

func (l *stateLog) next(t *testing.T) bool {
	t.Helper()
	select {
	case v := <-l.ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for playback state")
		return false
	}
}

func writeTestClip(t *testing.T, dir, name string, rate int, samples []int16) string {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := audio.OpenForWrite(path, rate)
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.Close())
	return path
}

func rampSamples(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i%2000 - 1000)
	}
	return samples
}

func TestPlayerToggleStartPauseResume(t *testing.T) {
	rig := &outputRig{}
	p := NewPlayer(rig.open)
	clip := writeTestClip(t, t.TempDir(), "idea.wav", 16000, rampSamples(16000))
	log := newStateLog()

	p.Toggle(clip, log.record)
	assert.True(t, log.next(t))
	assert.True(t, p.Playing())
	stream, _ := rig.last()
	started, _ := stream.state()
	assert.True(t, started)
	assert.Equal(t, []float64{16000}, rig.rates)

	p.Toggle(clip, log.record)
	assert.False(t, log.next(t))
	assert.False(t, p.Playing())
	started, closed := stream.state()
	assert.False(t, started)
	assert.False(t, closed)

	p.Toggle(clip, log.record)
	assert.True(t, log.next(t))
	assert.True(t, p.Playing())
	assert.Equal(t, 2, stream.starts)
	assert.Len(t, rig.streams, 1)

	p.Stop()
}

func TestPlayerToggleOtherClipStopsCurrent(t *testing.T) {
	rig := &outputRig{}
	p := NewPlayer(rig.open)
	dir := t.TempDir()
	first := writeTestClip(t, dir, "a.wav", 16000, rampSamples(8000))
	second := writeTestClip(t, dir, "b.wav", 8000, rampSamples(8000))
	log := newStateLog()

	p.Toggle(first, log.record)
	require.True(t, log.next(t))
	firstStream, _ := rig.last()

	p.Toggle(second, log.record)
	require.True(t, log.next(t))

	_, closed := firstStream.state()
	assert.True(t, closed)
	assert.Len(t, rig.streams, 2)
	assert.Equal(t, 8000.0, rig.rates[1])
	assert.Equal(t, 1000, p.Duration())

	p.Stop()
}

func TestPlayerCompletionReportsStopped(t *testing.T) {
	rig := &outputRig{}
	p := NewPlayer(rig.open)
	samples := rampSamples(1500)
	clip := writeTestClip(t, t.TempDir(), "idea.wav", 16000, samples)
	log := newStateLog()

	p.Toggle(clip, log.record)
	require.True(t, log.next(t))
	stream, fill := rig.last()

	out := make([]int16, 1024)
	fill(out)
	assert.Equal(t, samples[:1024], out)

	fill(out)
	assert.Equal(t, samples[1024:], out[:476])
	for _, s := range out[476:] {
		assert.Zero(t, s)
	}

	assert.False(t, log.next(t))
	assert.False(t, p.Playing())
	_, closed := stream.state()
	assert.True(t, closed)
	assert.Zero(t, p.Duration())
}

func TestPlayerSeekAndPosition(t *testing.T) {
	rig := &outputRig{}
	p := NewPlayer(rig.open)
	clip := writeTestClip(t, t.TempDir(), "idea.wav", 16000, rampSamples(32000))
	log := newStateLog()

	p.Toggle(clip, log.record)
	require.True(t, log.next(t))
	assert.Equal(t, 2000, p.Duration())
	assert.Zero(t, p.Position())

	p.SeekTo(500)
	assert.Equal(t, 500, p.Position())

	_, fill := rig.last()
	out := make([]int16, 1600)
	fill(out)
	assert.Equal(t, 600, p.Position())

	p.SeekTo(-20)
	assert.Zero(t, p.Position())

	p.SeekTo(99999)
	assert.Equal(t, 2000, p.Position())

	p.Stop()
}

func TestPlayerIdleQueries(t *testing.T) {
	p := NewPlayer((&outputRig{}).open)
	assert.Zero(t, p.Duration())
	assert.Zero(t, p.Position())
	assert.False(t, p.Playing())
	p.SeekTo(1000)
	p.Stop()
	p.Stop()
}

func TestPlayerReportsFailures(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wav file at all"), 0644))
	clip := writeTestClip(t, dir, "idea.wav", 16000, rampSamples(100))

	tests := []struct {
		name string
		rig  *outputRig
		path string
	}{
		{name: "missing file", rig: &outputRig{}, path: filepath.Join(dir, "missing.wav")},
		{name: "malformed file", rig: &outputRig{}, path: garbage},
		{name: "device unavailable", rig: &outputRig{openErr: ErrDeviceUnavailable}, path: clip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlayer(tt.rig.open)
			log := newStateLog()
			p.Toggle(tt.path, log.record)
			assert.False(t, log.next(t))
			assert.False(t, p.Playing())
			assert.Zero(t, p.Duration())
		})
	}
}

func TestPlayerStartFailureClosesStream(t *testing.T) {
	stream := &fakeOutput{startErr: errors.New("busy")}
	open := func(float64, int, func([]int16)) (OutputStream, error) {
		return stream, nil
	}
	p := NewPlayer(open)
	clip := writeTestClip(t, t.TempDir(), "idea.wav", 16000, rampSamples(100))

	log := newStateLog()
	p.Toggle(clip, log.record)
	assert.False(t, log.next(t))
	_, closed := stream.state()
	assert.True(t, closed)
}

// eagerOutput drains its whole clip from inside Start.
type eagerOutput struct {
	fakeOutput
	fill func([]int16)
}

func (e *eagerOutput) Start() error {
	if err := e.fakeOutput.Start(); err != nil {
		return err
	}
	e.fill(make([]int16, 4096))
	return nil
}

func TestPlayerStateReportsNeverInvert(t *testing.T) {
	clip := writeTestClip(t, t.TempDir(), "short.wav", 16000, rampSamples(100))
	open := func(_ float64, _ int, fill func([]int16)) (OutputStream, error) {
		return &eagerOutput{fill: fill}, nil
	}

	for i := 0; i < 200; i++ {
		p := NewPlayer(open)
		log := newStateLog()
		p.Toggle(clip, log.record)

		// Completion always ends in false; an earlier true may be dropped
		for log.next(t) {
		}

		log.mu.Lock()
		states := append([]bool(nil), log.states...)
		log.mu.Unlock()
		require.Contains(t, [][]bool{{true, false}, {false}}, states, "run %d", i)
		assert.False(t, p.Playing())
	}
}

func TestPlayerDropsStaleReport(t *testing.T) {
	p := NewPlayer((&outputRig{}).open)
	var got []bool
	record := func(playing bool) { got = append(got, playing) }

	p.report(2, record, false)
	p.report(1, record, true)
	p.report(3, record, true)
	assert.Equal(t, []bool{false, true}, got)
}
