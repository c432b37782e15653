package scribe

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bosley/ideavoice/audio"
	"github.com/bosley/ideavoice/metrics"
	"github.com/bosley/ideavoice/store"
	"github.com/stretchr/testify/require"
)

// stubEngine answers every session with a fixed response and records what
// it was fed.
type stubEngine struct {
	mu       sync.Mutex
	text     string
	err      error
	panicMsg string
	rates    []int
	chunks   []int
	samples  int
}

func (e *stubEngine) respond(text string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	e.err = err
}

func (e *stubEngine) NewSession(sampleRate int) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rates = append(e.rates, sampleRate)
	return &stubSession{engine: e}, nil
}

func (e *stubEngine) lastRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rates) == 0 {
		return 0
	}
	return e.rates[len(e.rates)-1]
}

type stubSession struct {
	engine *stubEngine
}

func (s *stubSession) Accept(samples []int16) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.engine.panicMsg != "" {
		panic(s.engine.panicMsg)
	}
	s.engine.chunks = append(s.engine.chunks, len(samples))
	s.engine.samples += len(samples)
	return nil
}

func (s *stubSession) Result() (string, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	return s.engine.text, s.engine.err
}

func (s *stubSession) Close() error {
	return nil
}

func stubLoader(e *stubEngine) EngineLoader {
	return func() (Engine, error) {
		return e, nil
	}
}

func newStubTranscriber(e *stubEngine) *Transcriber {
	return NewTranscriber(NewSharedEngine(stubLoader(e)), 4096, 16000)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ideas.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestPipeline wires a pipeline to a temp store and records every
// published status.
func newTestPipeline(t *testing.T, e *stubEngine) (*Pipeline, *store.Store, *eventLog, *metrics.Metrics) {
	t.Helper()
	ideas := openTestStore(t)
	m := metrics.New()
	p := NewPipeline(ideas, newStubTranscriber(e), m)
	log := &eventLog{}
	p.OnStatusChange(log.record)
	return p, ideas, log, m
}

type eventLog struct {
	mu       sync.Mutex
	statuses []store.TranscriptionStatus
	events   []StatusEvent
}

func (l *eventLog) record(ideaID string, event StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, event.Status)
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []store.TranscriptionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.TranscriptionStatus(nil), l.statuses...)
}

func writeClip(t *testing.T, path string, rate int, samples []int16) string {
	t.Helper()
	w, err := audio.OpenForWrite(path, rate)
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.Close())
	return path
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
