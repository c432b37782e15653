package scribe

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

const (
	sherpaFeatureDim = 80

	// Silence appended before finishing so the last words are flushed.
	sherpaTailPaddingSeconds = 0.3
)

// SherpaConfig locates a streaming transducer model.
type SherpaConfig struct {
	ModelDir   string
	Encoder    string
	Decoder    string
	Joiner     string
	Tokens     string
	NumThreads int
	Provider   string
}

func (c SherpaConfig) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ModelDir, name)
}

// SherpaEngine runs sherpa-onnx streaming recognition over whole clips.
type SherpaEngine struct {
	recognizer *sherpa.OnlineRecognizer
}

// SherpaLoader returns a loader that builds a SherpaEngine from the model
// files in cfg.ModelDir.
func SherpaLoader(cfg SherpaConfig) EngineLoader {
	return func() (Engine, error) {
		return NewSherpaEngine(cfg)
	}
}

func NewSherpaEngine(cfg SherpaConfig) (*SherpaEngine, error) {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.Provider == "" {
		cfg.Provider = "cpu"
	}

	files := []string{cfg.path(cfg.Encoder), cfg.path(cfg.Decoder), cfg.path(cfg.Joiner), cfg.path(cfg.Tokens)}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("model file not found: %s", f)
		}
	}

	config := sherpa.OnlineRecognizerConfig{}
	config.FeatConfig = sherpa.FeatureConfig{SampleRate: 16000, FeatureDim: sherpaFeatureDim}
	config.ModelConfig.Transducer.Encoder = files[0]
	config.ModelConfig.Transducer.Decoder = files[1]
	config.ModelConfig.Transducer.Joiner = files[2]
	config.ModelConfig.Tokens = files[3]
	config.ModelConfig.NumThreads = cfg.NumThreads
	config.ModelConfig.Provider = cfg.Provider
	config.ModelConfig.Debug = 0
	config.DecodingMethod = "greedy_search"
	config.MaxActivePaths = 4

	recognizer := sherpa.NewOnlineRecognizer(&config)
	if recognizer == nil {
		return nil, fmt.Errorf("failed to create sherpa-onnx recognizer from %s", cfg.ModelDir)
	}

	slog.Info("Sherpa recognizer created",
		"modelDir", cfg.ModelDir,
		"threads", cfg.NumThreads,
		"provider", cfg.Provider)

	return &SherpaEngine{recognizer: recognizer}, nil
}

func (e *SherpaEngine) NewSession(sampleRate int) (Session, error) {
	stream := sherpa.NewOnlineStream(e.recognizer)
	if stream == nil {
		return nil, fmt.Errorf("failed to create recognition stream")
	}
	return &sherpaSession{
		recognizer: e.recognizer,
		stream:     stream,
		sampleRate: sampleRate,
	}, nil
}

func (e *SherpaEngine) Close() error {
	if e.recognizer != nil {
		sherpa.DeleteOnlineRecognizer(e.recognizer)
		e.recognizer = nil
	}
	return nil
}

type sherpaSession struct {
	recognizer *sherpa.OnlineRecognizer
	stream     *sherpa.OnlineStream
	sampleRate int
	buf        []float32
}

func (s *sherpaSession) Accept(samples []int16) error {
	if cap(s.buf) < len(samples) {
		s.buf = make([]float32, len(samples))
	}
	buf := s.buf[:len(samples)]
	for i, v := range samples {
		buf[i] = float32(v) / 32768
	}

	s.stream.AcceptWaveform(s.sampleRate, buf)
	s.decode()
	return nil
}

func (s *sherpaSession) decode() {
	for s.recognizer.IsReady(s.stream) {
		s.recognizer.Decode(s.stream)
	}
}

func (s *sherpaSession) Result() (string, error) {
	tail := make([]float32, int(float64(s.sampleRate)*sherpaTailPaddingSeconds))
	s.stream.AcceptWaveform(s.sampleRate, tail)
	s.stream.InputFinished()
	s.decode()

	result := s.recognizer.GetResult(s.stream)
	if result == nil {
		return "", fmt.Errorf("recognizer returned no result")
	}
	return strings.TrimSpace(result.Text), nil
}

func (s *sherpaSession) Close() error {
	if s.stream != nil {
		sherpa.DeleteOnlineStream(s.stream)
		s.stream = nil
	}
	return nil
}
