package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv names the environment variable holding the ingest token.
const TokenEnv = "IDEAVOICE_TOKEN"

// Config represents the complete application configuration
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	Audio         AudioConfig         `yaml:"audio"`
	Waveform      WaveformConfig      `yaml:"waveform"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate      int           `yaml:"sample_rate"`
	FramesPerBuffer int           `yaml:"frames_per_buffer"`
	DeviceID        int           `yaml:"device_id"` // 0 selects the default input
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// WaveformConfig contains waveform extraction and cache parameters
type WaveformConfig struct {
	BucketCount int `yaml:"bucket_count"`
	CacheLimit  int `yaml:"cache_limit"`
}

// TranscriptionConfig contains offline engine and worker parameters
type TranscriptionConfig struct {
	ModelDir          string `yaml:"model_dir"`
	AssetsDir         string `yaml:"assets_dir"`
	Encoder           string `yaml:"encoder"`
	Decoder           string `yaml:"decoder"`
	Joiner            string `yaml:"joiner"`
	Tokens            string `yaml:"tokens"`
	NumThreads        int    `yaml:"num_threads"`
	Workers           int    `yaml:"workers"`
	QueueSize         int    `yaml:"queue_size"`
	ChunkSize         int    `yaml:"chunk_size"` // bytes
	DefaultSampleRate int    `yaml:"default_sample_rate"`
}

// HTTPConfig contains API server configuration
type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IngestConfig contains remote capture server configuration
type IngestConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	CertFile    string        `yaml:"cert_file"`
	KeyFile     string        `yaml:"key_file"`
	SampleRate  int           `yaml:"sample_rate"`
	MinDuration time.Duration `yaml:"min_duration"`
	Token       string        `yaml:"-"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Audio: AudioConfig{
			SampleRate:      16000,
			FramesPerBuffer: 1024,
			StopTimeout:     time.Second,
		},
		Waveform: WaveformConfig{
			BucketCount: 64,
			CacheLimit:  40,
		},
		Transcription: TranscriptionConfig{
			ModelDir:          "models/sherpa-onnx-streaming-zipformer-en",
			Encoder:           "encoder.onnx",
			Decoder:           "decoder.onnx",
			Joiner:            "joiner.onnx",
			Tokens:            "tokens.txt",
			NumThreads:        1,
			Workers:           2,
			QueueSize:         100,
			ChunkSize:         4096,
			DefaultSampleRate: 16000,
		},
		HTTP: HTTPConfig{
			Addr: ":8444",
		},
		Ingest: IngestConfig{
			Addr:        "localhost:8443",
			SampleRate:  16000,
			MinDuration: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path on top of Default. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	config.Ingest.Token = os.Getenv(TokenEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) RecordingsDir() string { return filepath.Join(c.DataDir, "recordings") }
func (c *Config) InboxDir() string      { return filepath.Join(c.DataDir, "inbox") }
func (c *Config) WaveformDir() string   { return filepath.Join(c.DataDir, "waveforms") }
func (c *Config) DatabasePath() string  { return filepath.Join(c.DataDir, "ideas.sqlite") }

// Validate performs validation of every section
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Waveform.Validate(); err != nil {
		return fmt.Errorf("waveform config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", a.SampleRate)
	}

	if a.FramesPerBuffer < 64 {
		return fmt.Errorf("frames_per_buffer must be at least 64, got %d", a.FramesPerBuffer)
	}

	if a.DeviceID < 0 {
		return fmt.Errorf("device_id cannot be negative, got %d", a.DeviceID)
	}

	if a.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive, got %s", a.StopTimeout)
	}

	return nil
}

// Validate validates waveform configuration
func (w *WaveformConfig) Validate() error {
	if w.BucketCount < 1 {
		return fmt.Errorf("bucket_count must be at least 1, got %d", w.BucketCount)
	}

	if w.CacheLimit < 0 {
		return fmt.Errorf("cache_limit cannot be negative, got %d", w.CacheLimit)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.ModelDir == "" {
		return fmt.Errorf("model_dir cannot be empty")
	}

	if t.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", t.Workers)
	}

	if t.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", t.QueueSize)
	}

	if t.ChunkSize < 2 || t.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk_size must be a positive even number of bytes, got %d", t.ChunkSize)
	}

	if t.DefaultSampleRate <= 0 {
		return fmt.Errorf("default_sample_rate must be positive, got %d", t.DefaultSampleRate)
	}

	if t.NumThreads < 1 {
		return fmt.Errorf("num_threads must be at least 1, got %d", t.NumThreads)
	}

	return nil
}

// Validate validates ingest configuration. Only enabled ingest is checked.
func (i *IngestConfig) Validate() error {
	if !i.Enabled {
		return nil
	}

	if i.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}

	if i.CertFile == "" || i.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required")
	}

	if i.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", i.SampleRate)
	}

	if i.Token == "" {
		return fmt.Errorf("%s environment variable is not set", TokenEnv)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", l.Format)
	}

	return nil
}
