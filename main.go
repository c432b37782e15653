package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ideacli "github.com/bosley/ideavoice/client"
	"github.com/bosley/ideavoice/config"
	"github.com/bosley/ideavoice/metrics"
	"github.com/bosley/ideavoice/scribe"
	ideaserv "github.com/bosley/ideavoice/server"
	"github.com/bosley/ideavoice/store"
	"github.com/bosley/ideavoice/waveform"
)

func main() {
	configPath := flag.String("config", "ideavoice.yaml", "Path to configuration file")
	playFile := flag.String("play", "", "Play audio file")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", -1, "Audio input device ID to use (overrides config)")
	clearCache := flag.Bool("clear-cache", false, "Delete all cached waveforms and exit")
	showWaveform := flag.String("waveform", "", "Print the waveform of an audio file and exit")
	retryID := flag.String("retry", "", "Retry transcription of an idea and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	if *deviceID >= 0 {
		cfg.Audio.DeviceID = *deviceID
	}

	if *playFile != "" {
		if err := ideacli.PlayAudioFile(*playFile); err != nil {
			slog.Error("Failed to play audio file", "error", err)
		}
		return
	}

	if *listDevices {
		devices, err := ideacli.ListAudioDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for _, device := range devices {
			fmt.Printf("[%d] %s\n", device.Index, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	ideas, err := store.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open idea store", "error", err)
		os.Exit(1)
	}
	defer ideas.Close()

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ideas.SeedWaveformCacheLimit(ctx, cfg.Waveform.CacheLimit); err != nil {
		slog.Warn("Failed to seed waveform cache limit", "error", err)
	}
	limit, err := ideas.WaveformCacheLimit(ctx)
	if err != nil {
		slog.Warn("Using configured waveform cache limit", "error", err, "limit", cfg.Waveform.CacheLimit)
		limit = cfg.Waveform.CacheLimit
	}
	cache, err := waveform.NewCache(cfg.WaveformDir(), limit, m)
	if err != nil {
		slog.Error("Failed to open waveform cache", "error", err)
		os.Exit(1)
	}

	if *clearCache {
		n, err := cache.Clear()
		if err != nil {
			slog.Error("Failed to clear waveform cache", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %d cached waveforms\n", n)
		return
	}

	if *showWaveform != "" {
		amplitudes := waveform.Display(cache.GetOrCompute(*showWaveform, cfg.Waveform.BucketCount))
		for _, a := range amplitudes {
			fmt.Printf("%.3f\n", a)
		}
		return
	}

	if err := scribe.EnsureModel(cfg.Transcription.AssetsDir, cfg.Transcription.ModelDir); err != nil {
		slog.Warn("Failed to materialize speech model", "error", err, "modelDir", cfg.Transcription.ModelDir)
	}

	engine := scribe.NewSharedEngine(scribe.SherpaLoader(scribe.SherpaConfig{
		ModelDir:   cfg.Transcription.ModelDir,
		Encoder:    cfg.Transcription.Encoder,
		Decoder:    cfg.Transcription.Decoder,
		Joiner:     cfg.Transcription.Joiner,
		Tokens:     cfg.Transcription.Tokens,
		NumThreads: cfg.Transcription.NumThreads,
	}))
	defer engine.Close()

	transcriber := scribe.NewTranscriber(engine, cfg.Transcription.ChunkSize, cfg.Transcription.DefaultSampleRate)

	if *retryID != "" {
		idea, err := scribe.NewPipeline(ideas, transcriber, m).Retry(ctx, *retryID)
		if err != nil {
			slog.Error("Failed to retry transcription", "error", err, "ideaID", *retryID)
			os.Exit(1)
		}
		fmt.Printf("%s [%s] %s\n", idea.ID, idea.TranscriptionStatus, idea.RawText)
		if idea.LastTranscriptionError != "" {
			fmt.Printf("    error: %s\n", idea.LastTranscriptionError)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	scribeService, err := scribe.New(scribe.Config{
		CertFile:      cfg.HTTP.CertFile,
		KeyFile:       cfg.HTTP.KeyFile,
		InboxDir:      cfg.InboxDir(),
		RecordingsDir: cfg.RecordingsDir(),
		HTTPAddr:      cfg.HTTP.Addr,
		Workers:       cfg.Transcription.Workers,
		QueueSize:     cfg.Transcription.QueueSize,
		BucketCount:   cfg.Waveform.BucketCount,
	}, ideas, transcriber, cache, m)
	if err != nil {
		slog.Error("Failed to initialize Scribe", "error", err)
		os.Exit(1)
	}

	recorder, err := ideacli.NewRecorder(ideacli.RecorderConfig{
		Dir:             cfg.RecordingsDir(),
		SampleRate:      cfg.Audio.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		StopTimeout:     cfg.Audio.StopTimeout,
	}, ideacli.PortAudioInput(cfg.Audio.DeviceID), m)
	if err != nil {
		slog.Error("Failed to initialize recorder", "error", err)
		os.Exit(1)
	}
	defer recorder.Release()
	scribeService.AttachRecorder(recorder)

	if cfg.Ingest.Enabled {
		ingest, err := ideaserv.New(ideaserv.Config{
			Addr:        cfg.Ingest.Addr,
			CertFile:    cfg.Ingest.CertFile,
			KeyFile:     cfg.Ingest.KeyFile,
			Token:       cfg.Ingest.Token,
			InboxDir:    cfg.InboxDir(),
			SampleRate:  cfg.Ingest.SampleRate,
			MinDuration: cfg.Ingest.MinDuration,
		}, ideaserv.NewClientList(), m)
		if err != nil {
			slog.Error("Failed to initialize ingest server", "error", err)
			os.Exit(1)
		}

		go func() {
			if err := ingest.Launch(ctx); err != nil {
				slog.Error("Ingest server failed", "error", err)
			}
		}()
	}

	// Ensure Scribe is stopped on shutdown
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := scribeService.Stop(stopCtx); err != nil {
			slog.Error("Failed to stop Scribe service", "error", err)
		}
	}()

	if err := scribeService.Start(ctx); err != nil {
		slog.Error("Scribe service failed", "error", err)
	}

	slog.Debug("Program exiting")
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
