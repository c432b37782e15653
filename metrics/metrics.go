package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice note pipeline
type Metrics struct {
	Registry *prometheus.Registry

	// Capture metrics
	ClipsRecorded prometheus.Counter
	CaptureErrors prometheus.Counter

	// Transcription metrics
	Transcriptions        *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram

	// Waveform cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// Ingest metrics
	IngestClips prometheus.Counter
}

// New creates all metrics on a private registry so that several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ClipsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_clips_recorded_total",
			Help: "Total number of clips finalized by the capture engine",
		}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_capture_errors_total",
			Help: "Total number of device read errors during capture",
		}),

		Transcriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ideavoice_transcriptions_total",
			Help: "Total number of finished transcriptions by result",
		}, []string{"result"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ideavoice_transcription_duration_seconds",
			Help:    "Time spent transcribing one clip",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_waveform_cache_hits_total",
			Help: "Total number of waveform requests served from disk",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_waveform_cache_misses_total",
			Help: "Total number of waveform requests that required extraction",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_waveform_cache_evictions_total",
			Help: "Total number of waveform entries removed by pruning",
		}),

		IngestClips: factory.NewCounter(prometheus.CounterOpts{
			Name: "ideavoice_ingest_clips_total",
			Help: "Total number of clips published by the ingest server",
		}),
	}
}
