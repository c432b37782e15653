package scribe

import (
	"time"

	"github.com/bosley/ideavoice/store"
)

// TranscriptionJob represents a job for the worker pool
type TranscriptionJob struct {
	IdeaID    string
	AudioPath string
	Timestamp time.Time
}

// StatusEvent describes a transcription state change of one idea
type StatusEvent struct {
	Status  store.TranscriptionStatus `json:"status"`
	Text    string                    `json:"text,omitempty"`
	Summary string                    `json:"summary,omitempty"`
	Tag     string                    `json:"tag,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	IdeaID    string      `json:"ideaId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// CacheStats reports the on-disk waveform cache
type CacheStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"sizeBytes"`
	Limit     int   `json:"limit"`
}
