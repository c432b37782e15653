package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TranscriptionStatus tracks offline transcription of a voice idea.
type TranscriptionStatus string

const (
	TranscriptionPending TranscriptionStatus = "Pending"
	TranscriptionDone    TranscriptionStatus = "Done"
	TranscriptionFailed  TranscriptionStatus = "Failed"
)

// Status is the user-facing review state of an idea.
type Status string

const (
	StatusNew      Status = "New"
	StatusReviewed Status = "Reviewed"
	StatusDone     Status = "Done"
)

// Valid reports whether s is one of the known review states.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusReviewed, StatusDone:
		return true
	}
	return false
}

const (
	defaultNextStep = "Write a 3-bullet outline and a 1-week test."
	defaultRisk     = "Unclear user need or success metric."

	summaryLimit = 120
)

// Idea is one captured note.
type Idea struct {
	ID                     string              `json:"id"`
	RawText                string              `json:"rawText"`
	Summary                string              `json:"summary"`
	Tag                    string              `json:"tag"`
	NextStep               string              `json:"nextStep"`
	Risk                   string              `json:"risk"`
	AudioPath              string              `json:"audioPath,omitempty"`
	Status                 Status              `json:"status"`
	TranscriptionStatus    TranscriptionStatus `json:"transcriptionStatus"`
	LastTranscriptionError string              `json:"lastTranscriptionError,omitempty"`
	CreatedAt              time.Time           `json:"createdAt"`
}

// HasAudio reports whether the idea has a clip attached.
func (i *Idea) HasAudio() bool {
	return i.AudioPath != ""
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeText trims text and collapses internal whitespace runs.
func NormalizeText(text string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
}

// Summarize shortens text for list display.
func Summarize(text string) string {
	if strings.TrimSpace(text) == "" {
		return "(empty)"
	}
	runes := []rune(text)
	if len(runes) <= summaryLimit {
		return text
	}
	return string(runes[:summaryLimit-3]) + "..."
}

var tagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"Business", []string{"startup", "business", "market", "customer"}},
	{"Personal", []string{"fitness", "health", "diet"}},
	{"Product", []string{"app", "code", "build", "feature"}},
}

// InferTag picks a category from keywords in text. The first matching
// group wins.
func InferTag(text string) string {
	lower := strings.ToLower(text)
	for _, group := range tagKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.tag
			}
		}
	}
	return "Idea"
}

// VoiceNoteStub is the placeholder text of a voice idea awaiting
// transcription. Durations under a second are reported as one second.
func VoiceNoteStub(duration time.Duration) string {
	seconds := int64(duration / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("Voice note captured (%ds). Transcribing offline...", seconds)
}
