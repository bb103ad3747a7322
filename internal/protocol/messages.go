// Package protocol defines the UI events published on the bus and relayed to
// browsers.
package protocol

import "time"

// Event kinds. The bus subject is "<prefix>.ui.<kind>".
const (
	KindState      = "state"
	KindSpeaking   = "speaking"
	KindTranscript = "transcript"
	KindAnalysis   = "analysis"
	KindSession    = "session"
	KindLanguage   = "language"
	KindError      = "error"
)

const (
	SubjectUIPrefix = "ui"
	SubjectUIAll    = "ui.>"
)

// MaxDisplayedSources is how many citations the view shows per analysis.
const MaxDisplayedSources = 3

// Envelope is the frame sent to view clients.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type StateEvent struct {
	State string `json:"state"`
}

type SpeakingEvent struct {
	Speaking bool `json:"speaking"`
}

type TranscriptEvent struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

type AnalysisEvent struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Details   []string  `json:"details"`
	Sources   []Source  `json:"sources,omitempty"`
	Language  string    `json:"language"`
	ImageURL  string    `json:"image_url"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionEvent struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

type LanguageEvent struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Flag string `json:"flag"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
