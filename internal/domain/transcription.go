package domain

import "time"

// TranscriptionStatus tracks the lifecycle of a transcription session.
type TranscriptionStatus string

const (
	TranscriptionStarting  TranscriptionStatus = "starting"
	TranscriptionActive    TranscriptionStatus = "active"
	TranscriptionStopping  TranscriptionStatus = "stopping"
	TranscriptionCompleted TranscriptionStatus = "completed"
	TranscriptionFailed    TranscriptionStatus = "failed"
)

// Finished reports whether the status is terminal.
func (s TranscriptionStatus) Finished() bool {
	return s == TranscriptionCompleted || s == TranscriptionFailed
}

// TranscriptionSession holds metadata for one webcast transcription.
type TranscriptionSession struct {
	SessionID            string              `json:"session_id"`
	WebcastURL           string              `json:"webcast_url"`
	StartedAt            time.Time           `json:"started_at"`
	EndedAt              *time.Time          `json:"ended_at,omitempty"`
	Status               TranscriptionStatus `json:"status"`
	ChunksTranscribed    int                 `json:"chunks_transcribed"`
	AudioChunksReceived  int                 `json:"audio_chunks_received"`
	TotalDurationSeconds float64             `json:"total_duration_seconds"`
	Language             string              `json:"language"`
	Capture              bool                `json:"capture"`
	TranscriptTail       string              `json:"transcript_tail,omitempty"`
	Error                string              `json:"error,omitempty"`
}

// TranscriptionEventType discriminates TranscriptionEvent frames.
type TranscriptionEventType string

const (
	TranscriptionEventSession  TranscriptionEventType = "session"
	TranscriptionEventPartial  TranscriptionEventType = "partial"
	TranscriptionEventFinal    TranscriptionEventType = "final"
	TranscriptionEventComplete TranscriptionEventType = "complete"
	TranscriptionEventError    TranscriptionEventType = "error"
)

// TranscriptionEvent is one transcript update relayed to the client as an SSE frame.
type TranscriptionEvent struct {
	Type         TranscriptionEventType `json:"type"`
	SessionID    string                 `json:"session_id"`
	Status       TranscriptionStatus    `json:"status,omitempty"`
	Text         string                 `json:"text,omitempty"`
	TurnOrder    int                    `json:"turn_order,omitempty"`
	AudioStartMS int64                  `json:"audio_start_ms,omitempty"`
	AudioEndMS   int64                  `json:"audio_end_ms,omitempty"`
	SessionStats *TranscriptionSession  `json:"session_stats,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e *TranscriptionEvent) Terminal() bool {
	return e.Type == TranscriptionEventComplete || e.Type == TranscriptionEventError
}

// Failed reports whether the event is an error frame.
func (e *TranscriptionEvent) Failed() bool {
	return e.Type == TranscriptionEventError
}
