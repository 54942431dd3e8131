// Package store provides the query and transcription log used for metrics.
package store

import (
	"context"
	"time"
)

// Query outcome values recorded in QueryRecord.Status.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// QueryRecord describes one finished agent query.
type QueryRecord struct {
	SessionID     string
	StartedAt     time.Time
	Duration      time.Duration
	Status        string
	Runtime       string
	WebSearches   int
	WebFetches    int
	ResponseChars int
	Cached        bool
	Error         string
}

// TranscriptionRecord describes one finished transcription session.
type TranscriptionRecord struct {
	SessionID         string
	StartedAt         time.Time
	Duration          time.Duration
	Status            string
	Language          string
	Capture           bool
	ChunksTranscribed int
	AudioSeconds      float64
	Error             string
}

// QueryStats aggregates the query log.
type QueryStats struct {
	Total         int64      `json:"total"`
	Completed     int64      `json:"completed"`
	Failed        int64      `json:"failed"`
	Canceled      int64      `json:"canceled"`
	Cached        int64      `json:"cached"`
	AvgDurationMS float64    `json:"avg_duration_ms"`
	MaxDurationMS int64      `json:"max_duration_ms"`
	WebSearches   int64      `json:"web_searches"`
	WebFetches    int64      `json:"web_fetches"`
	LastQueryAt   *time.Time `json:"last_query_at,omitempty"`
}

// TranscriptionStats aggregates the transcription log.
type TranscriptionStats struct {
	Total             int64   `json:"total"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	ChunksTranscribed int64   `json:"chunks_transcribed"`
	AudioSeconds      float64 `json:"audio_seconds"`
}

// Repository defines the interface for the metrics log.
type Repository interface {
	// RecordQuery appends a finished query to the log.
	RecordQuery(ctx context.Context, rec QueryRecord) error

	// RecordTranscription appends a finished transcription to the log.
	RecordTranscription(ctx context.Context, rec TranscriptionRecord) error

	// QueryStats aggregates every recorded query.
	QueryStats(ctx context.Context) (QueryStats, error)

	// TranscriptionStats aggregates every recorded transcription.
	TranscriptionStats(ctx context.Context) (TranscriptionStats, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
