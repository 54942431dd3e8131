// Package agent relays research queries to a Claude agent runtime.
package agent

import (
	"fmt"

	"github.com/buddyfox/buddyfox/internal/domain"
)

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Stream    *bool  `json:"stream,omitempty"`
}

// Streaming reports whether the client asked for SSE. It defaults to true.
func (r QueryRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// QueryResponse is the non-streaming answer to POST /api/query.
type QueryResponse struct {
	Response     string         `json:"response"`
	SessionID    string         `json:"session_id"`
	SessionStats domain.Session `json:"session_stats"`
	DurationMS   int64          `json:"duration_ms"`
}

// Request is what a Runtime receives for one query.
type Request struct {
	Query     string
	SessionID string
	History   []domain.Turn
	// MaxSearches is the remaining web search budget for this query.
	MaxSearches    int
	AllowedDomains []string
	BlockedDomains []string
}

// RuntimeEventType discriminates RuntimeEvent values.
type RuntimeEventType string

const (
	RuntimeText      RuntimeEventType = "text"
	RuntimeToolStart RuntimeEventType = "tool_start"
	RuntimeToolEnd   RuntimeEventType = "tool_end"
)

// RuntimeEvent is one native event reported by a Runtime.
type RuntimeEvent struct {
	Type    RuntimeEventType
	Content string
	Tool    string
}

// UpstreamError wraps a failure raised by the agent backend.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// SearchLimitError reports a session that has used its whole web search budget.
type SearchLimitError struct {
	Max int
}

func (e *SearchLimitError) Error() string {
	return fmt.Sprintf("Maximum web searches (%d) exceeded for this session", e.Max)
}
