package domain

import (
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session's conversation history.
type Turn struct {
	Role    Role
	Content string
}

// Session holds the metadata tracked for one conversation.
type Session struct {
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	WebSearchesUsed int       `json:"web_searches_used"`
	WebFetchesUsed  int       `json:"web_fetches_used"`
	MaxSearches     int       `json:"max_searches"`
	DurationSeconds float64   `json:"duration_seconds"`
	MessageCount    int       `json:"message_count"`
	LastActiveAt    time.Time `json:"-"`
}

// CanSearch reports whether the session still has web search budget left.
func (s *Session) CanSearch() bool {
	return s.WebSearchesUsed < s.MaxSearches
}

// RemainingSearches returns the number of web searches left, never negative.
func (s *Session) RemainingSearches() int {
	if n := s.MaxSearches - s.WebSearchesUsed; n > 0 {
		return n
	}
	return 0
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	last := s.LastActiveAt
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last)
}

// Delta is an additive change applied to a session.
type Delta struct {
	WebSearches int
	WebFetches  int
	Messages    int
	Turns       []Turn
}

// Validate rejects deltas that would decrement a counter.
func (d Delta) Validate() error {
	switch {
	case d.WebSearches < 0:
		return &ValidationError{Field: "web_searches", Reason: "must not be negative"}
	case d.WebFetches < 0:
		return &ValidationError{Field: "web_fetches", Reason: "must not be negative"}
	case d.Messages < 0:
		return &ValidationError{Field: "messages", Reason: "must not be negative"}
	}
	return nil
}
