package domain

// EventType discriminates StreamEvent frames.
type EventType string

const (
	EventText     EventType = "text"
	EventTool     EventType = "tool"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// ToolStatus is the lifecycle phase reported by a tool frame.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
)

// StreamEvent is one normalized agent event relayed to the client as an SSE frame.
type StreamEvent struct {
	Type         EventType  `json:"type"`
	SessionID    string     `json:"session_id,omitempty"`
	Content      string     `json:"content,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	Status       ToolStatus `json:"status,omitempty"`
	SessionStats *Session   `json:"session_stats,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Failed reports whether the event is an error frame.
func (e *StreamEvent) Failed() bool {
	return e.Type == EventError
}

// TextEvent builds a text frame.
func TextEvent(sessionID, content string) *StreamEvent {
	return &StreamEvent{Type: EventText, SessionID: sessionID, Content: content}
}

// ToolEvent builds a tool frame.
func ToolEvent(sessionID, tool string, status ToolStatus) *StreamEvent {
	return &StreamEvent{Type: EventTool, SessionID: sessionID, Tool: tool, Status: status}
}

// CompleteEvent builds the terminal success frame.
func CompleteEvent(s Session) *StreamEvent {
	return &StreamEvent{Type: EventComplete, SessionID: s.SessionID, SessionStats: &s}
}

// ErrorEvent builds the terminal failure frame.
func ErrorEvent(sessionID, msg string) *StreamEvent {
	return &StreamEvent{Type: EventError, SessionID: sessionID, Error: msg}
}
