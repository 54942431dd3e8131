package transcription

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the audio WebSocket attached to each transcription session.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]*websocket.Conn),
	}
}

// GetActive returns the connection feeding a session.
func (m *ConnManager) GetActive(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// IsCurrent reports whether conn is still the registered connection for the session.
func (m *ConnManager) IsCurrent(sessionID string, conn *websocket.Conn) bool {
	return m.GetActive(sessionID) == conn
}

// Register attaches conn to a session, closing any connection it replaces.
func (m *ConnManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	existing := m.active[sessionID]
	m.active[sessionID] = conn
	m.mu.Unlock()

	if existing != nil && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
		slog.Info("Audio connection replaced", "session_id", sessionID)
		return
	}
	slog.Info("Audio connection registered", "session_id", sessionID)
}

// Unregister detaches conn if it is still the session's connection.
func (m *ConnManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("Audio connection unregistered", "session_id", sessionID)
	}
}

// CloseSession closes the connection attached to a session.
func (m *ConnManager) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Audio connection closed", "session_id", sessionID)
	}
}

// Count returns the number of attached connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
