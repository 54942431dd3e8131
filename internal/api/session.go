package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/buddyfox/buddyfox/internal/session"
)

// SessionStore is the part of the session store served over HTTP.
type SessionStore interface {
	Get(id string) (domain.Session, error)
	Delete(id string) error
	List() []domain.Session
}

// SessionHandler serves the query session endpoints.
type SessionHandler struct {
	sessions SessionStore
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions SessionStore) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.ListSessions)
	r.Get("/api/session", h.ListSessionsWithTotal)
	r.Get("/api/session/{id}", h.GetSession)
	r.Delete("/api/session/{id}", h.DeleteSession)
}

// GetSession handles GET /api/session/{id}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !session.ValidID(id) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}

	sess, err := h.sessions.Get(id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/session/{id}.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !session.ValidID(id) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := h.sessions.Delete(id); err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"message": "Session " + id + " deleted successfully",
	})
}

// ListSessions handles GET /api/sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sessions.List())
}

// ListSessionsWithTotal handles GET /api/session.
func (h *SessionHandler) ListSessionsWithTotal(w http.ResponseWriter, _ *http.Request) {
	sessions := h.sessions.List()
	JSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}
