package transcription

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/buddyfox/buddyfox/internal/api"
	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/buddyfox/buddyfox/internal/relay"
)

const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig tunes the transcription endpoints.
type HandlerConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// Handler serves the /api/webcast routes.
type Handler struct {
	svc   *Service
	audio http.Handler
	cfg   HandlerConfig
}

// NewHandler creates a transcription handler. audio serves the WebSocket route.
func NewHandler(svc *Service, audio http.Handler, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{svc: svc, audio: audio, cfg: cfg}
}

// RegisterRoutes registers webcast routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/webcast", func(r chi.Router) {
		r.Post("/transcribe", h.Transcribe)
		r.Get("/sessions", h.ListSessions)
		r.Get("/session/{id}", h.GetSession)
		r.Delete("/session/{id}", h.DeleteSession)
		r.Post("/session/{id}/stop", h.StopSession)
		if h.audio != nil {
			r.Get("/audio/{session_id}", h.audio.ServeHTTP)
		}
	})
}

// Transcribe handles POST /api/webcast/transcribe and streams transcript events.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if code, err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.Error(w, code, err.Error())
		return
	}

	sessionID, err := h.svc.Begin(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Session-ID", sessionID)

	slog.Info("Transcription request",
		"session_id", sessionID,
		"capture", req.Capture,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	state := relay.Stream(w, r,
		func(ctx context.Context) iter.Seq2[*domain.TranscriptionEvent, error] {
			return h.svc.Stream(ctx, sessionID)
		},
		func(err error) *domain.TranscriptionEvent {
			return &domain.TranscriptionEvent{
				Type:      domain.TranscriptionEventError,
				SessionID: sessionID,
				Status:    domain.TranscriptionFailed,
				Error:     err.Error(),
			}
		},
		relay.Options{KeepaliveInterval: h.cfg.KeepaliveInterval, Name: "transcription"},
	)
	slog.Debug("Transcription stream closed", "session_id", sessionID, "state", state)
}

// ListSessions handles GET /api/webcast/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, h.svc.List())
}

// GetSession handles GET /api/webcast/session/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/webcast/session/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Transcription session %s deleted successfully", id),
	})
}

// StopSession handles POST /api/webcast/session/{id}/stop.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Stop(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	api.JSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     string(domain.TranscriptionStopping),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		slog.Warn("Transcription upstream error", "path", r.URL.Path, "error", err)
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.WriteError(w, r, err)
}
