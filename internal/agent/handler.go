package agent

import (
	"context"
	"errors"
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

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig tunes the query endpoint.
type HandlerConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// Handler serves POST /api/query.
type Handler struct {
	svc *Service
	cfg HandlerConfig
}

// NewHandler creates a query handler.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{svc: svc, cfg: cfg}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/query", h.HandleQuery)
}

// HandleQuery handles POST /api/query requests.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if code, err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.Error(w, code, err.Error())
		return
	}

	sessionID, err := h.svc.Prepare(req.Query, req.SessionID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	w.Header().Set("X-Session-ID", sessionID)

	slog.Info("Agent query request",
		"session_id", sessionID,
		"query_length", len(req.Query),
		"stream", req.Streaming(),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	if !req.Streaming() {
		h.answer(w, r, sessionID, req.Query)
		return
	}

	state := relay.Stream(w, r,
		func(ctx context.Context) iter.Seq2[*domain.StreamEvent, error] {
			return h.svc.Run(ctx, sessionID, req.Query)
		},
		func(err error) *domain.StreamEvent {
			return domain.ErrorEvent(sessionID, err.Error())
		},
		relay.Options{KeepaliveInterval: h.cfg.KeepaliveInterval, Name: "query"},
	)
	slog.Debug("Agent query stream closed", "session_id", sessionID, "state", state)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, sessionID, query string) {
	resp, err := h.svc.Answer(r.Context(), sessionID, query)
	if err != nil {
		var limit *SearchLimitError
		if errors.As(err, &limit) {
			api.Error(w, http.StatusBadRequest, limit.Error())
			return
		}
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			slog.Warn("Agent query failed", "session_id", sessionID, "error", upstream)
			api.Error(w, http.StatusInternalServerError, "Agent query failed")
			return
		}
		api.WriteError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}
