package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/store"
)

// Version is the server version reported by /api/health. Overridden at build time with -ldflags.
var Version = "1.0.0"

const defaultHealthCheckTimeout = 5 * time.Second

// Readiness reports whether a backing service can take requests.
type Readiness interface {
	Ready(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo          store.Repository
	agent         Readiness
	transcription Readiness
	timeout       time.Duration
	now           func() time.Time
}

// NewHealthHandler creates a health handler. Any dependency may be nil; a nil service counts as not ready.
func NewHealthHandler(repo store.Repository, agent, transcription Readiness) *HealthHandler {
	return &HealthHandler{
		repo:          repo,
		agent:         agent,
		transcription: transcription,
		timeout:       defaultHealthCheckTimeout,
		now:           time.Now,
	}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health reports the server version and dependency readiness.
// The agent and the metrics database decide between healthy and degraded.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}

	agentReady := ready(ctx, h.agent)
	if !agentReady {
		checks["agent"] = "unavailable"
	} else {
		checks["agent"] = "ok"
	}

	transcriptionReady := ready(ctx, h.transcription)
	if !transcriptionReady {
		checks["transcription"] = "unavailable"
	} else {
		checks["transcription"] = "ok"
	}

	dbOK := true
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			checks["database"] = "unreachable"
			dbOK = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := "healthy"
	if !agentReady || !dbOK {
		status = "degraded"
	}

	JSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"version":             Version,
		"timestamp":           h.now().UTC(),
		"agent_ready":         agentReady,
		"transcription_ready": transcriptionReady,
		"checks":              checks,
	})
}

func ready(ctx context.Context, svc Readiness) bool {
	if svc == nil {
		return false
	}
	return svc.Ready(ctx) == nil
}
