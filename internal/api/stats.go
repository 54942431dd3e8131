package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/cache"
	"github.com/buddyfox/buddyfox/internal/metrics"
	"github.com/buddyfox/buddyfox/internal/session"
	"github.com/buddyfox/buddyfox/internal/store"
)

// QueryStatsSource exposes the live counters of the query relay.
type QueryStatsSource interface {
	Sessions() *session.Store
	TotalQueries() int64
	Cache() *cache.ResultCache
}

// TranscriptionCounter reports running transcription sessions.
type TranscriptionCounter interface {
	ActiveCount() int
}

// ProcessSampler samples resource usage of the server process.
type ProcessSampler interface {
	Sample(ctx context.Context) (metrics.ProcessStats, error)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	TotalSessions        int                   `json:"total_sessions"`
	TotalQueries         int64                 `json:"total_queries"`
	ActiveSessions       int                   `json:"active_sessions"`
	ActiveTranscriptions int                   `json:"active_transcriptions"`
	CacheStats           cache.Stats           `json:"cache_stats"`
	Metrics              *metrics.ProcessStats `json:"metrics,omitempty"`
}

// MetricsResponse is the body of GET /api/stats/metrics.
type MetricsResponse struct {
	Queries        store.QueryStats         `json:"queries"`
	Transcriptions store.TranscriptionStats `json:"transcriptions"`
	Process        *metrics.ProcessStats    `json:"process,omitempty"`
}

// StatsHandler serves aggregate statistics.
type StatsHandler struct {
	queries        QueryStatsSource
	transcriptions TranscriptionCounter
	repo           store.Repository
	sampler        ProcessSampler
}

// NewStatsHandler creates a stats handler. transcriptions and sampler may be nil.
func NewStatsHandler(queries QueryStatsSource, transcriptions TranscriptionCounter, repo store.Repository, sampler ProcessSampler) *StatsHandler {
	return &StatsHandler{
		queries:        queries,
		transcriptions: transcriptions,
		repo:           repo,
		sampler:        sampler,
	}
}

// RegisterRoutes registers stats routes.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/stats", h.Stats)
	r.Get("/api/stats/cache", h.CacheStats)
	r.Get("/api/stats/metrics", h.Metrics)
}

// Stats handles GET /api/stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessionStats := h.queries.Sessions().Stats()
	resp := StatsResponse{
		TotalSessions:  sessionStats.TotalSessions,
		TotalQueries:   h.queries.TotalQueries(),
		ActiveSessions: sessionStats.ActiveSessions,
		CacheStats:     h.queries.Cache().Stats(),
		Metrics:        h.sample(r.Context()),
	}
	if h.transcriptions != nil {
		resp.ActiveTranscriptions = h.transcriptions.ActiveCount()
	}
	JSON(w, http.StatusOK, resp)
}

// CacheStats handles GET /api/stats/cache.
func (h *StatsHandler) CacheStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.queries.Cache().Stats())
}

// Metrics handles GET /api/stats/metrics.
func (h *StatsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queries, err := h.repo.QueryStats(ctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	transcriptions, err := h.repo.TranscriptionStats(ctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, MetricsResponse{
		Queries:        queries,
		Transcriptions: transcriptions,
		Process:        h.sample(ctx),
	})
}

func (h *StatsHandler) sample(ctx context.Context) *metrics.ProcessStats {
	if h.sampler == nil {
		return nil
	}
	stats, err := h.sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Failed to sample process stats", "error", err)
		return nil
	}
	return &stats
}
