package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/buddyfox/buddyfox/internal/cache"
	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/buddyfox/buddyfox/internal/session"
	"github.com/buddyfox/buddyfox/internal/store"
)

// MaxQueryLength is the longest accepted query, in characters.
const MaxQueryLength = 10000

// ServiceConfig holds the per-query settings shared by every session.
type ServiceConfig struct {
	// Model namespaces cache keys so answers from different models never mix.
	Model          string
	AllowedDomains []string
	BlockedDomains []string
}

// Service runs queries against a Runtime and keeps session counters current.
type Service struct {
	runtime  Runtime
	sessions *session.Store
	results  *cache.ResultCache
	repo     store.Repository
	log      ConversationLogger
	cfg      ServiceConfig

	queries atomic.Int64
	now     func() time.Time
}

// NewService wires a service. results, repo and log may be nil.
func NewService(rt Runtime, sessions *session.Store, results *cache.ResultCache, repo store.Repository, log ConversationLogger, cfg ServiceConfig) *Service {
	if rt == nil {
		rt = UnavailableRuntime{}
	}
	if log == nil {
		log = noopConversationLogger{}
	}
	return &Service{
		runtime:  rt,
		sessions: sessions,
		results:  results,
		repo:     repo,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Sessions exposes the session store.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Cache exposes the result cache. It may be nil.
func (s *Service) Cache() *cache.ResultCache { return s.results }

// Runtime exposes the configured backend.
func (s *Service) Runtime() Runtime { return s.runtime }

// TotalQueries counts queries that got past the session gate.
func (s *Service) TotalQueries() int64 { return s.queries.Load() }

// Ready reports whether the runtime can take queries.
func (s *Service) Ready(ctx context.Context) error { return s.runtime.Ready(ctx) }

// Close releases the runtime and flushes the conversation log.
func (s *Service) Close() {
	s.runtime.Close()
	if err := s.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// Prepare validates a query and resolves its session, creating the session if needed.
func (s *Service) Prepare(query, sessionID string) (string, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", &domain.ValidationError{Field: "query", Reason: "is required"}
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		return "", &domain.ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", MaxQueryLength)}
	}
	id, err := session.ResolveID(sessionID)
	if err != nil {
		return "", err
	}
	s.sessions.GetOrCreate(id)
	return id, nil
}

// Run streams the answer to query for a prepared session.
//
// The sequence ends with exactly one complete or error event unless the
// consumer stops early or ctx is cancelled. Runtime failures are reported as
// error events, never as sequence errors.
func (s *Service) Run(ctx context.Context, sessionID, query string) iter.Seq2[*domain.StreamEvent, error] {
	return func(yield func(*domain.StreamEvent, error) bool) {
		q := strings.TrimSpace(query)
		run := &queryRun{
			svc: s,
			rec: store.QueryRecord{
				SessionID: sessionID,
				StartedAt: s.now(),
				Runtime:   s.runtime.Name(),
				Status:    store.StatusCanceled,
			},
		}
		defer run.finish()

		lease, err := s.sessions.Acquire(ctx, sessionID)
		if err != nil {
			return
		}
		run.lease = lease
		s.queries.Add(1)

		s.log.Log(ConversationLogEvent{
			SessionID:  sessionID,
			Channel:    "query",
			Direction:  "outbound",
			EventType:  "user_query",
			ContentRaw: q,
		})

		sess := lease.Session()
		if !sess.CanSearch() {
			run.fail(yield, (&SearchLimitError{Max: sess.MaxSearches}).Error())
			return
		}

		history := lease.History()
		var cacheKey string
		if len(history) == 0 && s.results != nil {
			cacheKey = cache.Key(s.cfg.Model, q)
			if answer, ok := s.results.Get(cacheKey); ok {
				run.rec.Cached = true
				if !yield(domain.TextEvent(sessionID, answer), nil) {
					return
				}
				run.answer.WriteString(answer)
				run.complete(yield, q)
				return
			}
		}

		req := Request{
			Query:          q,
			SessionID:      sessionID,
			History:        history,
			MaxSearches:    sess.RemainingSearches(),
			AllowedDomains: s.cfg.AllowedDomains,
			BlockedDomains: s.cfg.BlockedDomains,
		}

		for ev, err := range s.runtime.Stream(ctx, req) {
			if err != nil {
				if ctx.Err() != nil {
					run.rec.Error = ctx.Err().Error()
					return
				}
				slog.Warn("Agent runtime failed", "session_id", sessionID, "runtime", s.runtime.Name(), "error", err)
				var upstream *UpstreamError
				if !errors.As(err, &upstream) {
					upstream = &UpstreamError{Op: "agent query", Err: err}
				}
				run.fail(yield, upstream.Error())
				return
			}
			if ev == nil {
				continue
			}
			out := run.translate(ev)
			if out == nil {
				continue
			}
			if !yield(out, nil) {
				return
			}
		}
		if ctx.Err() != nil {
			run.rec.Error = ctx.Err().Error()
			return
		}

		if cacheKey != "" && run.answer.Len() > 0 {
			s.results.Set(cacheKey, run.answer.String())
		}
		run.complete(yield, q)
	}
}

// Answer runs a query to completion and returns the collected text.
func (s *Service) Answer(ctx context.Context, sessionID, query string) (*QueryResponse, error) {
	if sess, err := s.sessions.Get(sessionID); err == nil && !sess.CanSearch() {
		return nil, &SearchLimitError{Max: sess.MaxSearches}
	}

	started := s.now()
	var text strings.Builder
	for ev, err := range s.Run(ctx, sessionID, query) {
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case domain.EventText:
			text.WriteString(ev.Content)
		case domain.EventError:
			return nil, &UpstreamError{Op: "agent query", Err: errors.New(ev.Error)}
		case domain.EventComplete:
			return &QueryResponse{
				Response:     text.String(),
				SessionID:    sessionID,
				SessionStats: *ev.SessionStats,
				DurationMS:   s.now().Sub(started).Milliseconds(),
			}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &UpstreamError{Op: "agent query", Err: errors.New("no result")}
}

// queryRun accumulates the state of one Run call.
type queryRun struct {
	svc       *Service
	lease     *session.Lease
	rec       store.QueryRecord
	answer    strings.Builder
	searches  int
	fetches   int
	committed bool
}

func (r *queryRun) translate(ev *RuntimeEvent) *domain.StreamEvent {
	id := r.rec.SessionID
	switch ev.Type {
	case RuntimeText:
		if ev.Content == "" {
			return nil
		}
		r.answer.WriteString(ev.Content)
		return domain.TextEvent(id, ev.Content)
	case RuntimeToolStart:
		switch normalizeTool(ev.Tool) {
		case "websearch":
			r.searches++
		case "webfetch":
			r.fetches++
		}
		return domain.ToolEvent(id, ev.Tool, domain.ToolStarted)
	case RuntimeToolEnd:
		return domain.ToolEvent(id, ev.Tool, domain.ToolCompleted)
	}
	return nil
}

// complete records the turn and emits the terminal complete frame.
func (r *queryRun) complete(yield func(*domain.StreamEvent, error) bool, query string) {
	id := r.rec.SessionID
	updated, err := r.lease.Upsert(domain.Delta{
		WebSearches: r.searches,
		WebFetches:  r.fetches,
		Messages:    1,
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Content: query},
			{Role: domain.RoleAssistant, Content: r.answer.String()},
		},
	})
	r.committed = true
	if err != nil {
		slog.Error("failed to update session", "session_id", id, "error", err)
		r.rec.Status = store.StatusFailed
		r.rec.Error = err.Error()
		yield(domain.ErrorEvent(id, "Internal server error"), nil)
		return
	}

	r.rec.Status = store.StatusCompleted
	r.svc.log.Log(ConversationLogEvent{
		SessionID:  id,
		Channel:    "query",
		Direction:  "inbound",
		EventType:  "assistant_answer",
		ContentRaw: r.answer.String(),
		Meta: map[string]any{
			"web_searches": r.searches,
			"web_fetches":  r.fetches,
			"cached":       r.rec.Cached,
		},
	})
	yield(domain.CompleteEvent(updated), nil)
}

// fail emits the terminal error frame.
func (r *queryRun) fail(yield func(*domain.StreamEvent, error) bool, msg string) {
	r.rec.Status = store.StatusFailed
	r.rec.Error = msg
	yield(domain.ErrorEvent(r.rec.SessionID, msg), nil)
}

// finish keeps tool counters observed by an unfinished query, frees the
// session slot and writes the query log.
func (r *queryRun) finish() {
	s := r.svc
	if r.lease != nil {
		if !r.committed && (r.searches > 0 || r.fetches > 0) {
			if _, err := r.lease.Upsert(domain.Delta{WebSearches: r.searches, WebFetches: r.fetches}); err != nil {
				slog.Warn("failed to record tool usage", "session_id", r.rec.SessionID, "error", err)
			}
		}
		r.lease.Release()
	}

	r.rec.Duration = s.now().Sub(r.rec.StartedAt)
	r.rec.WebSearches = r.searches
	r.rec.WebFetches = r.fetches
	r.rec.ResponseChars = utf8.RuneCountInString(r.answer.String())

	slog.Info("Agent query finished",
		"session_id", r.rec.SessionID,
		"status", r.rec.Status,
		"duration_ms", r.rec.Duration.Milliseconds(),
		"web_searches", r.searches,
		"web_fetches", r.fetches,
		"cached", r.rec.Cached,
	)

	if s.repo == nil {
		return
	}
	// The request context may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.repo.RecordQuery(ctx, r.rec); err != nil {
		slog.Warn("failed to record query", "session_id", r.rec.SessionID, "error", err)
	}
}

// normalizeTool folds "WebSearch" and "web_search" to "websearch".
func normalizeTool(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}
