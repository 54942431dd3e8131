// Package session provides the in-memory registry of conversation sessions.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/buddyfox/buddyfox/internal/domain"
)

// Store maps session ids to session metadata. All mutations go through mu.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	// draining holds gates of deleted sessions whose query is still running.
	// A session recreated under the same id reuses the gate.
	draining    map[string]chan struct{}
	maxSearches int
	now         func() time.Time
}

type entry struct {
	session domain.Session
	history []domain.Turn
	// gate admits one query at a time for the session.
	gate chan struct{}
}

// Stats summarizes the store contents.
type Stats struct {
	TotalSessions  int `json:"total_sessions"`
	TotalMessages  int `json:"total_messages"`
	ActiveSessions int `json:"active_sessions"`
}

// NewStore creates an empty store. maxSearches is stamped on every new session.
func NewStore(maxSearches int) *Store {
	return &Store{
		sessions:    make(map[string]*entry),
		draining:    make(map[string]chan struct{}),
		maxSearches: maxSearches,
		now:         time.Now,
	}
}

func (s *Store) snapshot(e *entry) domain.Session {
	out := e.session
	out.DurationSeconds = s.now().Sub(out.StartedAt).Seconds()
	return out
}

// createLocked inserts a fresh session. Caller holds mu.
func (s *Store) createLocked(id string) *entry {
	gate, ok := s.draining[id]
	if !ok {
		gate = make(chan struct{}, 1)
	}
	now := s.now()
	e := &entry{
		session: domain.Session{
			SessionID:    id,
			StartedAt:    now,
			MaxSearches:  s.maxSearches,
			LastActiveAt: now,
		},
		gate: gate,
	}
	s.sessions[id] = e
	slog.Info("Session created", "session_id", id)
	return e
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, &domain.NotFoundError{Kind: "Session", ID: id}
	}
	return s.snapshot(e), nil
}

// GetOrCreate returns the session, creating it on first reference.
func (s *Store) GetOrCreate(id string) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		e = s.createLocked(id)
	}
	return s.snapshot(e)
}

// Upsert applies an additive delta, creating the session if needed.
func (s *Store) Upsert(id string, delta domain.Delta) (domain.Session, error) {
	if err := delta.Validate(); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		e = s.createLocked(id)
	}
	e.apply(delta, s.now())
	return s.snapshot(e), nil
}

// Delete removes the session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return &domain.NotFoundError{Kind: "Session", ID: id}
	}
	delete(s.sessions, id)
	if len(e.gate) > 0 {
		s.draining[id] = e.gate
	}
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// List returns snapshots of every session ordered by start time.
func (s *Store) List() []domain.Session {
	s.mu.Lock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, s.snapshot(e))
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
	return out
}

// History returns a copy of the conversation turns recorded for the session.
func (s *Store) History(id string) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.history)
}

// Acquire blocks until the caller holds the session's query slot or ctx ends.
// The session is created if it does not exist. The lease stays bound to the
// session it was granted on: if that session is deleted, updates made through
// the lease no longer reach the store.
func (s *Store) Acquire(ctx context.Context, id string) (*Lease, error) {
	for {
		s.mu.Lock()
		e, ok := s.sessions[id]
		if !ok {
			e = s.createLocked(id)
		}
		gate := e.gate
		s.mu.Unlock()

		select {
		case gate <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		current := s.sessions[id] == e
		s.mu.Unlock()
		if current {
			return &Lease{store: s, id: id, entry: e}, nil
		}
		// Deleted while waiting; retry against the live session.
		s.releaseGate(id, gate)
	}
}

func (s *Store) releaseGate(id string, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	<-gate
	if s.draining[id] == gate && len(gate) == 0 {
		delete(s.draining, id)
	}
}

// Lease is a held query slot on one session.
type Lease struct {
	store *Store
	id    string
	entry *entry
	once  sync.Once
}

// Release frees the query slot. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.store.releaseGate(l.id, l.entry.gate) })
}

// Current reports whether the leased session is still in the store.
func (l *Lease) Current() bool {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.sessions[l.id] == l.entry
}

// Session returns a snapshot of the leased session.
func (l *Lease) Session() domain.Session {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.snapshot(l.entry)
}

// History returns a copy of the leased session's turns.
func (l *Lease) History() []domain.Turn {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return slices.Clone(l.entry.history)
}

// Upsert applies delta to the leased session. If the session was deleted
// meanwhile, the delta only changes the returned snapshot.
func (l *Lease) Upsert(delta domain.Delta) (domain.Session, error) {
	if err := delta.Validate(); err != nil {
		return domain.Session{}, err
	}

	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[l.id] != l.entry {
		slog.Debug("Session deleted during query, update not stored", "session_id", l.id)
	}
	l.entry.apply(delta, s.now())
	return s.snapshot(l.entry), nil
}

func (e *entry) apply(delta domain.Delta, now time.Time) {
	e.session.WebSearchesUsed += delta.WebSearches
	e.session.WebFetchesUsed += delta.WebFetches
	e.session.MessageCount += delta.Messages
	e.session.LastActiveAt = now
	e.history = append(e.history, delta.Turns...)
}

// Stats returns aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TotalSessions: len(s.sessions)}
	for _, e := range s.sessions {
		st.TotalMessages += e.session.MessageCount
		if len(e.gate) > 0 {
			st.ActiveSessions++
		}
	}
	return st
}

// RemoveIdle deletes sessions idle for longer than ttl that have no query in flight.
func (s *Store) RemoveIdle(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for id, e := range s.sessions {
		if len(e.gate) > 0 {
			continue
		}
		if e.session.IdleFor(now) > ttl {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
