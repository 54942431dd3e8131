package transcription

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/buddyfox/buddyfox/internal/domain"
)

// live is the mutable state of one transcription session.
type live struct {
	mu         sync.Mutex
	info       domain.TranscriptionSession
	tail       *Tail
	audioBytes int64
	stream     Stream
	cancel     context.CancelFunc
	relaying   bool
}

func (l *live) snapshot() domain.TranscriptionSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.info
	out.TranscriptTail = l.tail.String()
	if out.EndedAt != nil {
		ended := *out.EndedAt
		out.EndedAt = &ended
	}
	return out
}

// finishLocked moves the session to a terminal status. Caller holds mu.
func (l *live) finishLocked(status domain.TranscriptionStatus, errMsg string, now time.Time) {
	if l.info.Status.Finished() {
		return
	}
	l.info.Status = status
	l.info.Error = errMsg
	l.info.EndedAt = &now
	l.stream = nil
}

// registry maps transcription session ids to live sessions.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*live
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*live)}
}

// add inserts l unless a session with the same id is still running.
func (r *registry) add(l *live) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := l.info.SessionID
	if existing, ok := r.sessions[id]; ok {
		existing.mu.Lock()
		running := !existing.info.Status.Finished()
		existing.mu.Unlock()
		if running {
			return false
		}
	}
	r.sessions[id] = l
	return true
}

func (r *registry) get(id string) (*live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.sessions[id]
	return l, ok
}

func (r *registry) remove(id string) (*live, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return l, ok
}

func (r *registry) all() []*live {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*live, 0, len(r.sessions))
	for _, l := range r.sessions {
		all = append(all, l)
	}
	return all
}

// list returns snapshots ordered by start time.
func (r *registry) list() []domain.TranscriptionSession {
	all := r.all()
	out := make([]domain.TranscriptionSession, 0, len(all))
	for _, l := range all {
		out = append(out, l.snapshot())
	}
	slices.SortFunc(out, func(a, b domain.TranscriptionSession) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

func (r *registry) countRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.sessions {
		l.mu.Lock()
		if !l.info.Status.Finished() {
			n++
		}
		l.mu.Unlock()
	}
	return n
}

