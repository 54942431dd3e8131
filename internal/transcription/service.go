package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/buddyfox/buddyfox/internal/capture"
	"github.com/buddyfox/buddyfox/internal/domain"
	"github.com/buddyfox/buddyfox/internal/session"
	"github.com/buddyfox/buddyfox/internal/store"
)

const canceledMessage = "transcription canceled"

var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)

// Config holds transcription settings shared by every session.
type Config struct {
	Language         string
	SampleRate       int
	ChunkSizeMS      int
	MaxAudioDuration time.Duration
}

// BeginRequest is the body of POST /api/webcast/transcribe.
type BeginRequest struct {
	WebcastURL string `json:"webcast_url"`
	SessionID  string `json:"session_id,omitempty"`
	Language   string `json:"language,omitempty"`
	Capture    bool   `json:"capture,omitempty"`
}

// Service owns transcription sessions and relays audio between clients and the Transcriber.
type Service struct {
	transcriber Transcriber
	capturer    capture.Capturer
	repo        store.Repository
	sessions    *registry
	cfg         Config
	now         func() time.Time
}

// NewService wires a service. transcriber, capturer and repo may be nil.
func NewService(t Transcriber, c capture.Capturer, repo store.Repository, cfg Config) *Service {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ChunkSizeMS <= 0 {
		cfg.ChunkSizeMS = 1000
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Service{
		transcriber: t,
		capturer:    c,
		repo:        repo,
		sessions:    newRegistry(),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Ready reports whether transcription is available.
func (s *Service) Ready(context.Context) error {
	if s.transcriber == nil {
		return ErrNotConfigured
	}
	return nil
}

// ActiveCount returns the number of sessions that have not finished.
func (s *Service) ActiveCount() int {
	return s.sessions.countRunning()
}

// Begin validates req and registers a session in the starting state.
func (s *Service) Begin(req BeginRequest) (string, error) {
	if s.transcriber == nil {
		return "", &UpstreamError{Op: "transcription", Err: ErrNotConfigured}
	}
	if err := validateWebcastURL(req.WebcastURL); err != nil {
		return "", err
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = s.cfg.Language
	}
	if !languagePattern.MatchString(lang) {
		return "", &domain.ValidationError{Field: "language", Reason: "must be a language code such as en or en-US"}
	}
	if req.Capture && s.capturer == nil {
		return "", &domain.ValidationError{Field: "capture", Reason: "server-side capture is not enabled"}
	}
	id, err := session.ResolveID(req.SessionID)
	if err != nil {
		return "", err
	}

	l := &live{
		info: domain.TranscriptionSession{
			SessionID:  id,
			WebcastURL: strings.TrimSpace(req.WebcastURL),
			StartedAt:  s.now(),
			Status:     domain.TranscriptionStarting,
			Language:   lang,
			Capture:    req.Capture,
		},
		tail: NewTail(0),
	}
	if !s.sessions.add(l) {
		return "", &domain.ValidationError{Field: "session_id", Reason: "already has a running transcription"}
	}
	slog.Info("Transcription session created", "session_id", id, "language", lang, "capture", req.Capture)
	return id, nil
}

func validateWebcastURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &domain.ValidationError{Field: "webcast_url", Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &domain.ValidationError{Field: "webcast_url", Reason: "must be an absolute URL"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "rtmp", "rtmps", "rtsp":
		return nil
	}
	return &domain.ValidationError{Field: "webcast_url", Reason: "must use http, https, rtmp, rtmps or rtsp"}
}

// Stream opens the upstream transcription and relays transcripts for a
// session created by Begin. The sequence ends with exactly one complete or
// error event unless the consumer stops early.
func (s *Service) Stream(ctx context.Context, id string) iter.Seq2[*domain.TranscriptionEvent, error] {
	return func(yield func(*domain.TranscriptionEvent, error) bool) {
		l, ok := s.sessions.get(id)
		if !ok {
			yield(nil, &domain.NotFoundError{Kind: "transcription session", ID: id})
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		l.mu.Lock()
		if l.relaying || l.info.Status != domain.TranscriptionStarting {
			l.mu.Unlock()
			yield(nil, &domain.ValidationError{Field: "session_id", Reason: "transcription is already streaming"})
			return
		}
		l.relaying = true
		l.cancel = cancel
		opts := Options{Language: l.info.Language, SampleRate: s.cfg.SampleRate}
		wantCapture := l.info.Capture
		webcastURL := l.info.WebcastURL
		l.mu.Unlock()

		run := &transcriptionRun{svc: s, l: l}
		defer run.finish()

		st, err := s.transcriber.Open(ctx, opts)
		if err != nil {
			slog.Warn("Transcription upstream open failed", "session_id", id, "error", err)
			run.end(yield, domain.TranscriptionFailed, err.Error())
			return
		}
		defer st.Close()

		l.mu.Lock()
		if l.info.Status != domain.TranscriptionStarting {
			l.mu.Unlock()
			run.end(yield, domain.TranscriptionCompleted, "")
			return
		}
		l.info.Status = domain.TranscriptionActive
		l.stream = st
		l.mu.Unlock()

		slog.Info("Transcription started", "session_id", id)
		if !yield(&domain.TranscriptionEvent{
			Type:      domain.TranscriptionEventSession,
			SessionID: id,
			Status:    domain.TranscriptionActive,
		}, nil) {
			return
		}

		if wantCapture {
			if err := s.startCapture(ctx, id, webcastURL); err != nil {
				slog.Warn("Webcast capture failed to start", "session_id", id, "error", err)
				run.end(yield, domain.TranscriptionFailed, err.Error())
				return
			}
		}

		for {
			tr, err := st.Recv(ctx)
			if errors.Is(err, io.EOF) {
				run.end(yield, domain.TranscriptionCompleted, "")
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					run.end(yield, domain.TranscriptionFailed, canceledMessage)
					return
				}
				slog.Warn("Transcription upstream failed", "session_id", id, "error", err)
				run.end(yield, domain.TranscriptionFailed, err.Error())
				return
			}
			ev := run.apply(tr)
			if ev == nil {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// WriteAudio forwards one PCM16 chunk to the session's upstream stream.
// It returns ErrAudioLimit after forwarding the chunk that crosses the
// duration cap; the session is then stopping.
func (s *Service) WriteAudio(ctx context.Context, id string, chunk []byte) error {
	l, ok := s.sessions.get(id)
	if !ok {
		return &domain.NotFoundError{Kind: "transcription session", ID: id}
	}

	l.mu.Lock()
	if l.info.Status != domain.TranscriptionActive || l.stream == nil {
		l.mu.Unlock()
		return ErrInactive
	}
	st := l.stream
	l.audioBytes += int64(len(chunk))
	l.info.AudioChunksReceived++
	l.info.TotalDurationSeconds = float64(l.audioBytes) / float64(2*s.cfg.SampleRate)
	over := s.cfg.MaxAudioDuration > 0 && l.info.TotalDurationSeconds > s.cfg.MaxAudioDuration.Seconds()
	l.mu.Unlock()

	if err := st.SendAudio(ctx, chunk); err != nil {
		return err
	}
	if over {
		slog.Warn("Audio duration limit reached", "session_id", id, "max_seconds", s.cfg.MaxAudioDuration.Seconds())
		if err := s.stopLive(ctx, l); err != nil {
			slog.Warn("Failed to stop transcription at audio limit", "session_id", id, "error", err)
		}
		return ErrAudioLimit
	}
	return nil
}

// Stop asks the upstream to finish the session gracefully. Stopping a finished
// or already stopping session is a no-op.
func (s *Service) Stop(ctx context.Context, id string) error {
	l, ok := s.sessions.get(id)
	if !ok {
		return &domain.NotFoundError{Kind: "transcription session", ID: id}
	}
	return s.stopLive(ctx, l)
}

func (s *Service) stopLive(ctx context.Context, l *live) error {
	l.mu.Lock()
	id := l.info.SessionID
	switch l.info.Status {
	case domain.TranscriptionStarting:
		l.finishLocked(domain.TranscriptionCompleted, "", s.now())
		cancel := l.cancel
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.Info("Transcription stopped before start", "session_id", id)
		return nil
	case domain.TranscriptionActive:
		l.info.Status = domain.TranscriptionStopping
		st := l.stream
		cancel := l.cancel
		l.mu.Unlock()

		slog.Info("Transcription stop requested", "session_id", id)
		if err := st.Terminate(ctx); err != nil {
			if cancel != nil {
				cancel()
			}
			return fmt.Errorf("terminate transcription %s: %w", id, err)
		}
		return nil
	default:
		l.mu.Unlock()
		return nil
	}
}

// Get returns a snapshot of a transcription session.
func (s *Service) Get(id string) (domain.TranscriptionSession, error) {
	l, ok := s.sessions.get(id)
	if !ok {
		return domain.TranscriptionSession{}, &domain.NotFoundError{Kind: "transcription session", ID: id}
	}
	return l.snapshot(), nil
}

// Delete stops a running session and forgets it.
func (s *Service) Delete(ctx context.Context, id string) error {
	l, ok := s.sessions.remove(id)
	if !ok {
		return &domain.NotFoundError{Kind: "transcription session", ID: id}
	}
	if err := s.stopLive(ctx, l); err != nil {
		slog.Warn("Failed to stop transcription before delete", "session_id", id, "error", err)
	}
	slog.Info("Transcription session deleted", "session_id", id)
	return nil
}

// StopAll asks every running session to finish and returns how many were signalled.
func (s *Service) StopAll(ctx context.Context) int {
	n := 0
	for _, l := range s.sessions.all() {
		l.mu.Lock()
		running := !l.info.Status.Finished()
		l.mu.Unlock()
		if !running {
			continue
		}
		if err := s.stopLive(ctx, l); err != nil {
			slog.Warn("Failed to stop transcription", "session_id", l.snapshot().SessionID, "error", err)
		}
		n++
	}
	return n
}

// List returns every known session ordered by start time.
func (s *Service) List() []domain.TranscriptionSession {
	return s.sessions.list()
}

func (s *Service) chunkBytes() int {
	return s.cfg.SampleRate * 2 * s.cfg.ChunkSizeMS / 1000
}

// startCapture runs a server-side capture that feeds the session until the
// capture ends or ctx is cancelled.
func (s *Service) startCapture(ctx context.Context, id, webcastURL string) error {
	rc, err := s.capturer.Start(ctx, capture.Request{SessionID: id, URL: webcastURL, SampleRate: s.cfg.SampleRate})
	if err != nil {
		return &UpstreamError{Op: "webcast capture", Err: err}
	}

	go func() {
		defer rc.Close()
		err := ChunkAudio(rc, s.chunkBytes(), func(chunk []byte) error {
			return s.WriteAudio(ctx, id, chunk)
		})
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrAudioLimit), errors.Is(err, ErrInactive):
			return
		case err != nil:
			slog.Warn("Webcast capture ended with error", "session_id", id, "error", err)
		default:
			slog.Info("Webcast capture ended", "session_id", id)
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("Failed to stop transcription after capture", "session_id", id, "error", err)
		}
	}()
	return nil
}

// ChunkAudio reads r in size-byte chunks and passes each to fn. The final
// chunk may be shorter. The slice passed to fn is reused between calls.
func ChunkAudio(r io.Reader, size int, fn func([]byte) error) error {
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// transcriptionRun tracks one Stream call.
type transcriptionRun struct {
	svc *Service
	l   *live
}

func (r *transcriptionRun) apply(tr *Transcript) *domain.TranscriptionEvent {
	l := r.l
	l.mu.Lock()
	id := l.info.SessionID
	if tr.Final {
		l.info.ChunksTranscribed++
		l.tail.Append(tr.Text)
	}
	l.mu.Unlock()

	if tr.Final {
		return &domain.TranscriptionEvent{
			Type:         domain.TranscriptionEventFinal,
			SessionID:    id,
			Text:         tr.Text,
			TurnOrder:    tr.TurnOrder,
			AudioStartMS: tr.AudioStartMS,
			AudioEndMS:   tr.AudioEndMS,
		}
	}
	if tr.Text == "" {
		return nil
	}
	return &domain.TranscriptionEvent{
		Type:      domain.TranscriptionEventPartial,
		SessionID: id,
		Text:      tr.Text,
		TurnOrder: tr.TurnOrder,
	}
}

// end moves the session to a terminal status and emits the matching frame.
// A session that was stopping completes even when the upstream was cut short.
func (r *transcriptionRun) end(yield func(*domain.TranscriptionEvent, error) bool, status domain.TranscriptionStatus, msg string) {
	l := r.l
	l.mu.Lock()
	if status == domain.TranscriptionFailed && l.info.Status == domain.TranscriptionStopping {
		status, msg = domain.TranscriptionCompleted, ""
	}
	l.finishLocked(status, msg, r.svc.now())
	l.mu.Unlock()

	snap := l.snapshot()
	if snap.Status == domain.TranscriptionFailed {
		yield(&domain.TranscriptionEvent{
			Type:      domain.TranscriptionEventError,
			SessionID: snap.SessionID,
			Status:    snap.Status,
			Error:     snap.Error,
		}, nil)
		return
	}
	yield(&domain.TranscriptionEvent{
		Type:         domain.TranscriptionEventComplete,
		SessionID:    snap.SessionID,
		Status:       snap.Status,
		SessionStats: &snap,
	}, nil)
}

// finish settles an abandoned session and writes the transcription log.
func (r *transcriptionRun) finish() {
	l := r.l
	l.mu.Lock()
	if l.info.Status == domain.TranscriptionStopping {
		l.finishLocked(domain.TranscriptionCompleted, "", r.svc.now())
	} else {
		l.finishLocked(domain.TranscriptionFailed, canceledMessage, r.svc.now())
	}
	l.mu.Unlock()

	snap := l.snapshot()
	rec := store.TranscriptionRecord{
		SessionID:         snap.SessionID,
		StartedAt:         snap.StartedAt,
		Status:            store.StatusCompleted,
		Language:          snap.Language,
		Capture:           snap.Capture,
		ChunksTranscribed: snap.ChunksTranscribed,
		AudioSeconds:      snap.TotalDurationSeconds,
		Error:             snap.Error,
	}
	if snap.EndedAt != nil {
		rec.Duration = snap.EndedAt.Sub(snap.StartedAt)
	}
	switch {
	case snap.Error == canceledMessage:
		rec.Status = store.StatusCanceled
	case snap.Status == domain.TranscriptionFailed:
		rec.Status = store.StatusFailed
	}

	slog.Info("Transcription finished",
		"session_id", snap.SessionID,
		"status", snap.Status,
		"duration_ms", rec.Duration.Milliseconds(),
		"chunks_transcribed", snap.ChunksTranscribed,
		"audio_seconds", snap.TotalDurationSeconds,
	)

	if r.svc.repo == nil {
		return
	}
	// The request context may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.svc.repo.RecordTranscription(ctx, rec); err != nil {
		slog.Warn("failed to record transcription", "session_id", snap.SessionID, "error", err)
	}
}
