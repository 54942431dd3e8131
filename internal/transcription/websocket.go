package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/api"
	"github.com/buddyfox/buddyfox/internal/domain"
)

const (
	maxAudioFrameBytes = 1 << 20
	stopTimeout        = 5 * time.Second
)

// AudioHandler accepts the inbound audio WebSocket for a transcription session.
type AudioHandler struct {
	svc            *Service
	conns          *ConnManager
	originPatterns []string
	isDev          bool
}

// NewAudioHandler creates an audio WebSocket handler. originPatterns follow
// websocket.AcceptOptions; "*" or isDev disables the origin check.
func NewAudioHandler(svc *Service, conns *ConnManager, originPatterns []string, isDev bool) *AudioHandler {
	return &AudioHandler{
		svc:            svc,
		conns:          conns,
		originPatterns: originPatterns,
		isDev:          isDev,
	}
}

// controlMessage is a text frame sent by the client.
type controlMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	slog.Info("Audio WebSocket request", "session_id", sessionID, "ip", r.RemoteAddr)

	info, err := h.svc.Get(sessionID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if info.Status != domain.TranscriptionActive {
		api.Error(w, http.StatusNotFound, "transcription session "+sessionID+" is not active")
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "audio ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	ws.SetReadLimit(maxAudioFrameBytes)

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pump := NewAudioPump(ctx, sessionID, func(ctx context.Context, chunk []byte) error {
		return h.svc.WriteAudio(ctx, sessionID, chunk)
	}, 0)

	stop := h.readLoop(ctx, ws, pump, sessionID)
	if err := pump.Close(); err != nil && !errors.Is(err, ErrAudioLimit) && !errors.Is(err, ErrInactive) {
		slog.Warn("Audio forwarding failed", "session_id", sessionID, "error", err)
	}

	if stop && h.conns.IsCurrent(sessionID, ws) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if err := h.svc.Stop(stopCtx, sessionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("Failed to stop transcription", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("Audio session ended", "session_id", sessionID, "stop", stop)
}

func (h *AudioHandler) acceptOptions() *websocket.AcceptOptions {
	if h.isDev || len(h.originPatterns) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	for _, p := range h.originPatterns {
		if p == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
}

// readLoop pumps binary frames until the client stops or the connection
// fails. It reports whether the session should be stopped.
func (h *AudioHandler) readLoop(ctx context.Context, ws *websocket.Conn, pump *AudioPump, sessionID string) bool {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				slog.Debug("Audio WebSocket closed by client", "session_id", sessionID)
				return true
			case -1:
				if ctx.Err() == nil {
					slog.Warn("Audio WebSocket read error", "error", err, "session_id", sessionID)
				}
			default:
				slog.Debug("Audio WebSocket closed", "status", websocket.CloseStatus(err), "session_id", sessionID)
			}
			return false
		}

		switch typ {
		case websocket.MessageBinary:
			if _, err := pump.Write(data); err != nil {
				if errors.Is(err, ErrAudioLimit) {
					_ = ws.Close(websocket.StatusPolicyViolation, "maximum audio duration reached")
				} else {
					slog.Debug("Audio pump rejected chunk", "session_id", sessionID, "error", err)
				}
				return false
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("Ignoring malformed control message", "session_id", sessionID)
				continue
			}
			if msg.Type == "stop" {
				slog.Info("Audio stop requested", "session_id", sessionID)
				return true
			}
		}
	}
}
