package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultStreamingURL is the AssemblyAI v3 realtime endpoint.
const DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

const (
	multilingualModel = "universal-streaming-multilingual"
	maxMessageBytes   = 1 << 20
)

// AssemblyAIConfig configures the AssemblyAI realtime client.
type AssemblyAIConfig struct {
	APIKey     string
	URL        string
	HTTPClient *http.Client
}

// AssemblyAI opens realtime streams against the AssemblyAI v3 API.
type AssemblyAI struct {
	cfg AssemblyAIConfig
}

// NewAssemblyAI creates an AssemblyAI transcriber.
func NewAssemblyAI(cfg AssemblyAIConfig) *AssemblyAI {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamingURL
	}
	return &AssemblyAI{cfg: cfg}
}

// Open dials the realtime endpoint. ctx bounds the handshake only.
func (a *AssemblyAI) Open(ctx context.Context, opts Options) (Stream, error) {
	endpoint, err := a.endpoint(opts)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", a.cfg.APIKey)

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: a.cfg.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, &UpstreamError{Op: "assemblyai connect", Err: fmt.Errorf("%s: %w", resp.Status, err)}
		}
		return nil, &UpstreamError{Op: "assemblyai connect", Err: err}
	}
	conn.SetReadLimit(maxMessageBytes)

	slog.Debug("AssemblyAI stream opened", "sample_rate", opts.SampleRate, "language", opts.Language)
	return &assemblyStream{conn: conn}, nil
}

func (a *AssemblyAI) endpoint(opts Options) (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse streaming url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	if lang := strings.ToLower(opts.Language); lang != "" && lang != "en" && !strings.HasPrefix(lang, "en-") {
		q.Set("speech_model", multilingualModel)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// aaiWord is a word timing in a Turn message.
type aaiWord struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Text  string `json:"text"`
}

// aaiMessage covers the Begin, Turn and Termination server messages.
type aaiMessage struct {
	Type            string    `json:"type"`
	ID              string    `json:"id,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	TurnOrder       int       `json:"turn_order,omitempty"`
	EndOfTurn       bool      `json:"end_of_turn,omitempty"`
	TurnIsFormatted bool      `json:"turn_is_formatted,omitempty"`
	Words           []aaiWord `json:"words,omitempty"`
	AudioDuration   float64   `json:"audio_duration_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type assemblyStream struct {
	conn *websocket.Conn
}

func (s *assemblyStream) SendAudio(ctx context.Context, chunk []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return &UpstreamError{Op: "assemblyai send", Err: err}
	}
	return nil
}

func (s *assemblyStream) Terminate(ctx context.Context) error {
	if err := wsjson.Write(ctx, s.conn, map[string]string{"type": "Terminate"}); err != nil {
		return &UpstreamError{Op: "assemblyai terminate", Err: err}
	}
	return nil
}

func (s *assemblyStream) Recv(ctx context.Context) (*Transcript, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, s.readError(ctx, err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg aaiMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Skipping malformed AssemblyAI message", "error", err)
			continue
		}
		if msg.Error != "" {
			return nil, &UpstreamError{Op: "assemblyai stream", Err: errors.New(msg.Error)}
		}

		switch msg.Type {
		case "Begin":
			slog.Debug("AssemblyAI session began", "upstream_id", msg.ID)
		case "Turn":
			return turnTranscript(msg), nil
		case "Termination":
			slog.Debug("AssemblyAI session terminated", "audio_duration_seconds", msg.AudioDuration)
			return nil, io.EOF
		}
	}
}

func (s *assemblyStream) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.StatusNormalClosure {
			return io.EOF
		}
		reason := ce.Reason
		if reason == "" {
			reason = fmt.Sprintf("closed with status %d", ce.Code)
		}
		return &UpstreamError{Op: "assemblyai stream", Err: errors.New(reason)}
	}
	return &UpstreamError{Op: "assemblyai stream", Err: err}
}

func (s *assemblyStream) Close() error {
	return s.conn.CloseNow()
}

// turnTranscript maps a Turn message. With format_turns the service sends an
// unformatted end-of-turn message before the formatted one, so only the
// formatted end of turn is final.
func turnTranscript(msg aaiMessage) *Transcript {
	t := &Transcript{
		Text:      msg.Transcript,
		Final:     msg.EndOfTurn && msg.TurnIsFormatted,
		TurnOrder: msg.TurnOrder,
	}
	if n := len(msg.Words); n > 0 {
		t.AudioStartMS = msg.Words[0].Start
		t.AudioEndMS = msg.Words[n-1].End
	}
	return t
}
