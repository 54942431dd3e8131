package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAssemblyAIStreamsTurns(t *testing.T) {
	t.Parallel()

	gotAudio := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("sample_rate") != "16000" || q.Get("encoding") != "pcm_s16le" || q.Get("format_turns") != "true" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_ = wsjson.Write(ctx, conn, map[string]any{"type": "Begin", "id": "up-1", "expires_at": 1700000000})

		typ, audio, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		gotAudio <- len(audio)

		_ = wsjson.Write(ctx, conn, map[string]any{
			"type": "Turn", "turn_order": 0, "transcript": "hello", "end_of_turn": false,
		})
		_ = wsjson.Write(ctx, conn, map[string]any{
			"type": "Turn", "turn_order": 0, "transcript": "hello world", "end_of_turn": true, "turn_is_formatted": false,
		})
		_ = wsjson.Write(ctx, conn, map[string]any{
			"type": "Turn", "turn_order": 0, "transcript": "Hello world.", "end_of_turn": true, "turn_is_formatted": true,
			"words": []map[string]any{
				{"start": 240, "end": 560, "text": "Hello"},
				{"start": 600, "end": 1010, "text": "world."},
			},
		})

		var msg map[string]string
		if err := wsjson.Read(ctx, conn, &msg); err != nil || msg["type"] != "Terminate" {
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "Termination", "audio_duration_seconds": 1.0})
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aai := NewAssemblyAI(AssemblyAIConfig{APIKey: "test-key", URL: wsURL(srv)})
	st, err := aai.Open(ctx, Options{Language: "en", SampleRate: 16000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if err := st.SendAudio(ctx, make([]byte, 3200)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if n := <-gotAudio; n != 3200 {
		t.Fatalf("expected audio forwarded unmodified, got %d bytes", n)
	}

	want := []Transcript{
		{Text: "hello"},
		{Text: "hello world"},
		{Text: "Hello world.", Final: true, AudioStartMS: 240, AudioEndMS: 1010},
	}
	for i, w := range want {
		tr, err := st.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if *tr != w {
			t.Fatalf("turn %d: expected %+v, got %+v", i, w, *tr)
		}
	}

	if err := st.Terminate(ctx); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := st.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after termination, got %v", err)
	}
}

func TestAssemblyAIRejectedHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	aai := NewAssemblyAI(AssemblyAIConfig{APIKey: "wrong", URL: wsURL(srv)})
	_, err := aai.Open(context.Background(), Options{SampleRate: 16000})

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestAssemblyAIUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		serve func(ctx context.Context, conn *websocket.Conn)
		want  string
	}{
		{
			name: "error message",
			serve: func(ctx context.Context, conn *websocket.Conn) {
				_ = wsjson.Write(ctx, conn, map[string]string{"error": "Invalid audio encoding"})
			},
			want: "Invalid audio encoding",
		},
		{
			name: "policy close",
			serve: func(_ context.Context, conn *websocket.Conn) {
				_ = conn.Close(websocket.StatusCode(3005), "session expired")
			},
			want: "session expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := websocket.Accept(w, r, nil)
				if err != nil {
					return
				}
				defer conn.CloseNow()
				tt.serve(r.Context(), conn)
				// Hold the connection until the client reads.
				_, _, _ = conn.Read(r.Context())
			}))
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			st, err := NewAssemblyAI(AssemblyAIConfig{APIKey: "k", URL: wsURL(srv)}).Open(ctx, Options{SampleRate: 16000})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()

			_, err = st.Recv(ctx)
			var upstream *UpstreamError
			if !errors.As(err, &upstream) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected upstream error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAssemblyAIEndpointSelectsModel(t *testing.T) {
	t.Parallel()

	aai := NewAssemblyAI(AssemblyAIConfig{APIKey: "k"})
	tests := []struct {
		lang  string
		model string
	}{
		{lang: "en", model: ""},
		{lang: "en-US", model: ""},
		{lang: "es", model: multilingualModel},
	}
	for _, tt := range tests {
		raw, err := aai.endpoint(Options{Language: tt.lang, SampleRate: 8000})
		if err != nil {
			t.Fatalf("endpoint: %v", err)
		}
		u, _ := url.Parse(raw)
		if !strings.HasPrefix(raw, DefaultStreamingURL) {
			t.Fatalf("unexpected base url %q", raw)
		}
		if got := u.Query().Get("speech_model"); got != tt.model {
			t.Errorf("language %s: expected model %q, got %q", tt.lang, tt.model, got)
		}
		if u.Query().Get("sample_rate") != "8000" {
			t.Errorf("expected sample rate in %q", raw)
		}
	}
}

func TestTurnTranscriptWithoutWords(t *testing.T) {
	t.Parallel()

	var msg aaiMessage
	if err := json.Unmarshal([]byte(`{"type":"Turn","turn_order":3,"transcript":"ok","end_of_turn":true,"turn_is_formatted":true}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tr := turnTranscript(msg)
	if !tr.Final || tr.TurnOrder != 3 || tr.AudioStartMS != 0 || tr.AudioEndMS != 0 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}
