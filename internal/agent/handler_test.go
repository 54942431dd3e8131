package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buddyfox/buddyfox/internal/domain"
)

func newTestRouter(rt Runtime) (http.Handler, *Service) {
	svc, _ := newTestService(rt, 10, nil)
	h := NewHandler(svc, HandlerConfig{KeepaliveInterval: time.Minute})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, svc
}

func parseSSE(t *testing.T, body string) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev domain.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out
}

func postQuery(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQueryHelloScenario(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(newFakeRuntime(text("Hi!"), text(" How can I help?")))
	w := postQuery(router, `{"query":"hello","stream":true}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	sessionID := w.Header().Get("X-Session-ID")
	if sessionID == "" {
		t.Fatal("expected X-Session-ID header")
	}

	frames := parseSSE(t, w.Body.String())
	if len(frames) == 0 || frames[0].Type != domain.EventText {
		t.Fatalf("first frame must be text, got %+v", frames)
	}
	last := frames[len(frames)-1]
	if last.Type != domain.EventComplete || last.SessionStats == nil || last.SessionStats.MessageCount != 1 {
		t.Fatalf("last frame must be complete with message_count 1, got %+v", last)
	}
	if last.SessionStats.SessionID != sessionID {
		t.Fatalf("stats for %q, header says %q", last.SessionStats.SessionID, sessionID)
	}
	for _, f := range frames {
		if f.Type == domain.EventTool {
			t.Fatalf("unexpected tool frame %+v", f)
		}
	}
}

func TestHandleQueryExactlyOneTerminalFrame(t *testing.T) {
	t.Parallel()

	failing := newFakeRuntime(text("partial"))
	failing.err = &UpstreamError{Op: "agent stream", Err: context.DeadlineExceeded}

	tests := []struct {
		name string
		rt   Runtime
		want domain.EventType
	}{
		{name: "success", rt: newFakeRuntime(toolStart("WebSearch"), toolEnd("WebSearch"), text("ok")), want: domain.EventComplete},
		{name: "upstream failure", rt: failing, want: domain.EventError},
		{name: "no runtime", rt: UnavailableRuntime{}, want: domain.EventError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(tt.rt)
			frames := parseSSE(t, postQuery(router, `{"query":"q"}`).Body.String())

			terminals := 0
			for _, f := range frames {
				if f.Type == domain.EventComplete || f.Type == domain.EventError {
					terminals++
				}
			}
			if terminals != 1 {
				t.Fatalf("expected exactly one terminal frame, got %d in %+v", terminals, frames)
			}
			if frames[len(frames)-1].Type != tt.want {
				t.Fatalf("expected %s last, got %+v", tt.want, frames[len(frames)-1])
			}
		})
	}
}

func TestHandleQueryRejectsBadRequests(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(newFakeRuntime(text("x")))
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"query":`, want: http.StatusBadRequest},
		{name: "missing query", body: `{}`, want: http.StatusBadRequest},
		{name: "bad session id", body: `{"query":"q","session_id":"../etc"}`, want: http.StatusBadRequest},
		{name: "too long", body: `{"query":"` + strings.Repeat("a", MaxQueryLength+1) + `"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postQuery(router, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected JSON error body, got %v", err)
			}
		})
	}
}

func TestHandleQueryNonStreaming(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(newFakeRuntime(text("plain answer")))
	w := postQuery(router, `{"query":"q","session_id":"json-1","stream":false}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp QueryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response != "plain answer" || resp.SessionID != "json-1" || resp.SessionStats.MessageCount != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleQueryNonStreamingErrors(t *testing.T) {
	t.Parallel()

	failing := newFakeRuntime()
	failing.err = errors.New("rpc error: code = Unavailable desc = dial tcp 10.0.0.5:50051: connection refused")
	router, svc := newTestRouter(failing)

	w := postQuery(router, `{"query":"q","session_id":"json-2","stream":false}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); strings.Contains(body, "10.0.0.5") || !strings.Contains(body, "Agent query failed") {
		t.Fatalf("upstream detail exposed in body: %s", body)
	}

	if _, err := svc.Sessions().Upsert("full", domain.Delta{WebSearches: 10}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	w = postQuery(router, `{"query":"q","session_id":"full","stream":false}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Maximum web searches (10) exceeded") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestHandleQueryDisconnectCancelsUpstream(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(text("thinking"))
	rt.block = true
	router, svc := newTestRouter(rt)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/query", strings.NewReader(`{"query":"slow","session_id":"dc-1"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("expected first frame, got %q %v", line, err)
	}
	cancel()

	select {
	case <-rt.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not cancelled after disconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.Sessions().Stats().ActiveSessions != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session gate still held after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
