package relay

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type testFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func (f *testFrame) Terminal() bool { return f.Type == "done" || f.Type == "error" }
func (f *testFrame) Failed() bool   { return f.Type == "error" }

func failFrame(err error) *testFrame {
	return &testFrame{Type: "error", Content: err.Error()}
}

func frames(frames ...*testFrame) Producer[*testFrame] {
	return func(ctx context.Context) iter.Seq2[*testFrame, error] {
		return func(yield func(*testFrame, error) bool) {
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

func parseFrames(t *testing.T, body string) []testFrame {
	t.Helper()
	var out []testFrame
	for _, chunk := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(chunk, "data: ")
		if !ok {
			continue
		}
		var f testFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		out = append(out, f)
	}
	return out
}

func runStream(t *testing.T, p Producer[*testFrame], opts Options) (*httptest.ResponseRecorder, State) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	state := Stream(rec, req, p, failFrame, opts)
	return rec, state
}

func TestStreamCompletes(t *testing.T) {
	t.Parallel()

	rec, state := runStream(t, frames(
		&testFrame{Type: "text", Content: "a"},
		&testFrame{Type: "text", Content: "b"},
		&testFrame{Type: "done"},
	), Options{})

	if state != Completed {
		t.Fatalf("expected completed, got %s", state)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	got := parseFrames(t, rec.Body.String())
	if len(got) != 3 || got[0].Content != "a" || got[1].Content != "b" || got[2].Type != "done" {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestStreamStopsAfterTerminal(t *testing.T) {
	t.Parallel()

	rec, state := runStream(t, frames(
		&testFrame{Type: "done"},
		&testFrame{Type: "text", Content: "late"},
	), Options{})

	if state != Completed {
		t.Fatalf("expected completed, got %s", state)
	}
	if got := parseFrames(t, rec.Body.String()); len(got) != 1 {
		t.Fatalf("expected exactly one frame, got %+v", got)
	}
}

func TestStreamConvertsSequenceError(t *testing.T) {
	t.Parallel()

	p := func(ctx context.Context) iter.Seq2[*testFrame, error] {
		return func(yield func(*testFrame, error) bool) {
			if !yield(&testFrame{Type: "text", Content: "partial"}, nil) {
				return
			}
			yield(nil, errors.New("upstream exploded"))
		}
	}
	rec, state := runStream(t, p, Options{})

	if state != Failed {
		t.Fatalf("expected failed, got %s", state)
	}
	got := parseFrames(t, rec.Body.String())
	if len(got) != 2 || got[1].Type != "error" || got[1].Content != "upstream exploded" {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestStreamSynthesizesTerminalFrame(t *testing.T) {
	t.Parallel()

	rec, state := runStream(t, frames(&testFrame{Type: "text", Content: "only"}), Options{})

	if state != Failed {
		t.Fatalf("expected failed, got %s", state)
	}
	got := parseFrames(t, rec.Body.String())
	if len(got) != 2 || got[1].Type != "error" || got[1].Content != ErrIncomplete.Error() {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestStreamWritesKeepalive(t *testing.T) {
	t.Parallel()

	p := func(ctx context.Context) iter.Seq2[*testFrame, error] {
		return func(yield func(*testFrame, error) bool) {
			select {
			case <-time.After(60 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			yield(&testFrame{Type: "done"}, nil)
		}
	}
	rec, state := runStream(t, p, Options{KeepaliveInterval: 5 * time.Millisecond})

	if state != Completed {
		t.Fatalf("expected completed, got %s", state)
	}
	if !strings.Contains(rec.Body.String(), ": ping\n\n") {
		t.Fatalf("expected keepalive comment in %q", rec.Body.String())
	}
	if got := parseFrames(t, rec.Body.String()); len(got) != 1 {
		t.Fatalf("keepalives must not be frames, got %+v", got)
	}
}

func TestStreamDisconnectCancelsProducer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var exited atomic.Bool

	p := func(pctx context.Context) iter.Seq2[*testFrame, error] {
		return func(yield func(*testFrame, error) bool) {
			defer exited.Store(true)
			if !yield(&testFrame{Type: "text", Content: "first"}, nil) {
				return
			}
			close(started)
			<-pctx.Done()
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)

	done := make(chan State, 1)
	go func() { done <- Stream(rec, req, p, failFrame, Options{}) }()

	<-started
	cancel()

	select {
	case state := <-done:
		if state != Failed {
			t.Fatalf("expected failed, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not return after disconnect")
	}
	if !exited.Load() {
		t.Fatal("producer still running after Stream returned")
	}
}
