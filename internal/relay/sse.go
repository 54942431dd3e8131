// Package relay writes lazily produced event sequences to Server-Sent Event responses.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the lifecycle phase of a relayed stream.
type State int

const (
	Idle State = iota
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frame is one event written as a single SSE data frame.
type Frame interface {
	// Terminal reports whether the frame ends the stream.
	Terminal() bool
	// Failed reports whether the frame is an error frame.
	Failed() bool
}

// Producer starts the upstream sequence. ctx is cancelled when the client goes away.
type Producer[F Frame] func(ctx context.Context) iter.Seq2[F, error]

// Options tune a relayed stream.
type Options struct {
	// KeepaliveInterval controls how often a ": ping" comment is written. Zero disables it.
	KeepaliveInterval time.Duration
	// Name labels log lines.
	Name string
}

// ErrIncomplete is passed to the fail callback when a sequence ends without a terminal frame.
var ErrIncomplete = errors.New("stream ended without a result")

type item[F Frame] struct {
	frame F
	err   error
}

// SetHeaders writes the SSE response headers.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Stream relays the sequence returned by produce to w, one frame per event.
//
// Exactly one terminal frame is written unless the client disconnects first.
// A sequence error is converted with fail and becomes the terminal frame. A
// sequence that ends without a terminal frame is closed with fail(ErrIncomplete).
// Stream does not return until the producer goroutine has exited.
func Stream[F Frame](w http.ResponseWriter, r *http.Request, produce Producer[F], fail func(error) F, opts Options) State {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return Idle
	}

	SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	items := make(chan item[F])

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(items)
		for frame, err := range produce(ctx) {
			select {
			case items <- item[F]{frame: frame, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var keepalive <-chan time.Time
	if opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(opts.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	frames := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("SSE client disconnected", "stream", opts.Name, "frames", frames)
			return Failed

		case <-keepalive:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				slog.Warn("failed to write SSE keepalive", "stream", opts.Name, "error", err)
				return Failed
			}
			flusher.Flush()

		case it, ok := <-items:
			var frame F
			switch {
			case !ok:
				frame = fail(ErrIncomplete)
			case it.err != nil:
				slog.Warn("SSE upstream failed", "stream", opts.Name, "error", it.err)
				frame = fail(it.err)
			default:
				frame = it.frame
			}

			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("failed to marshal SSE frame", "stream", opts.Name, "error", err)
				frame = fail(fmt.Errorf("marshal frame: %w", err))
				if data, err = json.Marshal(frame); err != nil {
					return Failed
				}
			}
			if err := writeData(w, data); err != nil {
				slog.Warn("failed to write SSE frame", "stream", opts.Name, "error", err)
				return Failed
			}
			flusher.Flush()
			frames++

			if !ok || frame.Terminal() {
				if !ok || frame.Failed() {
					return Failed
				}
				return Completed
			}
		}
	}
}

func writeData(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
