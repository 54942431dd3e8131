package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPumpQueue  = 32
	pumpCloseTimeout  = 5 * time.Second
	slowSinkThreshold = 250 * time.Millisecond
)

// errPumpClosed is returned by Write after Close.
var errPumpClosed = errors.New("audio pump closed")

// AudioSink receives audio chunks in order.
type AudioSink func(ctx context.Context, chunk []byte) error

// AudioPump decouples the socket read loop from the upstream writer.
// Write copies the chunk onto a bounded queue and blocks while the queue is
// full; chunks are never dropped. The first sink error stops the pump and is
// returned by every later Write.
type AudioPump struct {
	sink      AudioSink
	queue     chan []byte
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// sendMu keeps Close from closing the queue under a blocked Write.
	sendMu sync.RWMutex
	closed bool

	mu   sync.Mutex
	err  error
	sent int
}

// NewAudioPump starts a pump that forwards to sink until ctx ends or Close is called.
func NewAudioPump(ctx context.Context, sessionID string, sink AudioSink, queueSize int) *AudioPump {
	if queueSize <= 0 {
		queueSize = defaultPumpQueue
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &AudioPump{
		sink:      sink,
		queue:     make(chan []byte, queueSize),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Write implements io.Writer.
func (p *AudioPump) Write(b []byte) (int, error) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return 0, errPumpClosed
	}
	if err := p.Err(); err != nil {
		return 0, err
	}

	data := make([]byte, len(b))
	copy(data, b)

	select {
	case p.queue <- data:
		return len(b), nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return 0, err
		}
		return 0, errPumpClosed
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	}
}

func (p *AudioPump) run() {
	defer close(p.done)

	for {
		select {
		case <-p.ctx.Done():
			return
		case data, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			if err := p.sink(p.ctx, data); err != nil {
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
				slog.Debug("Audio pump stopped", "session_id", p.sessionID, "error", err)
				return
			}
			if d := time.Since(start); d > slowSinkThreshold {
				slog.Warn("Slow audio upstream", "session_id", p.sessionID, "duration_ms", d.Milliseconds())
			}
			p.mu.Lock()
			p.sent++
			p.mu.Unlock()
		}
	}
}

// Close flushes queued chunks to the sink and stops the pump. It is idempotent.
func (p *AudioPump) Close() error {
	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return p.Err()
	}
	p.closed = true
	close(p.queue)
	p.sendMu.Unlock()

	select {
	case <-p.done:
	case <-time.After(pumpCloseTimeout):
		slog.Warn("Audio pump flush timeout", "session_id", p.sessionID, "queue_remaining", len(p.queue))
	}
	p.cancel()
	return p.Err()
}

// Err returns the sink error that stopped the pump, if any.
func (p *AudioPump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns pump statistics.
func (p *AudioPump) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"session_id":     p.sessionID,
		"queue_len":      len(p.queue),
		"queue_capacity": cap(p.queue),
		"chunks_sent":    p.sent,
	}
}
