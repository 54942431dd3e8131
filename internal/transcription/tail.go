package transcription

import (
	"strings"
	"sync"
)

const defaultTailSize = 4 * 1024

// Tail keeps the most recent bytes of a transcript in a fixed-size ring.
type Tail struct {
	buf  []byte
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.RWMutex
}

// NewTail creates a ring of the given size. Non-positive sizes use 4KB.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &Tail{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. Oldest bytes are overwritten once the ring is full.
func (t *Tail) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range p {
		if t.full {
			t.tail = (t.tail + 1) % t.size
		}
		t.buf[t.head] = b
		t.head = (t.head + 1) % t.size
		if t.head == t.tail {
			t.full = true
		}
	}
	return len(p), nil
}

// Append adds a finished turn, separated from the previous one by a space.
func (t *Tail) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if t.Len() > 0 {
		text = " " + text
	}
	_, _ = t.Write([]byte(text))
}

// String returns the ring contents in write order. A rune split by
// wrap-around is dropped.
func (t *Tail) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s string
	switch {
	case !t.full && t.head == t.tail:
		return ""
	case t.full && t.head == t.tail:
		s = string(t.buf[t.head:]) + string(t.buf[:t.head])
	case t.head > t.tail:
		s = string(t.buf[t.tail:t.head])
	default:
		s = string(t.buf[t.tail:]) + string(t.buf[:t.head])
	}
	return strings.TrimLeft(strings.ToValidUTF8(s, ""), " ")
}

// Len returns the number of bytes held.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case !t.full && t.head == t.tail:
		return 0
	case t.full:
		return t.size
	case t.head > t.tail:
		return t.head - t.tail
	default:
		return (t.size - t.tail) + t.head
	}
}

// Reset clears the ring.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.head = 0
	t.tail = 0
	t.full = false
}
