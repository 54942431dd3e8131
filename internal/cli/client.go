// Package cli implements the buddyfox terminal client.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buddyfox/buddyfox/internal/domain"
)

// maxFrameSize bounds one SSE line. Answers arrive in many small text frames.
const maxFrameSize = 1 << 20

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ErrStreamEnded is returned when a stream closes without a terminal frame.
var ErrStreamEnded = errors.New("stream ended without a terminal frame")

// Client talks to a running relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. timeout bounds non-streaming calls only.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Query streams one query. onEvent sees every frame in order; the terminal frame is returned.
// The session id comes from the X-Session-ID header, so callers can reuse it even when the stream fails.
func (c *Client) Query(ctx context.Context, sessionID, query string, onEvent func(*domain.StreamEvent) error) (string, *domain.StreamEvent, error) {
	body, err := json.Marshal(map[string]any{
		"query":      query,
		"session_id": sessionID,
		"stream":     true,
	})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/query", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// Streams may outlive the client timeout.
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("send query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, readAPIError(resp)
	}
	sessionID = resp.Header.Get("X-Session-ID")

	var last *domain.StreamEvent
	err = ReadSSE(resp.Body, func(data []byte) error {
		var ev domain.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if ev.SessionID != "" && sessionID == "" {
			sessionID = ev.SessionID
		}
		if onEvent != nil {
			if err := onEvent(&ev); err != nil {
				return err
			}
		}
		if ev.Terminal() {
			last = &ev
			return errStop
		}
		return nil
	})
	if err != nil {
		return sessionID, nil, err
	}
	if last == nil {
		return sessionID, nil, ErrStreamEnded
	}
	return sessionID, last, nil
}

// GetSession fetches one query session.
func (c *Client) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(ctx, http.MethodGet, "/api/session/"+url.PathEscape(id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions fetches every query session.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession deletes a query session and returns the server's message.
func (c *Client) DeleteSession(ctx context.Context, id string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/session/"+url.PathEscape(id), &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Health fetches /api/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches /api/stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

var errStop = errors.New("stop")

// ReadSSE calls fn with the payload of every data line in r.
// Comment lines, used as keepalives, and other fields are skipped.
func ReadSSE(r io.Reader, fn func(data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimPrefix(data, []byte(" "))
		if err := fn(data); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}
