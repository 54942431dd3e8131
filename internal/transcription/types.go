// Package transcription relays webcast audio to a realtime speech-to-text
// service and streams the transcript back over SSE.
package transcription

import (
	"context"
	"errors"
	"fmt"
)

// Options configure one upstream transcription stream.
type Options struct {
	Language   string
	SampleRate int
}

// Transcript is one turn update received from the upstream service.
type Transcript struct {
	Text         string
	Final        bool
	TurnOrder    int
	AudioStartMS int64
	AudioEndMS   int64
}

// Stream is an open realtime transcription session.
//
// SendAudio and Terminate may be called concurrently with Recv. Recv returns
// io.EOF once the upstream has acknowledged termination.
type Stream interface {
	SendAudio(ctx context.Context, chunk []byte) error
	Recv(ctx context.Context) (*Transcript, error)
	Terminate(ctx context.Context) error
	Close() error
}

// Transcriber opens realtime transcription streams.
type Transcriber interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}

var (
	// ErrNotConfigured is returned when no transcription backend is available.
	ErrNotConfigured = errors.New("transcription service is not configured")
	// ErrInactive is returned for audio sent to a session that is not streaming.
	ErrInactive = errors.New("transcription session is not active")
	// ErrAudioLimit is returned once a session exceeds its audio duration cap.
	ErrAudioLimit = errors.New("maximum audio duration reached")
)

// UpstreamError wraps a failure of the transcription service.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
