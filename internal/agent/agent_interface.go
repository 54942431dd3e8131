package agent

import (
	"context"
	"errors"
	"iter"
)

// Runtime is an agent backend that answers a query as a lazy event sequence.
// Implemented by the Anthropic API runtime and the gRPC sidecar client.
type Runtime interface {
	// Stream runs one query. Cancelling ctx stops production and releases the upstream call.
	Stream(ctx context.Context, req Request) iter.Seq2[*RuntimeEvent, error]

	// Ready reports whether the backend can take queries.
	Ready(ctx context.Context) error

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases resources
	Close()
}

// Ensure runtimes implement Runtime.
var (
	_ Runtime = (*GrpcRuntime)(nil)
	_ Runtime = (*AnthropicRuntime)(nil)
	_ Runtime = UnavailableRuntime{}
)

// ErrNotConfigured is returned when no agent backend has been configured.
var ErrNotConfigured = errors.New("agent runtime not configured: set AGENT_ADDR or ANTHROPIC_API_KEY")

// UnavailableRuntime stands in when no backend is configured. Every query fails.
type UnavailableRuntime struct{}

func (UnavailableRuntime) Stream(context.Context, Request) iter.Seq2[*RuntimeEvent, error] {
	return func(yield func(*RuntimeEvent, error) bool) {
		yield(nil, &UpstreamError{Op: "agent query", Err: ErrNotConfigured})
	}
}

func (UnavailableRuntime) Ready(context.Context) error { return ErrNotConfigured }
func (UnavailableRuntime) Name() string                { return "unavailable" }
func (UnavailableRuntime) Close()                      {}
