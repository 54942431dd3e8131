package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar method names. Messages on both sides are google.protobuf.Struct.
const (
	queryMethod  = "/agent.AgentService/Query"
	healthMethod = "/agent.AgentService/Health"
)

var queryStreamDesc = &grpc.StreamDesc{
	StreamName:    "Query",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentResponse            = errors.New("agent returned error")
)

// GrpcRuntime is a client for an agent sidecar that hosts the Claude Agent SDK.
type GrpcRuntime struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcRuntime connects to the agent sidecar and waits until the channel is ready.
// Extra dial options are appended after the defaults.
func NewGrpcRuntime(cfg GrpcClientConfig, logger *slog.Logger, extra ...grpc.DialOption) (*GrpcRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, extra...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent sidecar at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent sidecar", "address", cfg.Address)

	return &GrpcRuntime{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Runtime.
func (c *GrpcRuntime) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (c *GrpcRuntime) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ready calls the sidecar health method.
func (c *GrpcRuntime) Ready(ctx context.Context) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, healthMethod, &structpb.Struct{}, resp); err != nil {
		return fmt.Errorf("health check failed: %s", status.Convert(err).Message())
	}
	if v, ok := resp.GetFields()["healthy"]; ok && !v.GetBoolValue() {
		return fmt.Errorf("agent sidecar unhealthy: %s", resp.GetFields()["status"].GetStringValue())
	}
	return nil
}

// Stream implements Runtime over the server-streaming Query method.
func (c *GrpcRuntime) Stream(ctx context.Context, req Request) iter.Seq2[*RuntimeEvent, error] {
	return func(yield func(*RuntimeEvent, error) bool) {
		msg, err := encodeQuery(req)
		if err != nil {
			yield(nil, &UpstreamError{Op: "agent query", Err: err})
			return
		}

		// Cancelling releases the stream when the consumer stops early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, queryStreamDesc, queryMethod)
		if err != nil {
			yield(nil, &UpstreamError{Op: "agent query", Err: grpcError(err)})
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, &UpstreamError{Op: "agent query", Err: grpcError(err)})
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, &UpstreamError{Op: "agent query", Err: grpcError(err)})
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Warn("agent stream error", "error", err, "session_id", req.SessionID)
				yield(nil, &UpstreamError{Op: "agent stream", Err: grpcError(err)})
				return
			}

			fields := resp.GetFields()
			kind := fields["type"].GetStringValue()
			var ev *RuntimeEvent
			switch kind {
			case "text":
				ev = &RuntimeEvent{Type: RuntimeText, Content: fields["content"].GetStringValue()}
			case "tool_start":
				ev = &RuntimeEvent{Type: RuntimeToolStart, Tool: fields["tool"].GetStringValue()}
			case "tool_end":
				ev = &RuntimeEvent{Type: RuntimeToolEnd, Tool: fields["tool"].GetStringValue()}
			case "error":
				errMsg := fields["message"].GetStringValue()
				if errMsg == "" {
					yield(nil, &UpstreamError{Op: "agent stream", Err: errAgentResponse})
					return
				}
				yield(nil, &UpstreamError{Op: "agent stream", Err: fmt.Errorf("%w: %s", errAgentResponse, errMsg)})
				return
			default:
				c.logger.Debug("ignoring agent message", "type", kind)
				continue
			}

			if !yield(ev, nil) {
				return
			}
		}
	}
}

func encodeQuery(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, map[string]any{
			"role":    string(turn.Role),
			"content": turn.Content,
		})
	}
	msg, err := structpb.NewStruct(map[string]any{
		"query":           req.Query,
		"session_id":      req.SessionID,
		"history":         history,
		"max_searches":    req.MaxSearches,
		"allowed_domains": stringsToAny(req.AllowedDomains),
		"blocked_domains": stringsToAny(req.BlockedDomains),
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return msg, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// grpcError keeps context errors intact and reduces status errors to their message.
func grpcError(err error) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return errors.New(st.Message())
}
