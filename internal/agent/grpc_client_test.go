package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/buddyfox/buddyfox/internal/domain"
)

// sidecarFunc handles every method of the fake sidecar.
type sidecarFunc func(method string, stream grpc.ServerStream) error

func startSidecar(t *testing.T, handle sidecarFunc) *GrpcRuntime {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		return handle(method, stream)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	rt, err := NewGrpcRuntime(GrpcClientConfig{Address: "passthrough:///bufnet", ConnectTimeout: 2 * time.Second}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewGrpcRuntime failed: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func sendAll(stream grpc.ServerStream, msgs ...map[string]any) error {
	for _, m := range msgs {
		s, err := structpb.NewStruct(m)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(s); err != nil {
			return err
		}
	}
	return nil
}

func TestGrpcRuntimeStreamsEvents(t *testing.T) {
	t.Parallel()

	got := make(chan *structpb.Struct, 1)
	rt := startSidecar(t, func(method string, stream grpc.ServerStream) error {
		if method != queryMethod {
			return status.Errorf(codes.Unimplemented, "unexpected %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		got <- req
		return sendAll(stream,
			map[string]any{"type": "tool_start", "tool": "WebSearch"},
			map[string]any{"type": "tool_end", "tool": "WebSearch"},
			map[string]any{"type": "heartbeat"},
			map[string]any{"type": "text", "content": "answer"},
		)
	})

	events, err := collect(t, rt, Request{
		Query:       "q",
		SessionID:   "s1",
		MaxSearches: 4,
		History:     []domain.Turn{{Role: domain.RoleUser, Content: "earlier"}},
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].Type != RuntimeToolStart || events[0].Tool != "WebSearch" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[2].Type != RuntimeText || events[2].Content != "answer" {
		t.Fatalf("unexpected last event: %+v", events[2])
	}

	req := <-got
	fields := req.GetFields()
	if fields["query"].GetStringValue() != "q" || fields["session_id"].GetStringValue() != "s1" {
		t.Fatalf("unexpected request: %v", req)
	}
	if fields["max_searches"].GetNumberValue() != 4 {
		t.Fatalf("unexpected max_searches: %v", fields["max_searches"])
	}
	if n := len(fields["history"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("expected 1 history turn, got %d", n)
	}
}

func TestGrpcRuntimeErrorMessage(t *testing.T) {
	t.Parallel()

	rt := startSidecar(t, func(_ string, stream grpc.ServerStream) error {
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		return sendAll(stream,
			map[string]any{"type": "text", "content": "partial"},
			map[string]any{"type": "error", "message": "rate limited"},
		)
	})

	events, err := collect(t, rt, Request{Query: "q"})
	if len(events) != 1 {
		t.Fatalf("expected the text before the error, got %+v", events)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected upstream error with message, got %v", err)
	}
}

func TestGrpcRuntimeStatusError(t *testing.T) {
	t.Parallel()

	rt := startSidecar(t, func(_ string, stream grpc.ServerStream) error {
		return status.Error(codes.Unavailable, "sdk session crashed")
	})

	_, err := collect(t, rt, Request{Query: "q"})
	if err == nil || !strings.Contains(err.Error(), "sdk session crashed") {
		t.Fatalf("expected status message, got %v", err)
	}
}

func TestGrpcRuntimeCancelStopsStream(t *testing.T) {
	t.Parallel()

	serverDone := make(chan struct{})
	rt := startSidecar(t, func(_ string, stream grpc.ServerStream) error {
		defer close(serverDone)
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		if err := sendAll(stream, map[string]any{"type": "text", "content": "first"}); err != nil {
			return err
		}
		<-stream.Context().Done()
		return stream.Context().Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	for ev, err := range rt.Stream(ctx, Request{Query: "q"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Content == "first" {
			cancel()
			break
		}
	}
	cancel()

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler still running after client cancel")
	}
}

func TestGrpcRuntimeReady(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	rt := startSidecar(t, func(method string, stream grpc.ServerStream) error {
		if method != healthMethod {
			return status.Errorf(codes.Unimplemented, "unexpected %s", method)
		}
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		return sendAll(stream, map[string]any{"healthy": healthy.Load(), "status": "draining"})
	})

	if err := rt.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	healthy.Store(false)
	if err := rt.Ready(context.Background()); err == nil || !strings.Contains(err.Error(), "draining") {
		t.Fatalf("expected unhealthy error, got %v", err)
	}
}
