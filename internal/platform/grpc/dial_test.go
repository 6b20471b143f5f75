package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialWithHealthSuccess(t *testing.T) {
	addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialWithHealth(ctx, nil, addr, "", time.Second, nil, DefaultClientDialOptions()...)
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close conn: %v", err)
	}
}

func TestDialWithHealthUsesDialTimeoutForHealth(t *testing.T) {
	addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := DialWithHealth(ctx, nil, addr, "", 150*time.Millisecond, nil, DefaultClientDialOptions()...)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected dial timeout to bound health check, took %v", elapsed)
	}
}

func TestDialWithHealthErrorStages(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		dialer := DialerFunc(func(string, ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
			return nil, fmt.Errorf("dial failure")
		})

		_, err := DialWithHealth(context.Background(), dialer, "unused", "", time.Second, nil)
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Fatalf("expected DialError, got %T", err)
		}
		if dialErr.Stage != DialStageConnect {
			t.Fatalf("expected stage %q, got %q", DialStageConnect, dialErr.Stage)
		}
	})

	t.Run("health", func(t *testing.T) {
		addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		defer stop()

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		_, err := DialWithHealth(ctx, nil, addr, "", time.Second, nil, DefaultClientDialOptions()...)
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Fatalf("expected DialError, got %T", err)
		}
		if dialErr.Stage != DialStageHealth {
			t.Fatalf("expected stage %q, got %q", DialStageHealth, dialErr.Stage)
		}
		if dialErr.Addr != addr {
			t.Fatalf("addr = %q, want %q", dialErr.Addr, addr)
		}
	})
}

func TestDialErrorFormatting(t *testing.T) {
	wrapped := &DialError{Addr: "inventory:8080", Stage: DialStageConnect, Err: fmt.Errorf("boom")}
	if !strings.Contains(wrapped.Error(), "gRPC connect error for inventory:8080") {
		t.Fatalf("unexpected error: %s", wrapped.Error())
	}
	if wrapped.Unwrap() == nil {
		t.Fatal("expected wrapped error")
	}

	var nilErr *DialError
	if nilErr.Error() == "" {
		t.Fatal("expected fallback error message")
	}
	if nilErr.Unwrap() != nil {
		t.Fatal("expected nil unwrap for nil error")
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	type message struct {
		Domain string `json:"domain"`
		Seq    uint64 `json:"seq"`
	}
	codec := jsonCodec{}
	if codec.Name() != CodecName {
		t.Fatalf("codec name = %q, want %q", codec.Name(), CodecName)
	}
	raw, err := codec.Marshal(message{Domain: "order", Seq: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded message
	if err := codec.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Domain != "order" || decoded.Seq != 3 {
		t.Fatalf("decoded = %+v", decoded)
	}
}
