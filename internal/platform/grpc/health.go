package grpc

import (
	"context"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthPollStart = 50 * time.Millisecond
	healthPollMax   = time.Second
	healthCallLimit = time.Second
)

// WaitForHealth blocks until the gRPC health check reports SERVING or the
// context ends. Polling doubles from 50ms up to one second.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	wait := healthPollStart
	for {
		callCtx, cancel := context.WithTimeout(ctx, healthCallLimit)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("gRPC health %s is SERVING", conn.Target())
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health %s: %v", conn.Target(), err)
			} else {
				logf("waiting for gRPC health %s: status %s", conn.Target(), response.GetStatus().String())
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-timer.C:
		}

		if wait < healthPollMax {
			wait *= 2
			if wait > healthPollMax {
				wait = healthPollMax
			}
		}
	}
}

// RegisterHealth installs a health server on srv and marks the overall server
// and each named service as SERVING.
func RegisterHealth(srv *gogrpc.Server, services ...string) *health.Server {
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return healthServer
}
