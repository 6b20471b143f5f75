package otel_test

import (
	"context"
	"testing"

	"github.com/louisbranch/evented/internal/platform/otel"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv(otel.EnvEndpoint, "")
	t.Setenv(otel.EnvEnabled, "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv(otel.EnvEndpoint, "http://localhost:4318")
	t.Setenv(otel.EnvEnabled, "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	t.Setenv(otel.EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(otel.EnvEnabled, "")
	t.Setenv(otel.EnvSampleRatio, "0.5")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestTracerIsUsableWithoutSetup(t *testing.T) {
	_, span := otel.Tracer().Start(context.Background(), "noop")
	span.End()
}
