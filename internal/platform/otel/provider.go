// Package otel wires OpenTelemetry tracing for evented processes.
package otel

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// EnvEndpoint names the OTLP HTTP endpoint variable.
	EnvEndpoint = "EVENTED_OTEL_ENDPOINT"
	// EnvEnabled names the kill-switch variable ("false" disables tracing).
	EnvEnabled = "EVENTED_OTEL_ENABLED"
	// EnvSampleRatio names the parent-based sampling ratio variable.
	EnvSampleRatio = "EVENTED_OTEL_SAMPLE_RATIO"
)

const instrumentationName = "github.com/louisbranch/evented"

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when EVENTED_OTEL_ENDPOINT is empty or
// EVENTED_OTEL_ENABLED is "false", Setup returns a no-op shutdown function and
// no global provider is registered.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return noop, nil
	}

	endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint))
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(os.Getenv(EnvSampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the process tracer. Before Setup registers a provider it is
// the global no-op tracer, so instrumented code never needs a nil check.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func sampler(raw string) sdktrace.Sampler {
	ratio, ok := parseRatio(raw)
	if !ok {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
