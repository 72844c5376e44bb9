// Package observability wires tracing and metrics for the run engine.
//
// Tracing uses OpenTelemetry spans exported to a bounded in-memory sink
// the gateway can expose for debugging. Metrics are OpenTelemetry
// instruments behind a Prometheus exporter; the gateway serves the
// scrape endpoint.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig configures span collection.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	// SpanBuffer caps the in-memory span sink.
	SpanBuffer int `yaml:"span_buffer" json:"span_buffer"`
}

// SetDefaults fills unset fields.
func (c *TracerConfig) SetDefaults() {
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SpanBuffer <= 0 {
		c.SpanBuffer = 1024
	}
}

// InitGlobalTracer installs the global tracer provider. Disabled tracing
// installs a noop provider so instrumented code needs no guards.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, *SpanSink, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil, nil
	}
	cfg.SetDefaults()

	sink := NewSpanSink(cfg.SpanBuffer)
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(sink),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, sink, nil
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
