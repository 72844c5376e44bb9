package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the Prometheus-backed metrics pipeline.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// InitMetrics builds the engine's instruments on a Prometheus exporter.
// Disabled metrics return an empty recorder whose methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("strand")

	runDuration, err := meter.Float64Histogram(
		"strand_run_duration_seconds",
		metric.WithDescription("Run execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	runsTotal, err := meter.Int64Counter(
		"strand_runs_total",
		metric.WithDescription("Total runs executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	runErrors, err := meter.Int64Counter(
		"strand_run_errors_total",
		metric.WithDescription("Total failed runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run errors counter: %w", err)
	}

	runTokens, err := meter.Int64Counter(
		"strand_run_tokens_total",
		metric.WithDescription("Total tokens consumed by runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run tokens counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"strand_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"strand_tool_calls_total",
		metric.WithDescription("Total tool calls dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"strand_tool_errors_total",
		metric.WithDescription("Total tool execution errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"strand_llm_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"strand_llm_tokens_input_total",
		metric.WithDescription("Total prompt tokens sent to the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"strand_llm_tokens_output_total",
		metric.WithDescription("Total completion tokens from the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"strand_llm_errors_total",
		metric.WithDescription("Total model call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return NewPrometheusMetrics(
		runDuration,
		runsTotal,
		runErrors,
		runTokens,
		toolDuration,
		toolCalls,
		toolErrors,
		llmDuration,
		llmInputTokens,
		llmOutputTokens,
		llmErrors,
	), nil
}
