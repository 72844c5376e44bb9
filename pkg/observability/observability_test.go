package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDisabledIsNoop(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Initialize(context.Background()))

	tracer := m.GetTracer("test")
	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	assert.Nil(t, m.Spans())
	assert.NotNil(t, m.GetMetrics())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestGlobalMetricsRoundTrip(t *testing.T) {
	prev := GetGlobalMetrics()
	defer SetGlobalMetrics(prev)

	m := &PrometheusMetrics{}
	SetGlobalMetrics(m)
	assert.Equal(t, Metrics(m), GetGlobalMetrics())

	// Uninitialized instruments must not panic.
	m.RecordToolExecution(context.Background(), "exec_command", time.Second, nil)
	m.RecordLLMCall(context.Background(), "gpt-4o", time.Second, 10, 5, nil)
	m.RecordRunExecution(context.Background(), time.Second, 15, nil)
}

func TestSpanSinkRingBuffer(t *testing.T) {
	sink := NewSpanSink(4)
	assert.Empty(t, sink.Recent(10))

	// Fill past capacity through the exporter path with synthetic
	// records.
	for i := 0; i < 6; i++ {
		sink.mu.Lock()
		sink.records[sink.next] = SpanRecord{Name: string(rune('a' + i))}
		sink.next++
		if sink.next == len(sink.records) {
			sink.next = 0
			sink.full = true
		}
		sink.mu.Unlock()
	}

	recent := sink.Recent(10)
	require.Len(t, recent, 4)
	assert.Equal(t, "f", recent[0].Name)
	assert.Equal(t, "c", recent[3].Name)
}

func TestTracerConfigDefaults(t *testing.T) {
	var cfg TracerConfig
	cfg.SetDefaults()
	assert.Equal(t, 1.0, cfg.SamplingRate)
	assert.Equal(t, DefaultServiceName, cfg.ServiceName)
	assert.Equal(t, 1024, cfg.SpanBuffer)
}
