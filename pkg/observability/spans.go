package observability

import (
	"context"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is the flattened view of a finished span kept for
// inspection.
type SpanRecord struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	DurationMS int64             `json:"duration_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Status     string            `json:"status"`
}

// SpanSink is an in-memory span exporter with a bounded ring buffer.
// The oldest spans are dropped when the buffer is full.
type SpanSink struct {
	mu      sync.RWMutex
	records []SpanRecord
	next    int
	full    bool
}

var _ sdktrace.SpanExporter = (*SpanSink)(nil)

// NewSpanSink creates a sink holding at most capacity spans.
func NewSpanSink(capacity int) *SpanSink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &SpanSink{records: make([]SpanRecord, capacity)}
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SpanSink) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, span := range spans {
		s.records[s.next] = flatten(span)
		s.next++
		if s.next == len(s.records) {
			s.next = 0
			s.full = true
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (s *SpanSink) Shutdown(ctx context.Context) error { return nil }

// Recent returns up to limit spans, newest first.
func (s *SpanSink) Recent(limit int) []SpanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]SpanRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.records)) % len(s.records)
		out = append(out, s.records[idx])
	}
	return out
}

func flatten(span sdktrace.ReadOnlySpan) SpanRecord {
	sc := span.SpanContext()
	rec := SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       span.Name(),
		StartTime:  span.StartTime(),
		DurationMS: span.EndTime().Sub(span.StartTime()).Milliseconds(),
		Status:     span.Status().Code.String(),
	}
	if parent := span.Parent(); parent.IsValid() {
		rec.ParentID = parent.SpanID().String()
	}
	if attrs := span.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}
	return rec
}
