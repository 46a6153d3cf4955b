package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordFire does nothing.
func (NoopMetrics) RecordFire(_ context.Context, _ string, _ int) {}

// RecordListenerError does nothing.
func (NoopMetrics) RecordListenerError(_ context.Context, _ string) {}

// RecordRequest does nothing.
func (NoopMetrics) RecordRequest(_ context.Context, _, _ string, _ time.Duration) {}

// RecordLateResponse does nothing.
func (NoopMetrics) RecordLateResponse(_ context.Context) {}

// RecordPending does nothing.
func (NoopMetrics) RecordPending(_ context.Context, _ int64) {}

// NoopSpanManager never starts a recording span.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartRequestSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRequestSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandleSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartHandleSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithStatus does nothing.
func (NoopSpanManager) EndSpanWithStatus(_ trace.Span, _ string, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
