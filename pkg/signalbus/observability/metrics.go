package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder receives signal and request measurements.
// NewMetricsRecorder reports them through OpenTelemetry; NoopMetrics{} drops them.
type MetricsRecorder interface {
	// RecordFire records a fire of a named signal and how many listeners it reached.
	RecordFire(ctx context.Context, event string, listeners int)

	// RecordListenerError records a listener failure on a named signal.
	RecordListenerError(ctx context.Context, event string)

	// RecordRequest records a resolved request with its outcome and latency.
	RecordRequest(ctx context.Context, event, status string, duration time.Duration)

	// RecordLateResponse records a discarded response.
	RecordLateResponse(ctx context.Context)

	// RecordPending adjusts the outstanding request gauge.
	RecordPending(ctx context.Context, delta int64)
}

// otelMetrics holds the OpenTelemetry instruments.
type otelMetrics struct {
	fires          metric.Int64Counter
	listenerErrors metric.Int64Counter
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
	lateResponses  metric.Int64Counter
	pending        metric.Int64UpDownCounter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics creates the shared instruments on first use.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics registers every instrument on the global meter.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("signalbus")

	fires, err := meter.Int64Counter("signalbus.signal.fires",
		metric.WithDescription("Number of named signal fires"),
	)
	if err != nil {
		return nil, err
	}

	listenerErrors, err := meter.Int64Counter("signalbus.signal.listener_errors",
		metric.WithDescription("Number of listener failures during fires"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter("signalbus.request.count",
		metric.WithDescription("Number of completed requests by status"),
	)
	if err != nil {
		return nil, err
	}

	requestLatency, err := meter.Float64Histogram("signalbus.request.latency_ms",
		metric.WithDescription("Request latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lateResponses, err := meter.Int64Counter("signalbus.request.late_responses",
		metric.WithDescription("Responses discarded for unknown or resolved requests"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64UpDownCounter("signalbus.request.pending",
		metric.WithDescription("Outstanding requests awaiting a response"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		fires:          fires,
		listenerErrors: listenerErrors,
		requests:       requests,
		requestLatency: requestLatency,
		lateResponses:  lateResponses,
		pending:        pending,
	}, nil
}

// NewMetricsRecorder returns the OpenTelemetry recorder, or NoopMetrics{} if
// the instruments cannot be created.
//
// Instruments come from the global meter provider, so set it first:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordFire records a fire.
func (m *otelMetrics) RecordFire(ctx context.Context, event string, listeners int) {
	m.fires.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("delivered", listeners > 0),
	))
}

// RecordListenerError records a listener failure.
func (m *otelMetrics) RecordListenerError(ctx context.Context, event string) {
	m.listenerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordRequest records a completed request.
func (m *otelMetrics) RecordRequest(ctx context.Context, event, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordLateResponse records a discarded response.
func (m *otelMetrics) RecordLateResponse(ctx context.Context) {
	m.lateResponses.Add(ctx, 1)
}

// RecordPending adjusts the pending gauge.
func (m *otelMetrics) RecordPending(ctx context.Context, delta int64) {
	m.pending.Add(ctx, delta)
}
