package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager opens and closes the spans around requests and handlers.
// NewSpanManager traces through OpenTelemetry; NoopSpanManager{} turns tracing off.
type SpanManager interface {
	// StartRequestSpan starts a client span covering one request round trip.
	StartRequestSpan(ctx context.Context, event, requestID string) (context.Context, trace.Span)

	// StartHandleSpan starts a server span for a responder handling a request.
	StartHandleSpan(ctx context.Context, event, requestID string) (context.Context, trace.Span)

	// EndSpanWithStatus completes a span with the request outcome, recording err if set.
	EndSpanWithStatus(span trace.Span, status string, err error)

	// AddSpanEvent annotates the span carried by ctx, if it is recording.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager is the OpenTelemetry SpanManager.
type otelSpanManager struct{}

// NewSpanManager returns an OpenTelemetry SpanManager.
//
// The tracer is resolved from the global provider on every span, so the
// provider may be configured before or after this call:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func tracer() trace.Tracer {
	return otel.Tracer("signalbus")
}

// StartRequestSpan starts a span for an outgoing request.
func (m *otelSpanManager) StartRequestSpan(ctx context.Context, event, requestID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "signalbus.request "+event,
		trace.WithAttributes(
			attribute.String("signalbus.event", event),
			attribute.String("signalbus.request_id", requestID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartHandleSpan starts a span for a responder.
func (m *otelSpanManager) StartHandleSpan(ctx context.Context, event, requestID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "signalbus.handle "+event,
		trace.WithAttributes(
			attribute.String("signalbus.event", event),
			attribute.String("signalbus.request_id", requestID),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpanWithStatus completes a span.
func (m *otelSpanManager) EndSpanWithStatus(span trace.Span, status string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("signalbus.status", status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status == "resolved" || status == "ok":
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

// AddSpanEvent records name on the span in ctx.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
