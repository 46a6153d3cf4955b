// Package observability provides structured logging, metrics and tracing
// for signalbus.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds request context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "echo", "3f1c...")
//	enriched.Info("sent") // includes event and request_id
func EnrichLogger(logger *slog.Logger, event, requestID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event", event),
		slog.String("request_id", requestID),
	)
}

// LogRequestStart logs an outgoing request.
func LogRequestStart(logger *slog.Logger, event, requestID string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("request sent",
		slog.String("event", event),
		slog.String("request_id", requestID),
		slog.Duration("timeout", timeout),
	)
}

// LogRequestResolved logs a request answered by its responder.
func LogRequestResolved(logger *slog.Logger, event, requestID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("request resolved",
		slog.String("event", event),
		slog.String("request_id", requestID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRequestTimeout logs a request whose deadline elapsed first.
func LogRequestTimeout(logger *slog.Logger, event, requestID string, timeout time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("request timed out",
		slog.String("event", event),
		slog.String("request_id", requestID),
		slog.Duration("timeout", timeout),
	)
}

// LogRequestCancelled logs a request abandoned through its context.
func LogRequestCancelled(logger *slog.Logger, event, requestID string, cause error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("event", event),
		slog.String("request_id", requestID),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	logger.Info("request cancelled", attrs...)
}

// LogLateResponse traces a response for an unknown or already resolved
// request. Kept at debug: late replies are expected after timeouts.
func LogLateResponse(logger *slog.Logger, requestID string, from string) {
	if logger == nil {
		return
	}
	logger.Debug("response discarded",
		slog.String("request_id", requestID),
		slog.String("from", from),
	)
}

// LogListenerFailure logs a listener that failed during a fire.
func LogListenerFailure(logger *slog.Logger, signal string, err error) {
	if logger == nil {
		return
	}
	logger.Error("signal listener failed",
		slog.String("signal", signal),
		slog.String("error", err.Error()),
	)
}

// LogTransportError logs a non-fatal transport failure (receive loop, reconnect).
func LogTransportError(logger *slog.Logger, op string, event string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("transport error",
		slog.String("operation", op),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield Info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
