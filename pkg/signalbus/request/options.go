package request

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/signalbus/pkg/signalbus/idgen"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
)

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout sets the timeout applied when Request gets zero.
// Non-positive values are ignored.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithIDGenerator sets the request id source.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(c *Correlator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithReplyEvent sets the event responses travel under. Both sides of a
// conversation must agree on it.
func WithReplyEvent(name string) Option {
	return func(c *Correlator) {
		if name != "" {
			c.replyEvent = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables request metrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Correlator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans enables request and handler spans.
func WithSpans(s observability.SpanManager) Option {
	return func(c *Correlator) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithJournal records discarded responses and handler failures.
func WithJournal(j journal.Journal) Option {
	return func(c *Correlator) {
		c.journal = j
	}
}

// WithUnreliable sends requests with SendUnreliable. Responses always use
// reliable delivery.
func WithUnreliable(enabled bool) Option {
	return func(c *Correlator) {
		c.unreliable = enabled
	}
}
