package signalbus

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/signalbus/pkg/signalbus/idgen"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/request"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/loopback"
)

// busConfig holds construction options for a Bus.
type busConfig struct {
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	journal        journal.Journal
	defaultTimeout time.Duration
	newID          idgen.Generator
	replyEvent     string
	unreliable     bool
	hub            *loopback.Hub
}

func defaultBusConfig() busConfig {
	return busConfig{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// Option configures a Bus.
type Option func(*busConfig)

// WithLogger sets the logger shared by the registry, correlator and
// transport built by FromConfig.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
//
// Example:
//
//	bus := signalbus.New(tr, signalbus.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *busConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans enables request tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(c *busConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithJournal sets the diagnostics journal. The caller keeps ownership: Close
// does not close it.
// Default: an in-memory journal of journal.DefaultCapacity entries.
func WithJournal(j journal.Journal) Option {
	return func(c *busConfig) {
		c.journal = j
	}
}

// WithDefaultTimeout sets the timeout for requests made with a zero timeout.
// Default: 10s
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		c.defaultTimeout = d
	}
}

// WithIDGenerator sets the request id source.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(c *busConfig) {
		c.newID = gen
	}
}

// WithReplyEvent sets the event responses travel under. Every peer on the
// transport must agree on it.
func WithReplyEvent(name string) Option {
	return func(c *busConfig) {
		c.replyEvent = name
	}
}

// WithUnreliableRequests sends requests best-effort. Responses stay reliable.
func WithUnreliableRequests() Option {
	return func(c *busConfig) {
		c.unreliable = true
	}
}

// WithHub attaches a loopback bus built by FromConfig to an existing hub, so
// several buses in one process can reach each other.
func WithHub(h *loopback.Hub) Option {
	return func(c *busConfig) {
		c.hub = h
	}
}

func (c busConfig) requestOptions() []request.Option {
	return []request.Option{
		request.WithLogger(c.logger),
		request.WithMetrics(c.metrics),
		request.WithSpans(c.spans),
		request.WithJournal(c.journal),
		request.WithUnreliable(c.unreliable),
		request.WithDefaultTimeout(c.defaultTimeout),
		request.WithIDGenerator(c.newID),
		request.WithReplyEvent(c.replyEvent),
	}
}
