// Package natstransport carries signalbus messages over NATS core subjects.
//
// Subjects:
//
//	prefix.all.<event>           broadcast to every peer
//	prefix.peer.<peer>.<event>   directed at one peer
//
// Core NATS is at-most-once: a reliable send only confirms that the server
// accepted the message, not that a peer received it.
package natstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

const (
	// DefaultPrefix is the leading subject token when none is configured.
	DefaultPrefix = "signalbus"

	// DefaultFlushTimeout bounds the server round trip of a reliable send
	// whose context has no deadline.
	DefaultFlushTimeout = 2 * time.Second

	// subscriptionBuffer is the per-feed buffer between NATS and the consumer.
	subscriptionBuffer = 256
)

// Subject returns the subject event is published on, directed at to unless
// to is Broadcast.
func Subject(prefix, event string, to transport.Peer) string {
	if to.IsBroadcast() {
		return prefix + ".all." + event
	}
	return prefix + ".peer." + string(to) + "." + event
}

// validateToken rejects names NATS would treat as wildcards.
func validateToken(field, name string) error {
	if strings.ContainsAny(name, "*>") {
		return sberrors.Invalid(field, "must not contain NATS wildcards")
	}
	return nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix sets the leading subject token.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithCodec sets the envelope codec. Every peer must use the same codec.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithRetry sets the retry policy for reliable sends.
func WithRetry(cfg sberrors.RetryConfig) Option {
	return func(t *Transport) {
		t.retry = cfg
	}
}

// WithLogger sets the logger for decode and connection errors.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNATSOptions appends options to the NATS connection.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.natsOpts = append(t.natsOpts, opts...)
	}
}

// Transport implements transport.Transport on a NATS connection.
type Transport struct {
	nc *nats.Conn

	mu      sync.Mutex
	subs    map[*nats.Subscription]struct{}
	closed  bool
	closing chan struct{}

	peer     transport.Peer
	prefix   string
	codec    codec.Codec
	retry    sberrors.RetryConfig
	logger   *slog.Logger
	natsOpts []nats.Option
}

var _ transport.Transport = (*Transport)(nil)

// Connect dials url and returns a transport for peer. The connection does not
// echo this peer's own broadcasts back to it.
func Connect(url string, peer transport.Peer, options ...Option) (*Transport, error) {
	if peer.IsBroadcast() || strings.ContainsAny(string(peer), ".*> ") {
		return nil, sberrors.Invalid("peer", "peer must be a single subject token")
	}
	t := &Transport{
		subs:    make(map[*nats.Subscription]struct{}),
		closing: make(chan struct{}),
		peer:    peer,
		prefix:  DefaultPrefix,
		codec:   codec.JSON{},
		retry:   sberrors.DefaultRetry,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}

	opts := append([]nats.Option{
		nats.Name(string(peer)),
		nats.NoEcho(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				observability.LogTransportError(t.logger, "disconnect", "", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}, t.natsOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, &sberrors.TransportError{Op: "connect", Err: err}
	}
	t.nc = nc
	return t, nil
}

// Peer returns the identity this transport receives directed messages as.
func (t *Transport) Peer() transport.Peer { return t.peer }

// SendReliable publishes and waits for the server to acknowledge the flush,
// retrying transient failures.
func (t *Transport) SendReliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, true)
}

// SendUnreliable publishes without waiting for the server.
func (t *Transport) SendUnreliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, false)
}

func (t *Transport) send(ctx context.Context, event string, to transport.Peer, args []any, reliable bool) error {
	if err := transport.ValidateEvent(event); err != nil {
		return err
	}
	if err := validateToken("event", event); err != nil {
		return err
	}
	if t.isClosed() {
		return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: sberrors.ErrTransportClosed}
	}

	data, err := t.codec.Marshal(codec.Envelope{Event: event, From: string(t.peer), Args: args})
	if err != nil {
		return err
	}
	subject := Subject(t.prefix, event, to)

	cfg := sberrors.NoRetry
	if reliable {
		cfg = t.retry
	}
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		t.logger.Debug("send retry",
			slog.String("subject", subject),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	err = sberrors.Retry(ctx, cfg, func(ctx context.Context) error {
		if err := t.nc.Publish(subject, data); err != nil {
			return t.sendError(event, to, err)
		}
		if !reliable {
			return nil
		}
		if err := t.flush(ctx); err != nil {
			return t.sendError(event, to, err)
		}
		return nil
	})
	return transport.SendError(event, to, err)
}

func (t *Transport) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return t.nc.FlushWithContext(ctx)
	}
	return t.nc.FlushTimeout(DefaultFlushTimeout)
}

func (t *Transport) sendError(event string, to transport.Peer, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		err = fmt.Errorf("%w: %v", sberrors.ErrTransportClosed, err)
	case errors.Is(err, nats.ErrConnectionReconnecting):
		err = sberrors.MarkTransient(err)
	}
	return transport.SendError(event, to, err)
}

// OnMessage subscribes to the broadcast and directed subjects for event.
func (t *Transport) OnMessage(ctx context.Context, event string) (<-chan transport.Message, error) {
	if err := transport.ValidateEvent(event); err != nil {
		return nil, err
	}
	if err := validateToken("event", event); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: sberrors.ErrTransportClosed}
	}
	t.mu.Unlock()

	raw := make(chan *nats.Msg, subscriptionBuffer)
	var subs []*nats.Subscription
	for _, subject := range []string{Subject(t.prefix, event, transport.Broadcast), Subject(t.prefix, event, t.peer)} {
		sub, err := t.nc.ChanSubscribe(subject, raw)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: err}
		}
		subs = append(subs, sub)
	}
	// Make sure the server registered the interest before returning.
	if err := t.nc.FlushTimeout(DefaultFlushTimeout); err != nil {
		observability.LogTransportError(t.logger, "subscribe", event, err)
	}

	t.mu.Lock()
	for _, s := range subs {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	ch := make(chan transport.Message)
	go t.receive(ctx, event, subs, raw, ch)
	return ch, nil
}

func (t *Transport) receive(ctx context.Context, event string, subs []*nats.Subscription, raw <-chan *nats.Msg, ch chan<- transport.Message) {
	defer close(ch)
	defer t.unsubscribe(subs)

	for {
		var m *nats.Msg
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		case m = <-raw:
		}

		var env codec.Envelope
		if err := t.codec.Unmarshal(m.Data, &env); err != nil {
			observability.LogTransportError(t.logger, "decode", event, err)
			continue
		}

		select {
		case ch <- transport.Message{Event: env.Event, From: transport.Peer(env.From), Args: env.Args}:
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		}
	}
}

func (t *Transport) unsubscribe(subs []*nats.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range subs {
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			_ = s.Unsubscribe()
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close flushes pending publishes, closes the connection and ends every feed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	if err := t.nc.FlushTimeout(DefaultFlushTimeout); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		observability.LogTransportError(t.logger, "close", "", err)
	}
	t.nc.Close()
	return nil
}
