// Package redistransport carries signalbus messages over Redis Pub/Sub.
//
// Every message is a codec.Envelope published on one of two channels:
//
//	prefix + event              broadcast to every peer
//	prefix + event + "@" + peer directed at one peer
//
// Event names must not contain "@", so the two forms never share a channel.
// Pub/Sub has no persistence: peers only receive what is published while
// they are subscribed.
package redistransport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

// DefaultPrefix namespaces channels when no prefix is configured.
const DefaultPrefix = "signalbus:"

// receiveBackoff is the pause after a failed receive before trying again.
const receiveBackoff = time.Second

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix sets the channel prefix.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
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

// WithLogger sets the logger for receive and reconnect errors.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport implements transport.Transport on Redis Pub/Sub with automatic
// reconnection.
type Transport struct {
	mu      sync.Mutex
	client  *redis.Client
	retired []*redis.Client
	options *redis.Options
	subs    map[*redis.PubSub]struct{}
	closed  bool

	peer   transport.Peer
	prefix string
	codec  codec.Codec
	retry  sberrors.RetryConfig
	logger *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for peer using the given client options.
func New(opts *redis.Options, peer transport.Peer, options ...Option) (*Transport, error) {
	if opts == nil {
		return nil, sberrors.Invalid("options", "redis options are required")
	}
	if peer.IsBroadcast() {
		return nil, sberrors.Invalid("peer", "peer name is required")
	}
	t := &Transport{
		client:  redis.NewClient(opts),
		options: opts,
		subs:    make(map[*redis.PubSub]struct{}),
		peer:    peer,
		prefix:  DefaultPrefix,
		codec:   codec.JSON{},
		retry:   sberrors.DefaultRetry,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Peer returns the identity this transport receives directed messages as.
func (t *Transport) Peer() transport.Peer { return t.peer }

// Channel returns the Pub/Sub channel for event, directed at to unless to is
// Broadcast.
func (t *Transport) Channel(event string, to transport.Peer) string {
	if to.IsBroadcast() {
		return t.prefix + event
	}
	return t.prefix + event + "@" + string(to)
}

// validateEvent applies transport.ValidateEvent and rejects "@", which
// separates the event from the peer in directed channel names.
func validateEvent(event string) error {
	if err := transport.ValidateEvent(event); err != nil {
		return err
	}
	if strings.Contains(event, "@") {
		return sberrors.Invalid("event", `must not contain "@"`)
	}
	return nil
}

// conn returns the current client.
func (t *Transport) conn() (*redis.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, sberrors.ErrTransportClosed
	}
	return t.client, nil
}

// reconnect runs after a command on failed errors. It pings outside the lock
// and replaces the client only if the ping fails too and no other caller has
// replaced it already.
func (t *Transport) reconnect(ctx context.Context, failed *redis.Client) {
	if ctx.Err() != nil {
		return
	}
	err := failed.Ping(ctx).Err()
	if err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.client != failed {
		return
	}
	observability.LogTransportError(t.logger, "reconnect", "", err)
	t.retired = append(t.retired, t.client)
	t.client = redis.NewClient(t.options)
}

// SendReliable publishes and retries transient failures. A directed send
// that reaches no subscriber fails with errors.ErrPeerUnknown.
func (t *Transport) SendReliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, t.retry)
}

// SendUnreliable publishes once.
func (t *Transport) SendUnreliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, sberrors.NoRetry)
}

func (t *Transport) send(ctx context.Context, event string, to transport.Peer, args []any, cfg sberrors.RetryConfig) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	data, err := t.codec.Marshal(codec.Envelope{Event: event, From: string(t.peer), Args: args})
	if err != nil {
		return err
	}
	channel := t.Channel(event, to)

	cfg.OnRetry = t.logRetry(event)
	err = sberrors.Retry(ctx, cfg, func(ctx context.Context) error {
		client, err := t.conn()
		if err != nil {
			return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: err}
		}
		receivers, err := client.Publish(ctx, channel, data).Result()
		if err != nil {
			t.reconnect(ctx, client)
			return transport.SendError(event, to, err)
		}
		if receivers == 0 && !to.IsBroadcast() {
			return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: sberrors.ErrPeerUnknown}
		}
		return nil
	})
	return transport.SendError(event, to, err)
}

func (t *Transport) logRetry(event string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		t.logger.Debug("send retry",
			slog.String("event", event),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
}

// OnMessage subscribes to the broadcast and directed channels for event.
// The subscription is confirmed before OnMessage returns. Broadcasts sent by
// this peer are not echoed back.
func (t *Transport) OnMessage(ctx context.Context, event string) (<-chan transport.Message, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	client, err := t.conn()
	if err != nil {
		return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: err}
	}

	channels := []string{t.Channel(event, transport.Broadcast), t.Channel(event, t.peer)}
	ps := client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			t.reconnect(ctx, client)
			return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: err}
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ps.Close()
		return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: sberrors.ErrTransportClosed}
	}
	t.subs[ps] = struct{}{}
	t.mu.Unlock()

	ch := make(chan transport.Message)
	stop := make(chan struct{})
	// A blocked receive does not observe ctx; closing the PubSub unblocks it.
	go func() {
		select {
		case <-ctx.Done():
			t.unsubscribe(ps)
		case <-stop:
		}
	}()
	go t.receive(ctx, event, ps, ch, stop)
	return ch, nil
}

func (t *Transport) receive(ctx context.Context, event string, ps *redis.PubSub, ch chan<- transport.Message, stop chan struct{}) {
	defer close(ch)
	defer close(stop)
	defer t.unsubscribe(ps)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return
			}
			observability.LogTransportError(t.logger, "receive", event, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		var env codec.Envelope
		if err := t.codec.Unmarshal([]byte(msg.Payload), &env); err != nil {
			observability.LogTransportError(t.logger, "decode", event, err)
			continue
		}
		if env.Event != event {
			continue
		}
		if env.From == string(t.peer) && msg.Channel == t.Channel(event, transport.Broadcast) {
			continue
		}

		select {
		case ch <- transport.Message{Event: env.Event, From: transport.Peer(env.From), Args: env.Args}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) unsubscribe(ps *redis.PubSub) {
	t.mu.Lock()
	_, ok := t.subs[ps]
	delete(t.subs, ps)
	t.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close ends every subscription and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for ps := range t.subs {
		_ = ps.Close()
	}
	t.subs = make(map[*redis.PubSub]struct{})

	for _, c := range t.retired {
		_ = c.Close()
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
