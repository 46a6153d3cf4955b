// Package socketio carries signalbus messages over a socket.io client
// connection.
//
// A socket.io client talks to exactly one remote peer, the server, exposed as
// ServerPeer. Events are emitted with their arguments as-is; the socket.io
// wire format is the codec.
package socketio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

const (
	// ServerPeer identifies the socket.io server on inbound messages and as a
	// send target.
	ServerPeer transport.Peer = "server"

	// DefaultDialTimeout bounds the connect handshake when ctx has no deadline.
	DefaultDialTimeout = 15 * time.Second

	// DefaultBufferSize is the per-feed buffer. Messages arriving at a full
	// feed are dropped.
	DefaultBufferSize = 256
)

// Config describes the server to dial.
type Config struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	BufferSize         int
	Logger             *slog.Logger
}

// Transport implements transport.Transport on a connected socket.io client.
type Transport struct {
	io     *socket.Socket
	router *router
	logger *slog.Logger

	mu        sync.Mutex
	listening map[string]bool
	closed    bool
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects to the server and waits for the handshake.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("transport", "socketio"), slog.String("url", cfg.URL))

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, sberrors.Invalid("url", err.Error())
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, sberrors.Invalid("url", "scheme and host are required")
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	base := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	manager := socket.NewManager(base, opts)
	io := manager.Socket(cfg.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		select {
		case connected <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})

	io.Connect()

	timeout := time.NewTimer(DefaultDialTimeout)
	defer timeout.Stop()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, &sberrors.TransportError{Op: "connect", Err: err}
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, &sberrors.TransportError{Op: "connect", Err: ctx.Err()}
	case <-timeout.C:
		io.Disconnect()
		return nil, &sberrors.TransportError{Op: "connect", Err: fmt.Errorf("no handshake after %s", DefaultDialTimeout)}
	}

	logger.Info("socket.io connected", slog.Any("sid", io.Id()))
	return &Transport{
		io:        io,
		router:    newRouter(cfg.BufferSize, logger),
		logger:    logger,
		listening: make(map[string]bool),
	}, nil
}

// SendReliable emits event to the server. The socket.io client buffers
// emits made while reconnecting.
func (t *Transport) SendReliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, true)
}

// SendUnreliable emits event only while connected.
func (t *Transport) SendUnreliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return t.send(ctx, event, to, args, false)
}

func (t *Transport) send(ctx context.Context, event string, to transport.Peer, args []any, reliable bool) error {
	if err := transport.ValidateEvent(event); err != nil {
		return err
	}
	if !to.IsBroadcast() && to != ServerPeer {
		return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: sberrors.ErrPeerUnknown}
	}
	if err := ctx.Err(); err != nil {
		return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: err}
	}
	if t.isClosed() {
		return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: sberrors.ErrTransportClosed}
	}
	if !reliable && !t.io.Connected() {
		return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: sberrors.ErrNotConnected}
	}
	t.io.Emit(event, args...)
	return nil
}

// OnMessage returns a feed of event emitted by the server.
func (t *Transport) OnMessage(ctx context.Context, event string) (<-chan transport.Message, error) {
	if err := transport.ValidateEvent(event); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: sberrors.ErrTransportClosed}
	}
	if !t.listening[event] {
		t.listening[event] = true
		t.io.On(types.EventName(event), func(args ...any) {
			t.router.dispatch(event, args)
		})
	}
	t.mu.Unlock()

	return t.router.subscribe(ctx, event), nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close disconnects from the server and ends every feed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.io.Disconnect()
	t.router.close()
	return nil
}

var errFeedFull = errors.New("feed full, message dropped")

// router fans inbound events out to OnMessage feeds. socket.io listeners
// are registered once per event and never removed; feeds come and go here.
type router struct {
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	feeds  map[string]map[chan transport.Message]struct{}
	closed bool
}

func newRouter(buffer int, logger *slog.Logger) *router {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &router{
		buffer: buffer,
		logger: logger,
		feeds:  make(map[string]map[chan transport.Message]struct{}),
	}
}

func (r *router) subscribe(ctx context.Context, event string) <-chan transport.Message {
	ch := make(chan transport.Message, r.buffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	if r.feeds[event] == nil {
		r.feeds[event] = make(map[chan transport.Message]struct{})
	}
	r.feeds[event][ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(event, ch)
	}()
	return ch
}

func (r *router) unsubscribe(event string, ch chan transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.feeds[event][ch]; ok {
		delete(r.feeds[event], ch)
		close(ch)
	}
}

// dispatch delivers args to every feed for event without blocking the
// socket.io event loop. Acknowledgement callbacks are stripped.
func (r *router) dispatch(event string, args []any) {
	payload := make(transport.Args, 0, len(args))
	for _, a := range args {
		switch a.(type) {
		case func(...any), func([]any, error):
			continue
		}
		payload = append(payload, a)
	}
	msg := transport.Message{Event: event, From: ServerPeer, Args: payload}

	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.feeds[event] {
		select {
		case ch <- msg:
		default:
			observability.LogTransportError(r.logger, "receive", event, errFeedFull)
		}
	}
}

func (r *router) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, feeds := range r.feeds {
		for ch := range feeds {
			close(ch)
		}
	}
	r.feeds = make(map[string]map[chan transport.Message]struct{})
}
