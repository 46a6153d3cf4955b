package loopback

import (
	"context"
	"log/slog"
	"sync"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

// Endpoint is one peer attached to a Hub. It implements transport.Transport.
type Endpoint struct {
	hub  *Hub
	peer transport.Peer

	mu      sync.Mutex
	subs    map[string]map[*subscription]struct{}
	closed  bool
	closing chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

// Peer returns the endpoint's identity.
func (e *Endpoint) Peer() transport.Peer {
	return e.peer
}

// SendReliable implements transport.Transport. It blocks while a receiving
// subscription's buffer is full.
func (e *Endpoint) SendReliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return e.send(ctx, event, to, args, true)
}

// SendUnreliable implements transport.Transport. Deliveries to full
// buffers are dropped.
func (e *Endpoint) SendUnreliable(ctx context.Context, event string, to transport.Peer, args ...any) error {
	return e.send(ctx, event, to, args, false)
}

func (e *Endpoint) send(ctx context.Context, event string, to transport.Peer, args []any, reliable bool) error {
	if err := transport.ValidateEvent(event); err != nil {
		return err
	}
	if e.isClosed() {
		return transport.SendError(event, to, sberrors.ErrTransportClosed)
	}

	payload, err := e.hub.encode(args)
	if err != nil {
		return err
	}

	targets, err := e.hub.targets(e.peer, to)
	if err != nil {
		return transport.SendError(event, to, err)
	}

	msg := transport.Message{Event: event, From: e.peer, Args: payload}
	for _, target := range targets {
		if err := target.deliver(ctx, msg, reliable); err != nil {
			return transport.SendError(event, to, err)
		}
	}
	return nil
}

// deliver hands msg to every subscription for msg.Event.
func (e *Endpoint) deliver(ctx context.Context, msg transport.Message, reliable bool) error {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs[msg.Event]))
	for s := range e.subs[msg.Event] {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		delivered, err := s.deliver(ctx, msg, reliable)
		if err != nil {
			return err
		}
		if !delivered && e.hub.logger != nil {
			e.hub.logger.Debug("loopback delivery dropped",
				slog.String("event", msg.Event),
				slog.String("peer", string(e.peer)),
			)
		}
	}
	return nil
}

// OnMessage implements transport.Transport.
func (e *Endpoint) OnMessage(ctx context.Context, event string) (<-chan transport.Message, error) {
	if err := transport.ValidateEvent(event); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &sberrors.TransportError{Op: "subscribe", Event: event, Err: sberrors.ErrTransportClosed}
	}
	s := newSubscription(e.hub.bufferSize)
	if e.subs[event] == nil {
		e.subs[event] = make(map[*subscription]struct{})
	}
	e.subs[event][s] = struct{}{}
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.closing:
		}
		e.mu.Lock()
		delete(e.subs[event], s)
		e.mu.Unlock()
		s.close()
	}()

	return s.ch, nil
}

// Close detaches the endpoint from its hub and ends every feed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closing)
	e.mu.Unlock()

	e.hub.detach(e.peer)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// subscription is one OnMessage feed.
type subscription struct {
	ch   chan transport.Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSubscription(buffer int) *subscription {
	return &subscription{
		ch:   make(chan transport.Message, buffer),
		done: make(chan struct{}),
	}
}

// deliver reports whether msg was queued.
func (s *subscription) deliver(ctx context.Context, msg transport.Message, block bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, nil
	}
	if !block {
		select {
		case s.ch <- msg:
			return true, nil
		default:
			return false, nil
		}
	}
	select {
	case s.ch <- msg:
		return true, nil
	case <-s.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
