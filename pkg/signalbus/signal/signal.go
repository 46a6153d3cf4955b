// Package signal provides the in-process publish/subscribe primitive for signalbus.
//
// A Signal holds an ordered set of listeners. Fire invokes every listener that
// was connected when the fire started; Wait blocks until the next fire; Once
// listeners run at most one time; Destroy tears everything down and releases
// anyone still waiting.
//
// Common use cases:
//   - Named event channels (see the event package)
//   - Single-fire completion gates for outstanding requests
//   - Local notifications between goroutines
//
// Design Influences:
//   - Roblox-style signals (connect/once/wait/destroy)
//   - Go channels (blocking wait with context cancellation)
package signal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
)

// Listener receives the value passed to Fire. A returned error is reported
// to the signal's error handler and does not stop sibling listeners.
type Listener[T any] func(T) error

// Func adapts a listener that cannot fail.
func Func[T any](fn func(T)) Listener[T] {
	return func(v T) error {
		fn(v)
		return nil
	}
}

// Option configures a Signal.
type Option func(*options)

type options struct {
	name    string
	onError func(error)
}

// WithName names the signal in diagnostics and errors.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithErrorHandler sets the sink for listener failures.
// The handler receives *errors.ListenerError values.
// Default: log at error level via slog.Default().
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// entry pairs a connection with its typed listener.
type entry[T any] struct {
	conn *Connection
	fn   Listener[T]
	once bool
}

// Signal is a publish/subscribe primitive carrying values of type T.
// It is safe for concurrent use.
type Signal[T any] struct {
	name    string
	onError func(error)

	mu        sync.Mutex
	entries   []*entry[T]
	destroyed bool
	done      chan struct{}
}

// New creates a signal.
func New[T any](opts ...Option) *Signal[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Signal[T]{
		name:    o.name,
		onError: o.onError,
		done:    make(chan struct{}),
	}
}

// Name returns the signal's diagnostic name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Connect registers fn to be called on every future Fire.
// Returns an *errors.DestroyedSignalError if the signal was destroyed.
func (s *Signal[T]) Connect(fn Listener[T]) (*Connection, error) {
	return s.connect(fn, false)
}

// Once registers fn for exactly one future Fire. The connection is
// disconnected before fn runs, so concurrent fires invoke fn at most once.
func (s *Signal[T]) Once(fn Listener[T]) (*Connection, error) {
	return s.connect(fn, true)
}

func (s *Signal[T]) connect(fn Listener[T], once bool) (*Connection, error) {
	if fn == nil {
		return nil, sberrors.Invalid("listener", "must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, &sberrors.DestroyedSignalError{Signal: s.name}
	}

	e := &entry[T]{fn: fn, once: once}
	e.conn = &Connection{}
	e.conn.connected.Store(true)
	e.conn.detach = func() { s.remove(e) }

	s.entries = append(s.entries, e)
	return e.conn, nil
}

// remove drops e from the connection list. The slice is rebuilt rather than
// edited in place so snapshots held by in-flight fires stay intact.
func (s *Signal[T]) remove(target *entry[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e == target {
			next := make([]*entry[T], 0, len(s.entries)-1)
			next = append(next, s.entries[:i]...)
			next = append(next, s.entries[i+1:]...)
			s.entries = next
			return
		}
	}
}

// Fire invokes every listener connected at the time of the call, in
// connection order. Listener errors and panics are reported to the error
// handler; they never reach the caller. Fire on a destroyed signal is a no-op.
func (s *Signal[T]) Fire(v T) {
	s.mu.Lock()
	if s.destroyed || len(s.entries) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.entries
	s.mu.Unlock()

	for i, e := range snapshot {
		if e.once {
			// Claim the connection; a concurrent fire that loses skips it.
			if !e.conn.connected.CompareAndSwap(true, false) {
				continue
			}
			e.conn.detach()
		} else if !e.conn.connected.Load() {
			// Disconnected earlier in this fire.
			continue
		}
		s.invoke(i, e.fn, v)
	}
}

// invoke runs one listener, isolating errors and panics.
func (s *Signal[T]) invoke(index int, fn Listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.report(&sberrors.ListenerError{Signal: s.name, Index: index, Panic: r})
		}
	}()
	if err := fn(v); err != nil {
		s.report(&sberrors.ListenerError{Signal: s.name, Index: index, Err: err})
	}
}

func (s *Signal[T]) report(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	slog.Default().Error("signal listener failed",
		slog.String("signal", s.name),
		slog.String("error", err.Error()),
	)
}

// Wait blocks until the next Fire after the call and returns its value.
// It returns false when ctx is done first or the signal is destroyed.
// Exactly one of those outcomes resolves a given Wait.
func (s *Signal[T]) Wait(ctx context.Context) (T, bool) {
	var zero T

	var resolved atomic.Bool
	ch := make(chan T, 1)
	conn, err := s.Once(func(v T) error {
		if resolved.CompareAndSwap(false, true) {
			ch <- v
		}
		return nil
	})
	if err != nil {
		return zero, false
	}

	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
	case <-s.done:
	}

	if resolved.CompareAndSwap(false, true) {
		conn.Disconnect()
		return zero, false
	}
	// A fire claimed the wait first; its send is already buffered or imminent.
	return <-ch, true
}

// WaitTimeout is Wait with a relative deadline. A non-positive timeout waits
// until the next fire or destroy.
func (s *Signal[T]) WaitTimeout(timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		return s.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Wait(ctx)
}

// HasListeners reports whether at least one connection is live.
func (s *Signal[T]) HasListeners() bool {
	return s.Len() > 0
}

// Len returns the number of live connections.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DisconnectAll disconnects every current connection. The signal remains
// usable for new connections.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	for _, e := range entries {
		e.conn.connected.Store(false)
	}
}

// Destroy disconnects every connection, rejects future connections and
// releases all pending waits with no value. It is idempotent.
func (s *Signal[T]) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	entries := s.entries
	s.entries = nil
	close(s.done)
	s.mu.Unlock()

	for _, e := range entries {
		e.conn.connected.Store(false)
	}
}

// IsDestroyed reports whether Destroy has been called.
func (s *Signal[T]) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Done returns a channel closed when the signal is destroyed.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}
