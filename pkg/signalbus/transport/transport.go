// Package transport defines the one-way message delivery contract that
// signalbus builds on, plus the shared value types (Peer, Args, Message).
//
// A Transport moves an event name and an argument list from one endpoint to
// another. It makes no request/response promises; the request package layers
// correlation on top. Concrete adapters live in sub-packages:
//
//   - loopback: in-process hub, for tests and single-process apps
//   - redistransport: Redis pub/sub
//   - natstransport: NATS subjects
//   - socketio: socket.io client connection to a server
package transport

import (
	"context"
	"strings"
	"unicode"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
)

// Peer is an opaque endpoint handle. The zero value addresses every
// connected peer.
type Peer string

// Broadcast targets all currently connected peers.
const Broadcast Peer = ""

// IsBroadcast reports whether p addresses every peer.
func (p Peer) IsBroadcast() bool {
	return p == Broadcast
}

// Args is an ordered list of opaquely typed values.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// At returns the i-th argument, or nil when out of range.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// String returns the i-th argument as a string.
func (a Args) String(i int) (string, bool) {
	s, ok := a.At(i).(string)
	return s, ok
}

// Message is one inbound delivery.
type Message struct {
	// Event is the event name the message was sent under.
	Event string
	// From is the sending peer.
	From Peer
	// Args is the payload.
	Args Args
}

// Transport is a one-way, fire-and-forget message carrier.
// Implementations must be safe for concurrent use.
type Transport interface {
	// SendReliable delivers with the transport's strongest guarantee.
	// A failure is returned as *errors.TransportError or *errors.CodecError.
	SendReliable(ctx context.Context, event string, to Peer, args ...any) error

	// SendUnreliable delivers best-effort; it may drop silently.
	SendUnreliable(ctx context.Context, event string, to Peer, args ...any) error

	// OnMessage returns a feed of messages for event. The channel is closed
	// when ctx is done or the transport closes. Subscribing again yields
	// future messages only.
	OnMessage(ctx context.Context, event string) (<-chan Message, error)

	// Close releases the transport. Further sends fail with ErrTransportClosed.
	Close() error
}

// ValidateEvent rejects empty event names and names containing whitespace.
func ValidateEvent(event string) error {
	if event == "" {
		return sberrors.Invalid("event", "must not be empty")
	}
	if strings.IndexFunc(event, unicode.IsSpace) >= 0 {
		return sberrors.Invalid("event", "must not contain whitespace")
	}
	return nil
}

// SendError wraps err as a TransportError for a send of event to peer.
// Codec and validation errors pass through unchanged.
func SendError(event string, to Peer, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *sberrors.CodecError, *sberrors.ValidationError, *sberrors.TransportError:
		return err
	}
	return &sberrors.TransportError{Op: "send", Event: event, Peer: string(to), Err: err}
}
