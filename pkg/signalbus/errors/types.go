package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across signalbus packages.
var (
	// ErrDestroyed is matched by every DestroyedSignalError.
	ErrDestroyed = errors.New("signal destroyed")

	// ErrTransportClosed indicates a send or subscribe on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrPeerUnknown indicates a directed send to a peer the transport does not know.
	ErrPeerUnknown = errors.New("unknown peer")

	// ErrNotConnected indicates the underlying connection is not established.
	ErrNotConnected = errors.New("not connected")
)

// DestroyedSignalError is returned when connecting to a Signal after Destroy.
type DestroyedSignalError struct {
	Signal string
}

// Error implements the error interface.
func (e *DestroyedSignalError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %q destroyed", e.Signal)
	}
	return ErrDestroyed.Error()
}

// Is reports ErrDestroyed equivalence for errors.Is.
func (e *DestroyedSignalError) Is(target error) bool {
	return target == ErrDestroyed
}

// ValidationError indicates an invalid argument at a public boundary.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Invalid creates a ValidationError for field.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// CodecError wraps a serialize or deserialize failure.
type CodecError struct {
	// Op is "marshal" or "unmarshal".
	Op string
	// Codec is the codec name (e.g. "json").
	Codec string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s %s: %v", e.Codec, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CodecError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure reported by a transport.
type TransportError struct {
	// Op is the transport operation ("send", "subscribe", "close").
	Op string
	// Event is the event name involved, if any.
	Event string
	// Peer is the target peer, empty for broadcast.
	Peer string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("transport %s %q to %s: %v", e.Op, e.Event, e.Peer, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Event, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ListenerError describes a listener that failed during a fire.
// It is reported to diagnostics, never returned to the firer.
type ListenerError struct {
	// Signal is the signal name, empty for anonymous signals.
	Signal string
	// Index is the listener's position in the fire snapshot.
	Index int
	// Err is the returned error; nil when the listener panicked.
	Err error
	// Panic is the recovered panic value, if any.
	Panic any
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	name := e.Signal
	if name == "" {
		name = "anonymous"
	}
	if e.Panic != nil {
		return fmt.Sprintf("listener %d on signal %s panicked: %v", e.Index, name, e.Panic)
	}
	return fmt.Sprintf("listener %d on signal %s: %v", e.Index, name, e.Err)
}

// Unwrap returns the listener's error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}
