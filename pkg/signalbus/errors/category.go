// Package errors provides the signalbus error taxonomy and recovery helpers.
//
// Errors fall into two groups. Validation, codec and destroyed-signal errors
// describe a call that can never succeed as made. Transport errors usually
// describe the network and may succeed on a later attempt; Retry uses
// Categorize to tell the two apart.
//
// Request timeouts are not errors. They are reported as result values by the
// request package and by Signal.Wait.
package errors

import (
	"context"
	"errors"
	"net"
)

// Category tells Retry whether another attempt can help.
type Category int

const (
	// CategoryTransient covers dropped connections, publish timeouts and
	// other failures a later attempt may not hit.
	CategoryTransient Category = iota

	// CategoryPermanent covers bad arguments, unencodable payloads, closed
	// transports and unknown peers.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	}
	return "unknown"
}

// temporaryError forces CategoryTransient on the error it wraps.
type temporaryError struct {
	err error
}

func (e *temporaryError) Error() string   { return e.err.Error() }
func (e *temporaryError) Unwrap() error   { return e.err }
func (e *temporaryError) Temporary() bool { return true }

// MarkTransient makes err retryable regardless of its type. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &temporaryError{err: err}
}

// Categorize classifies err. Anything it does not recognise is permanent.
func Categorize(err error) Category {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return CategoryPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrPeerUnknown):
		return CategoryPermanent
	}

	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	var codecErr *CodecError
	if errors.As(err, &codecErr) {
		return CategoryPermanent
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
