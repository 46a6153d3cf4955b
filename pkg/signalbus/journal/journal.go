// Package journal provides a diagnostics journal for failures that are
// isolated rather than returned: listener errors and discarded responses.
package journal

import (
	"errors"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindListenerFailure records a listener that returned an error or panicked.
	KindListenerFailure Kind = "listener_failure"

	// KindDiscarded records a response whose request id was unknown or
	// already resolved.
	KindDiscarded Kind = "discarded"

	// KindHandlerFailure records a responder handler that returned an error.
	KindHandlerFailure Kind = "handler_failure"
)

// Entry is one journal record.
type Entry struct {
	Seq       int64
	Time      time.Time
	Kind      Kind
	Event     string
	RequestID string
	Peer      string
	Detail    string
}

// Journal stores diagnostics entries.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Record appends an entry. Seq is assigned by the journal; a zero Time
	// is replaced with the current time.
	Record(e Entry) error

	// List returns up to limit of the most recent entries, oldest first.
	// A limit <= 0 returns every retained entry.
	List(limit int) ([]Entry, error)

	// Count returns the number of retained entries.
	Count() (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// ErrClosed indicates the journal has been closed.
var ErrClosed = errors.New("journal closed")

func stamp(e Entry) Entry {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}
