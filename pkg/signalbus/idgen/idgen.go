// Package idgen mints request identifiers.
//
// Identifiers only need to be unique among a correlator's outstanding
// requests, but the defaults are globally unique so that ids stay
// meaningful in logs and the diagnostics journal.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
)

// Generator returns a new identifier on every call. Implementations must be
// safe for concurrent use.
type Generator func() string

// UUID returns random (v4) UUID strings.
func UUID() string {
	return uuid.NewString()
}

// ULID returns lexically sortable ULID strings. ulid.Make uses a
// process-wide monotonic entropy source, so ids minted within the same
// millisecond still sort in creation order.
func ULID() string {
	return ulid.Make().String()
}

// Default is the generator used when none is configured.
var Default Generator = UUID

// ByName resolves a generator from configuration. The empty name selects Default.
func ByName(name string) (Generator, error) {
	switch name {
	case "", "uuid":
		return UUID, nil
	case "ulid":
		return ULID, nil
	default:
		return nil, sberrors.Invalid("id_generator", "unknown generator "+name)
	}
}

// Sequence returns a generator that replays ids in order and then falls back
// to next. It is meant for tests that need predictable or colliding ids.
func Sequence(next Generator, ids ...string) Generator {
	ch := make(chan string, len(ids))
	for _, id := range ids {
		ch <- id
	}
	close(ch)
	return func() string {
		if id, ok := <-ch; ok {
			return id
		}
		return next()
	}
}
