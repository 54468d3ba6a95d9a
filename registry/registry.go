// Package registry implements the server-side remote registry (§3): a
// mapping from machine UUID to a single occupied flag, guarded by a mutex
// so every connection handler can mutate it safely (§5 "shared-resource
// policy"). A provisional token set lists which UUIDs are ever permitted to
// connect; membership is checked at authorization but never mutated by a
// handler.
package registry

import (
	"errors"

	"github.com/gofrs/uuid"
)

// ErrMutexPoison is returned once a registry's guarding lock has observed a
// panic while held. Go's sync.Mutex does not poison itself the way Rust's
// does; this sentinel recreates that semantic so callers can still honor
// §5's "on lock poisoning the handler terminates with mutex-poison".
var ErrMutexPoison = errors.New("registry: mutex-poison")

// Registry is the interface the Authorization state machine mutates on
// Authorize/disconnect (§4.6, §5).
type Registry interface {
	// Claim attempts the false->true transition for a known token. ok is
	// false if id is not a known token or is already occupied; in neither
	// case is that a Go error — only a genuine storage failure is.
	Claim(id uuid.UUID) (ok bool, err error)

	// Release transitions id's flag back to false. Called when a handler
	// that reached Authorized terminates (§4.6).
	Release(id uuid.UUID) error

	// KnownToken reports whether id is in the provisional token set.
	KnownToken(id uuid.UUID) bool
}
