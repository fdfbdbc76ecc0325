package lock

import "github.com/cockroachdb/errors"

// All lock errors signal caller contract violations, never transient
// conditions: a failing call leaves manager and context state untouched,
// and nothing here is retried internally. Callers match with errors.Is.
var (
	// ErrDuplicateLockRequest is returned when a transaction requests a lock
	// on a resource it already holds a lock on (and isn't releasing).
	ErrDuplicateLockRequest = errors.New("duplicate lock request")

	// ErrNoLockHeld is returned when a transaction references a lock it does
	// not hold, on release, promote, or a release-set entry.
	ErrNoLockHeld = errors.New("no lock held")

	// ErrInvalidLock is returned when a request would violate
	// multigranularity constraints.
	ErrInvalidLock = errors.New("invalid lock")

	// ErrInvalidPromotion is returned when the requested mode is not strictly
	// substitutable for the held mode.
	ErrInvalidPromotion = errors.New("invalid promotion")

	// ErrReadOnlyContext is returned when a mutating operation is attempted
	// on a read-only context.
	ErrReadOnlyContext = errors.New("context is read-only")
)
