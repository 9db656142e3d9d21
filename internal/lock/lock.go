// Package lock provides distributed locking primitives for coordinating
// work across multiple service instances through a shared cache.
//
// Two lock types are offered: SharedLock, a counting lock that never refuses
// admission, and RWLock, a reader/writer lock that is reentrant per Owner.
// Every state change is a single conditional update on the shared cache;
// there is no in-process coordination between goroutines beyond per-handle
// bookkeeping.
//
// The shared cache may silently lose entries. When that happens the locks
// re-create their entry from the caller's point of view and keep going,
// which opens a window where holds counted by other processes are forgotten
// and mutual exclusion is not guaranteed. There is no fairness between
// waiters; a waiter can starve.
package lock

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/kneutral-org/coordination/internal/sharedcache"
)

// Common errors for distributed locking operations.
var (
	// ErrLockNotHeld is returned when releasing or extending a lock the handle does not hold.
	ErrLockNotHeld = errors.New("lock not held by this owner")

	// ErrLockClosed is returned by every operation on a closed handle.
	ErrLockClosed = errors.New("lock handle is closed")

	// ErrContention is returned when a conditional update kept losing races
	// until the retry ceiling was reached. It is retryable.
	ErrContention = errors.New("lock entry contended, conditional update retries exhausted")

	// ErrCorruptEntry is returned when a lock key holds a value that is not a
	// lock entry. The lock stays unusable until the key is removed or expires.
	ErrCorruptEntry = errors.New("lock entry is corrupt")

	// ErrInvalidName is returned for an empty lock name.
	ErrInvalidName = errors.New("lock name must not be empty")

	// ErrInvalidOwner is returned for an empty owner token.
	ErrInvalidOwner = errors.New("lock owner must not be empty")

	// errConflict signals a lost conditional update; it never leaves the package.
	errConflict = errors.New("conditional update conflict")

	// errBusy signals a failed non-blocking acquire inside Lock loops.
	errBusy = errors.New("lock busy")
)

// Locker is a named lock that can be acquired without blocking.
// Implementations must be safe for concurrent use.
type Locker interface {
	// TryLock attempts to acquire the lock once.
	// Returns true if acquired, false if another holder prevents it.
	// A false result leaves no state behind.
	TryLock(ctx context.Context) (bool, error)

	// Lock retries TryLock with backoff until it succeeds or ctx is done.
	Lock(ctx context.Context) error

	// Unlock releases one hold. Returns ErrLockNotHeld if the handle holds nothing.
	Unlock(ctx context.Context) error
}

// Lease is a held lock whose shared entry can be kept alive.
type Lease interface {
	// Extend rewrites the lock's entry so the cache's retention clock restarts.
	// Returns ErrLockNotHeld if the handle holds nothing.
	Extend(ctx context.Context) error

	// IsHeld returns true if the handle believes it holds the lock.
	IsHeld() bool

	// Name returns the lock's name.
	Name() string
}

// IsRetryable reports whether err is a transient failure that the caller
// may retry: backing-service outages and exhausted conditional updates.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, sharedcache.ErrUnavailable)
}
