package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/metrics"
)

const (
	kindShared = "shared"
	kindRW     = "rw"

	modeShared = "shared"
	modeRead   = "read"
	modeWrite  = "write"

	resultAcquired = "acquired"
	resultBusy     = "busy"
	resultError    = "error"
)

// SharedLock is a counting lock. Any number of holders may hold it at once;
// the shared entry records how many holds are outstanding, so other
// processes can tell whether the resource is in use.
//
// A SharedLock handle is safe for concurrent use.
type SharedLock struct {
	m      *Manager
	name   string
	key    string
	logger zerolog.Logger

	mu     sync.Mutex
	held   uint64
	closed bool
}

// Name returns the lock's name.
func (l *SharedLock) Name() string {
	return l.name
}

// TryLock adds one hold. It only fails on backing-service errors or when the
// conditional update keeps losing races.
func (l *SharedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrLockClosed
	}
	believed := l.held
	l.mu.Unlock()

	var evicted bool
	err := l.m.update(ctx, l.key, "shared_lock", func(cur *Entry) (*Entry, bool) {
		if cur == nil {
			evicted = believed > 0
			return &Entry{Count: 1}, true
		}
		evicted = false
		next := *cur
		next.Count++
		return &next, true
	})
	if err != nil {
		metrics.RecordLockAcquisition(kindShared, modeShared, resultError)
		return false, errors.Wrapf(err, "shared lock %q", l.name)
	}

	if evicted {
		l.lost("acquire", believed)
	}

	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	l.m.track(l)

	metrics.RecordLockAcquisition(kindShared, modeShared, resultAcquired)
	l.logger.Debug().Msg("shared lock acquired")
	return true, nil
}

// Lock adds one hold, retrying transient contention until ctx is done.
func (l *SharedLock) Lock(ctx context.Context) error {
	return l.m.acquire(ctx, l.TryLock)
}

// Unlock removes one hold. When the count reaches zero the entry is removed.
// If the entry has vanished the release is a logged no-op.
func (l *SharedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	if l.held == 0 {
		l.mu.Unlock()
		return errors.Wrapf(ErrLockNotHeld, "shared lock %q", l.name)
	}
	l.held--
	remaining := l.held
	l.mu.Unlock()

	var evicted bool
	err := l.m.update(ctx, l.key, "shared_unlock", func(cur *Entry) (*Entry, bool) {
		if cur == nil || cur.Count == 0 {
			evicted = true
			return nil, false
		}
		evicted = false
		if cur.Count == 1 {
			return nil, true
		}
		next := *cur
		next.Count--
		return &next, true
	})
	if err != nil {
		l.mu.Lock()
		l.held++
		l.mu.Unlock()
		metrics.RecordLockReleaseError(kindShared)
		return errors.Wrapf(err, "shared lock %q", l.name)
	}

	if evicted {
		l.lost("release", remaining+1)
	}
	l.m.track(l)
	l.logger.Debug().Msg("shared lock released")
	return nil
}

// IsLocked reports whether anyone holds the lock.
func (l *SharedLock) IsLocked(ctx context.Context) (bool, error) {
	n, err := l.Count(ctx)
	return n > 0, err
}

// Count returns the number of outstanding holds across all processes.
// A missing entry reads as zero.
func (l *SharedLock) Count(ctx context.Context) (uint64, error) {
	e, err := l.m.load(ctx, l.key)
	if err != nil {
		return 0, errors.Wrapf(err, "shared lock %q", l.name)
	}
	return e.Count, nil
}

// Held returns the number of holds granted through this handle.
func (l *SharedLock) Held() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// IsHeld implements Lease.
func (l *SharedLock) IsHeld() bool {
	return l.Held() > 0
}

// Extend rewrites the entry to restart its retention clock. If the entry has
// been evicted it is re-created with this handle's holds.
func (l *SharedLock) Extend(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	held := l.held
	l.mu.Unlock()

	if held == 0 {
		return errors.Wrapf(ErrLockNotHeld, "shared lock %q", l.name)
	}

	var evicted bool
	err := l.m.update(ctx, l.key, "shared_extend", func(cur *Entry) (*Entry, bool) {
		if cur == nil {
			evicted = true
			return &Entry{Count: held}, true
		}
		evicted = false
		next := *cur
		return &next, true
	})
	if err != nil {
		return errors.Wrapf(err, "extend shared lock %q", l.name)
	}
	if evicted {
		l.lost("extend", held)
	}
	return nil
}

// Close marks the handle unusable. Outstanding holds are not released; they
// stay in the shared entry until released elsewhere or evicted.
func (l *SharedLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.m.keeper != nil {
		l.m.keeper.Remove(l)
	}
	if l.held > 0 {
		l.logger.Warn().Uint64("held", l.held).Msg("shared lock handle closed with outstanding holds")
	}
	return nil
}

func (l *SharedLock) lost(op string, believed uint64) {
	metrics.RecordLockEviction(kindShared)
	l.logger.Warn().
		Str("op", op).
		Uint64("believed_held", believed).
		Msg("shared lock entry missing while held, other holders may have been forgotten")
}
