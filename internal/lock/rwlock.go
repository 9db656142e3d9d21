package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/metrics"
)

// RWLock is a reader/writer lock shared across processes. Readers share the
// lock; a writer excludes everyone except itself. The writer may take the
// write lock again (nesting is counted in this handle only) and may take
// read holds, which are recorded separately from ordinary readers.
//
// When the outermost write hold is released, any read holds the writer still
// has become ordinary reader holds, so the writer keeps read access and other
// readers may join immediately.
//
// Handles are obtained from Manager.RWLock and are safe for concurrent use,
// but every goroutine using a handle acts as the same Owner. Operations on
// one handle run one at a time, each covering its conditional update and the
// matching change to the handle's bookkeeping.
type RWLock struct {
	m      *Manager
	name   string
	key    string
	owner  Owner
	logger zerolog.Logger

	// op is held across a whole lock operation; mu only guards the fields.
	op sync.Mutex

	mu         sync.Mutex
	writeDepth uint64
	reads      uint64
	ownerReads uint64
	closed     bool
}

// State is a point-in-time view of an RWLock entry.
type State struct {
	Readers    uint64
	Owner      Owner
	OwnerReads uint64
}

// Mode names the state: "unlocked", "read" or "write".
func (s State) Mode() string {
	switch {
	case s.Owner != "":
		return modeWrite
	case s.Readers > 0:
		return modeRead
	default:
		return "unlocked"
	}
}

// Name returns the lock's name.
func (l *RWLock) Name() string {
	return l.name
}

// Owner returns the owner this handle acts for.
func (l *RWLock) Owner() Owner {
	return l.owner
}

// ReadLock returns the read side of the lock.
func (l *RWLock) ReadLock() Locker {
	return readLocker{l}
}

// WriteLock returns the write side of the lock.
func (l *RWLock) WriteLock() Locker {
	return writeLocker{l}
}

// State reads the current shared entry.
func (l *RWLock) State(ctx context.Context) (State, error) {
	e, err := l.m.load(ctx, l.key)
	if err != nil {
		return State{}, errors.Wrapf(err, "rw lock %q", l.name)
	}
	return State{Readers: e.Count, Owner: e.Owner, OwnerReads: e.OwnerReads}, nil
}

// IsWriteHeld reports whether this handle holds the write lock.
func (l *RWLock) IsWriteHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeDepth > 0
}

// IsHeld implements Lease.
func (l *RWLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeDepth > 0 || l.reads > 0 || l.ownerReads > 0
}

func (l *RWLock) tryRead(ctx context.Context) (bool, error) {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrLockClosed
	}
	ownsWrite := l.writeDepth > 0
	l.mu.Unlock()

	var granted, asOwner, evicted bool
	err := l.m.update(ctx, l.key, "read_lock", func(cur *Entry) (*Entry, bool) {
		granted, asOwner, evicted = false, false, false
		switch {
		case cur == nil && ownsWrite:
			evicted = true
			granted, asOwner = true, true
			return &Entry{Owner: l.owner, OwnerReads: 1}, true
		case cur == nil:
			granted = true
			return &Entry{Count: 1}, true
		case cur.Owner == l.owner:
			granted, asOwner = true, true
			next := *cur
			next.OwnerReads++
			return &next, true
		case cur.Owner != "":
			evicted = ownsWrite
			return nil, false
		default:
			evicted = ownsWrite
			granted = true
			next := *cur
			next.Count++
			return &next, true
		}
	})
	if err != nil {
		metrics.RecordLockAcquisition(kindRW, modeRead, resultError)
		return false, errors.Wrapf(err, "read lock %q", l.name)
	}
	if evicted {
		l.lost("read_lock")
	}
	if !granted {
		metrics.RecordLockAcquisition(kindRW, modeRead, resultBusy)
		return false, nil
	}

	l.mu.Lock()
	if asOwner {
		l.ownerReads++
	} else {
		l.reads++
	}
	l.mu.Unlock()
	l.m.track(l)

	metrics.RecordLockAcquisition(kindRW, modeRead, resultAcquired)
	l.logger.Debug().Bool("as_owner", asOwner).Msg("read lock acquired")
	return true, nil
}

func (l *RWLock) readUnlock(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	var asOwner bool
	switch {
	case l.ownerReads > 0:
		l.ownerReads--
		asOwner = true
	case l.reads > 0:
		l.reads--
	default:
		l.mu.Unlock()
		return errors.Wrapf(ErrLockNotHeld, "read lock %q", l.name)
	}
	l.mu.Unlock()

	var evicted bool
	err := l.m.update(ctx, l.key, "read_unlock", func(cur *Entry) (*Entry, bool) {
		evicted = false
		if cur == nil {
			evicted = true
			return nil, false
		}
		next := *cur
		if asOwner {
			if cur.Owner != l.owner || cur.OwnerReads == 0 {
				evicted = true
				return nil, false
			}
			next.OwnerReads--
		} else {
			if cur.Count == 0 {
				evicted = true
				return nil, false
			}
			next.Count--
		}
		if next.IsEmpty() {
			return nil, true
		}
		return &next, true
	})
	if err != nil {
		l.mu.Lock()
		if asOwner {
			l.ownerReads++
		} else {
			l.reads++
		}
		l.mu.Unlock()
		metrics.RecordLockReleaseError(kindRW)
		return errors.Wrapf(err, "read unlock %q", l.name)
	}

	if evicted {
		l.lost("read_unlock")
	}
	l.m.track(l)
	l.logger.Debug().Bool("as_owner", asOwner).Msg("read lock released")
	return nil
}

func (l *RWLock) tryWrite(ctx context.Context) (bool, error) {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrLockClosed
	}
	if l.writeDepth > 0 {
		l.writeDepth++
		l.mu.Unlock()
		metrics.RecordLockAcquisition(kindRW, modeWrite, resultAcquired)
		return true, nil
	}
	l.mu.Unlock()

	var granted bool
	err := l.m.update(ctx, l.key, "write_lock", func(cur *Entry) (*Entry, bool) {
		granted = false
		switch {
		case cur == nil:
			granted = true
			return &Entry{Owner: l.owner}, true
		case cur.Owner == l.owner:
			granted = true
			return nil, false
		case cur.Owner != "" || cur.Count > 0:
			return nil, false
		default:
			granted = true
			next := *cur
			next.Owner = l.owner
			return &next, true
		}
	})
	if err != nil {
		metrics.RecordLockAcquisition(kindRW, modeWrite, resultError)
		return false, errors.Wrapf(err, "write lock %q", l.name)
	}
	if !granted {
		metrics.RecordLockAcquisition(kindRW, modeWrite, resultBusy)
		return false, nil
	}

	l.mu.Lock()
	l.writeDepth++
	l.mu.Unlock()
	l.m.track(l)

	metrics.RecordLockAcquisition(kindRW, modeWrite, resultAcquired)
	l.logger.Debug().Msg("write lock acquired")
	return true, nil
}

func (l *RWLock) writeUnlock(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	if l.writeDepth == 0 {
		l.mu.Unlock()
		return errors.Wrapf(ErrLockNotHeld, "write lock %q", l.name)
	}
	l.writeDepth--
	if l.writeDepth > 0 {
		l.mu.Unlock()
		return nil
	}
	ownerReads := l.ownerReads
	l.mu.Unlock()

	var evicted bool
	err := l.m.update(ctx, l.key, "write_unlock", func(cur *Entry) (*Entry, bool) {
		evicted = false
		switch {
		case cur == nil && ownerReads > 0:
			evicted = true
			return &Entry{Count: ownerReads}, true
		case cur == nil:
			evicted = true
			return nil, false
		case cur.Owner != l.owner:
			evicted = true
			return nil, false
		}
		next := *cur
		next.Owner = ""
		next.Count += next.OwnerReads
		next.OwnerReads = 0
		if next.IsEmpty() {
			return nil, true
		}
		return &next, true
	})
	if err != nil {
		l.mu.Lock()
		l.writeDepth++
		l.mu.Unlock()
		metrics.RecordLockReleaseError(kindRW)
		return errors.Wrapf(err, "write unlock %q", l.name)
	}

	l.mu.Lock()
	converted := l.ownerReads
	l.reads += l.ownerReads
	l.ownerReads = 0
	l.mu.Unlock()

	if evicted {
		l.lost("write_unlock")
	}
	l.m.track(l)
	l.logger.Debug().Uint64("converted_reads", converted).Msg("write lock released")
	return nil
}

// Extend rewrites the entry to restart its retention clock. If the entry has
// been evicted it is re-created from this handle's holds.
func (l *RWLock) Extend(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	restore := Entry{Count: l.reads, OwnerReads: l.ownerReads}
	if l.writeDepth > 0 {
		restore.Owner = l.owner
	} else {
		restore.Count += restore.OwnerReads
		restore.OwnerReads = 0
	}
	l.mu.Unlock()

	if restore.IsEmpty() {
		return errors.Wrapf(ErrLockNotHeld, "rw lock %q", l.name)
	}

	var evicted bool
	err := l.m.update(ctx, l.key, "rw_extend", func(cur *Entry) (*Entry, bool) {
		if cur == nil {
			evicted = true
			next := restore
			return &next, true
		}
		evicted = false
		next := *cur
		return &next, true
	})
	if err != nil {
		return errors.Wrapf(err, "extend rw lock %q", l.name)
	}
	if evicted {
		l.lost("extend")
	}
	return nil
}

// Close marks the handle unusable and detaches it from its Manager. Held
// locks are not released; they stay in the shared entry until released
// through a new handle or evicted.
func (l *RWLock) Close() error {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	outstanding := l.writeDepth > 0 || l.reads > 0 || l.ownerReads > 0
	l.mu.Unlock()

	l.m.release(l)
	if l.m.keeper != nil {
		l.m.keeper.Remove(l)
	}
	if outstanding {
		l.logger.Warn().Msg("rw lock handle closed with outstanding holds")
	}
	return nil
}

func (l *RWLock) lost(op string) {
	metrics.RecordLockEviction(kindRW)

	l.mu.Lock()
	depth, reads, ownerReads := l.writeDepth, l.reads, l.ownerReads
	l.mu.Unlock()

	l.logger.Warn().
		Str("op", op).
		Uint64("write_depth", depth).
		Uint64("reads", reads).
		Uint64("owner_reads", ownerReads).
		Msg("rw lock entry missing or changed while held")
}

type readLocker struct {
	l *RWLock
}

func (r readLocker) TryLock(ctx context.Context) (bool, error) {
	return r.l.tryRead(ctx)
}

func (r readLocker) Lock(ctx context.Context) error {
	return r.l.m.acquire(ctx, r.l.tryRead)
}

func (r readLocker) Unlock(ctx context.Context) error {
	return r.l.readUnlock(ctx)
}

type writeLocker struct {
	l *RWLock
}

func (w writeLocker) TryLock(ctx context.Context) (bool, error) {
	return w.l.tryWrite(ctx)
}

func (w writeLocker) Lock(ctx context.Context) error {
	return w.l.m.acquire(ctx, w.l.tryWrite)
}

func (w writeLocker) Unlock(ctx context.Context) error {
	return w.l.writeUnlock(ctx)
}
