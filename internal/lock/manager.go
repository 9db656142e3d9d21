package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/retry"
	"github.com/kneutral-org/coordination/internal/retry/backoff"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

const (
	// DefaultKeyPrefix namespaces lock entries in the shared cache.
	DefaultKeyPrefix = "lock:"

	// DefaultCASMaxAttempts bounds conditional update retries per operation.
	DefaultCASMaxAttempts = 32

	// DefaultBackoffBase is the first delay after a lost race or busy lock.
	DefaultBackoffBase = 5 * time.Millisecond

	// DefaultBackoffMax caps the delay between attempts.
	DefaultBackoffMax = 500 * time.Millisecond

	backoffJitter = 0.2
)

// Manager creates lock handles backed by one shared cache client.
type Manager struct {
	client         sharedcache.Client
	logger         zerolog.Logger
	prefix         string
	casMaxAttempts uint
	backoffBase    time.Duration
	backoffMax     time.Duration
	acquireTimeout time.Duration
	keeper         *Keeper

	mu      sync.Mutex
	rwLocks map[rwHandle]*RWLock
}

type rwHandle struct {
	name  string
	owner Owner
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithKeyPrefix sets the namespace for lock keys.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithCASMaxAttempts bounds conditional update attempts per operation.
func WithCASMaxAttempts(n uint) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.casMaxAttempts = n
		}
	}
}

// WithBackoff sets the delay growth between attempts.
func WithBackoff(base, maxDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		if base > 0 {
			m.backoffBase = base
		}
		if maxDelay >= m.backoffBase {
			m.backoffMax = maxDelay
		}
	}
}

// WithAcquireTimeout bounds how long blocking Lock calls wait.
// Zero means Lock waits until its context is done.
func WithAcquireTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.acquireTimeout = d
	}
}

// WithKeeper registers every held handle with k so its entry is extended
// while held. Handles are removed once fully released or closed.
func WithKeeper(k *Keeper) ManagerOption {
	return func(m *Manager) {
		m.keeper = k
	}
}

// NewManager creates a Manager over the given shared cache client.
func NewManager(client sharedcache.Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:         client,
		logger:         zerolog.Nop(),
		prefix:         DefaultKeyPrefix,
		casMaxAttempts: DefaultCASMaxAttempts,
		backoffBase:    DefaultBackoffBase,
		backoffMax:     DefaultBackoffMax,
		rwLocks:        make(map[rwHandle]*RWLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KeyPrefix returns the namespace of lock keys in the shared cache.
func (m *Manager) KeyPrefix() string {
	return m.prefix
}

// SharedLock returns a new counting lock handle for name.
// Every call returns an independent handle with its own bookkeeping.
func (m *Manager) SharedLock(name string) (*SharedLock, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	return &SharedLock{
		m:      m,
		name:   name,
		key:    m.sharedKey(name),
		logger: m.logger.With().Str("lock", name).Str("kind", kindShared).Logger(),
	}, nil
}

// RWLock returns the reader/writer lock handle for name as seen by owner.
// The same handle is returned for the same name and owner until it is closed,
// so write reentrancy is tracked in one place per process.
func (m *Manager) RWLock(name string, owner Owner) (*RWLock, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if owner == "" {
		return nil, ErrInvalidOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := rwHandle{name: name, owner: owner}
	if l, ok := m.rwLocks[k]; ok {
		return l, nil
	}

	l := &RWLock{
		m:     m,
		name:  name,
		key:   m.rwKey(name),
		owner: owner,
		logger: m.logger.With().
			Str("lock", name).
			Str("kind", kindRW).
			Str("owner", string(owner)).
			Logger(),
	}
	m.rwLocks[k] = l
	return l, nil
}

// SharedState reads the current entry of a counting lock.
// A missing entry is reported as a zero Entry.
func (m *Manager) SharedState(ctx context.Context, name string) (*Entry, error) {
	return m.load(ctx, m.sharedKey(name))
}

// RWState reads the current entry of a reader/writer lock.
// A missing entry is reported as a zero Entry.
func (m *Manager) RWState(ctx context.Context, name string) (*Entry, error) {
	return m.load(ctx, m.rwKey(name))
}

func (m *Manager) release(l *RWLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rwHandle{name: l.name, owner: l.owner}
	if m.rwLocks[k] == l {
		delete(m.rwLocks, k)
	}
}

// track keeps the keeper's lease set in line with the handle's holds.
func (m *Manager) track(l Lease) {
	if m.keeper == nil {
		return
	}
	if l.IsHeld() {
		m.keeper.Add(l)
	} else {
		m.keeper.Remove(l)
	}
}

func (m *Manager) sharedKey(name string) string {
	return m.prefix + kindShared + ":" + name
}

func (m *Manager) rwKey(name string) string {
	return m.prefix + kindRW + ":" + name
}

func (m *Manager) load(ctx context.Context, key string) (*Entry, error) {
	item, err := m.client.Get(ctx, key)
	if errors.Is(err, sharedcache.ErrNotFound) {
		return &Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(item.Value)
}

// transition computes the next entry from the current one, which is nil when
// the key is absent. A nil next entry deletes the key. write=false ends the
// update without touching the cache. It may run several times per update and
// must not have side effects beyond its own result variables.
type transition func(current *Entry) (next *Entry, write bool)

// update applies fn as a conditional update, retrying lost races with
// jittered backoff up to the configured ceiling.
func (m *Manager) update(ctx context.Context, key, op string, fn transition) error {
	_, err := retry.Retry(ctx, func() error {
		item, err := m.client.Get(ctx, key)

		var current *Entry
		var version int64
		switch {
		case errors.Is(err, sharedcache.ErrNotFound):
		case err != nil:
			return err
		default:
			current, err = decodeEntry(item.Value)
			if err != nil {
				return errors.Wrapf(err, "lock key %q", key)
			}
			version = item.Version
		}

		next, write := fn(current)
		if !write {
			return nil
		}

		var ok bool
		if next == nil {
			if current == nil {
				return nil
			}
			ok, err = m.client.RemoveIfMatches(ctx, key, version)
		} else {
			next.UpdatedAt = time.Now().UTC()
			var value []byte
			value, err = encodeEntry(next)
			if err != nil {
				return err
			}
			ok, err = m.client.PutIfMatches(ctx, key, version, value)
		}
		if err != nil {
			return err
		}
		if !ok {
			return errConflict
		}
		return nil
	},
		retry.RetriableErrors(errConflict),
		retry.Limit(m.casMaxAttempts),
		retry.BackoffWithJitter(backoff.BinaryExponential(m.backoffBase), m.backoffMax, backoffJitter),
	)
	if errors.Is(err, errConflict) && ctx.Err() == nil {
		return errors.Wrapf(ErrContention, "%s on %q after %d attempts", op, key, m.casMaxAttempts)
	}
	return err
}

// acquire calls try until it succeeds, fails hard, or ctx is done.
func (m *Manager) acquire(ctx context.Context, try func(context.Context) (bool, error)) error {
	if m.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()
	}

	_, err := retry.Retry(ctx, func() error {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errBusy
		}
		return nil
	},
		retry.RetriableErrors(errBusy, ErrContention),
		retry.BackoffWithJitter(backoff.BinaryExponential(m.backoffBase), m.backoffMax, backoffJitter),
	)
	return err
}
