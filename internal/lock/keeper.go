package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/retry"
	"github.com/kneutral-org/coordination/internal/retry/backoff"
)

// DefaultKeepAliveInterval is how often held leases are extended.
// It should be well below the shared cache entry TTL (e.g., TTL/3).
const DefaultKeepAliveInterval = 20 * time.Second

const (
	// DefaultExtendAttempts bounds tries per lease per keep-alive round.
	DefaultExtendAttempts = 3

	// DefaultExtendRetryDelay is the pause between tries of one lease.
	DefaultExtendRetryDelay = 100 * time.Millisecond
)

// Keeper periodically extends registered leases so that locks held for a
// long time are not dropped by the cache's retention policy.
type Keeper struct {
	logger   zerolog.Logger
	interval time.Duration

	extendAttempts   uint
	extendRetryDelay time.Duration

	onExtendFailure func(Lease, error)

	mu     sync.Mutex
	leases map[Lease]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// KeeperOption configures a Keeper.
type KeeperOption func(*Keeper)

// WithKeepAliveInterval sets how often leases are extended.
func WithKeepAliveInterval(d time.Duration) KeeperOption {
	return func(k *Keeper) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithExtendRetry sets how many times one lease is tried per round and the
// fixed pause between tries. Errors meaning the lease is gone are not retried.
func WithExtendRetry(attempts uint, delay time.Duration) KeeperOption {
	return func(k *Keeper) {
		if attempts > 0 {
			k.extendAttempts = attempts
		}
		if delay >= 0 {
			k.extendRetryDelay = delay
		}
	}
}

// WithOnExtendFailure sets a callback that's called when extending a held lease fails.
func WithOnExtendFailure(fn func(Lease, error)) KeeperOption {
	return func(k *Keeper) {
		k.onExtendFailure = fn
	}
}

// NewKeeper creates a new keeper.
func NewKeeper(logger zerolog.Logger, opts ...KeeperOption) *Keeper {
	k := &Keeper{
		logger:           logger,
		interval:         DefaultKeepAliveInterval,
		extendAttempts:   DefaultExtendAttempts,
		extendRetryDelay: DefaultExtendRetryDelay,
		leases:           make(map[Lease]struct{}),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Add registers a lease for periodic extension.
func (k *Keeper) Add(l Lease) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.leases[l] = struct{}{}
}

// Remove stops extending a lease.
func (k *Keeper) Remove(l Lease) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.leases, l)
}

// Len returns the number of registered leases.
func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.leases)
}

// Start begins the keep-alive loop. It runs until Stop is called or ctx is done.
func (k *Keeper) Start(ctx context.Context) {
	k.wg.Add(1)
	go k.run(ctx)
}

// Stop stops the keep-alive loop. Leases are left as they are.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	k.wg.Wait()
}

func (k *Keeper) run(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.ExtendAll(ctx)
		}
	}
}

// ExtendAll extends every registered lease that is currently held and
// returns the number extended successfully.
func (k *Keeper) ExtendAll(ctx context.Context) int {
	k.mu.Lock()
	leases := make([]Lease, 0, len(k.leases))
	for l := range k.leases {
		leases = append(leases, l)
	}
	k.mu.Unlock()

	extended := 0
	for _, l := range leases {
		if !l.IsHeld() {
			continue
		}
		if err := k.extend(ctx, l); err != nil {
			k.logger.Warn().Err(err).Str("lock", l.Name()).Msg("failed to extend lock")
			if k.onExtendFailure != nil {
				k.onExtendFailure(l, err)
			}
			continue
		}
		extended++
	}

	if extended > 0 {
		k.logger.Debug().Int("extended", extended).Msg("extended held locks")
	}
	return extended
}

func (k *Keeper) extend(ctx context.Context, l Lease) error {
	_, err := retry.Retry(ctx, func() error {
		return l.Extend(ctx)
	},
		retry.NonRetriableErrors(ErrLockNotHeld, ErrLockClosed, ErrCorruptEntry),
		retry.Limit(k.extendAttempts),
		retry.Backoff(backoff.Constant(k.extendRetryDelay), k.extendRetryDelay),
	)
	return err
}
