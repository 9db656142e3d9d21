package sharedcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/metrics"
)

const cleanupTimeout = 30 * time.Second

// CleanupJob sweeps expired entries out of a Cleaner on an interval. Backends
// that expire entries themselves (redis, etcd) do not need one.
type CleanupJob struct {
	store    Cleaner
	backend  string
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleanupJob creates a sweeper for store. backend labels its metrics.
func NewCleanupJob(store Cleaner, backend string, interval time.Duration, logger zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		store:    store,
		backend:  backend,
		interval: interval,
		logger: logger.With().
			Str("component", "sharedcache-cleanup").
			Str("backend", backend).
			Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start sweeps once and then on every tick until Stop is called or ctx is done.
func (j *CleanupJob) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)
}

// Stop ends the sweep loop and waits for it. It is safe to call more than once.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}

// Sweep runs one purge and returns the number of entries removed.
func (j *CleanupJob) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	removed, err := j.store.Cleanup(ctx)
	metrics.RecordCachePurge(j.backend, removed, err)
	if err != nil {
		j.logger.Error().Err(err).Msg("expiry sweep failed")
		return 0, err
	}
	if removed > 0 {
		j.logger.Debug().Int64("removed", removed).Msg("expired entries purged")
	}
	return removed, nil
}

func (j *CleanupJob) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		_, _ = j.Sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
		}
	}
}
