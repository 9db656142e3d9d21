package sharedcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/coordination/internal/metrics"
)

// mockCleaner is a mock implementation of Cleaner for testing.
type mockCleaner struct {
	calls   atomic.Int64
	removed int64
	err     error
}

func (m *mockCleaner) Cleanup(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	return m.removed, m.err
}

func TestCleanupJob_RunsAtInterval(t *testing.T) {
	cleaner := &mockCleaner{removed: 5}

	job := NewCleanupJob(cleaner, "test-interval", 20*time.Millisecond, zerolog.Nop())
	job.Start(context.Background())

	assert.Eventually(t, func() bool {
		return cleaner.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	job.Stop()
	job.Stop()

	calls := cleaner.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, cleaner.calls.Load(), "no sweeps after Stop")
}

func TestCleanupJob_StopsWithContext(t *testing.T) {
	cleaner := &mockCleaner{}
	ctx, cancel := context.WithCancel(context.Background())

	job := NewCleanupJob(cleaner, "test-ctx", time.Hour, zerolog.Nop())
	job.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		job.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
	assert.EqualValues(t, 1, cleaner.calls.Load(), "one sweep on start")
}

func TestCleanupJob_SweepRecordsMetrics(t *testing.T) {
	ctx := context.Background()

	purged := testutil.ToFloat64(metrics.CachePurges.WithLabelValues("test-metrics"))
	job := NewCleanupJob(&mockCleaner{removed: 4}, "test-metrics", time.Hour, zerolog.Nop())
	removed, err := job.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, removed)
	assert.Equal(t, purged+4, testutil.ToFloat64(metrics.CachePurges.WithLabelValues("test-metrics")))

	failed := testutil.ToFloat64(metrics.CachePurgeErrors.WithLabelValues("test-metrics"))
	job = NewCleanupJob(&mockCleaner{err: errors.New("connection reset")}, "test-metrics", time.Hour, zerolog.Nop())
	_, err = job.Sweep(ctx)
	assert.Error(t, err)
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.CachePurgeErrors.WithLabelValues("test-metrics")))
}

func TestCleanupJob_PurgesMemoryClient(t *testing.T) {
	c := NewMemoryClient(WithTTL(5 * time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "k", []byte("v")))
	time.Sleep(10 * time.Millisecond)

	job := NewCleanupJob(c, "memory", time.Hour, zerolog.Nop())
	removed, err := job.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	assert.Equal(t, 0, c.Len())
}
