package sharedcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_Contract(t *testing.T) {
	runClientContract(t, func(t *testing.T) Client {
		c := NewMemoryClient()
		t.Cleanup(c.Close)
		return c
	})
}

func TestMemoryClient_TTLExpiry(t *testing.T) {
	c := NewMemoryClient(WithTTL(20 * time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired entry counts as absent for a create.
	ok, err := c.PutIfMatches(ctx, "k", 0, []byte("again"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryClient_MaxEntriesEvictsOldest(t *testing.T) {
	c := NewMemoryClient(WithMaxEntries(2))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	require.NoError(t, c.Put(ctx, "b", []byte("2")))
	require.NoError(t, c.Put(ctx, "c", []byte("3")))

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Overwriting an existing key does not evict.
	require.NoError(t, c.Put(ctx, "c", []byte("4")))
	_, err = c.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestMemoryClient_Evict(t *testing.T) {
	c := NewMemoryClient()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	assert.True(t, c.Evict("k"))
	assert.False(t, c.Evict("k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Put(ctx, "x", []byte("v")))
	require.NoError(t, c.Put(ctx, "y", []byte("v")))
	c.EvictAll()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryClient_KeyPrefix(t *testing.T) {
	c := NewMemoryClient(WithKeyPrefix("coord:"))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", item.Key)
	assert.True(t, c.Evict("k"))
}

func TestMemoryClient_Cleanup(t *testing.T) {
	c := NewMemoryClient(WithTTL(10 * time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	require.NoError(t, c.Put(ctx, "b", []byte("2")))
	time.Sleep(20 * time.Millisecond)

	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryClient_CleanupJob(t *testing.T) {
	c := NewMemoryClient(WithTTL(10 * time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "a", []byte("1")))

	job := NewCleanupJob(c, "memory", 10*time.Millisecond, zerolog.Nop())
	job.Start(context.Background())
	defer job.Stop()

	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryClient_ReturnedValueIsCopy(t *testing.T) {
	c := NewMemoryClient()
	defer c.Close()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, c.Put(ctx, "k", value))
	value[0] = 'z'

	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), item.Value)

	item.Value[0] = 'q'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)
}

func TestMemoryClient_ConcurrentCreateSingleWinner(t *testing.T) {
	c := NewMemoryClient()
	defer c.Close()

	const numGoroutines = 10
	var wg sync.WaitGroup
	results := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.PutIfMatches(context.Background(), "race", 0, []byte("x"))
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
