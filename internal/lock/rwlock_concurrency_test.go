package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/coordination/internal/sharedcache"
)

// afterPutClient runs a one-shot hook right after a conditional put succeeds,
// before the caller sees the result.
type afterPutClient struct {
	sharedcache.Client

	mu   sync.Mutex
	hook func()
}

func (c *afterPutClient) arm(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *afterPutClient) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	ok, err := c.Client.PutIfMatches(ctx, key, expected, value)

	c.mu.Lock()
	hook := c.hook
	if ok {
		c.hook = nil
	}
	c.mu.Unlock()

	if ok && hook != nil {
		hook()
	}
	return ok, err
}

func TestRWLock_WriteUnlockDuringOwnerRead(t *testing.T) {
	cache := sharedcache.NewMemoryClient()
	t.Cleanup(cache.Close)
	client := &afterPutClient{Client: cache}
	m := NewManager(client, WithBackoff(time.Millisecond, 10*time.Millisecond))
	ctx := context.Background()

	a := mustRWLock(t, m, "res", "owner-a")
	b := mustRWLock(t, m, "res", "owner-b")

	require.True(t, tryLock(t, a.WriteLock()))

	released := make(chan error, 1)
	client.arm(func() {
		go func() {
			released <- a.WriteLock().Unlock(ctx)
		}()
	})

	require.True(t, tryLock(t, a.ReadLock()))
	require.NoError(t, <-released)
	assert.False(t, a.IsWriteHeld())

	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{Readers: 1}, state, "owner read becomes an ordinary read")

	require.NoError(t, a.ReadLock().Unlock(ctx))
	assert.False(t, a.IsHeld())

	state, err = a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, state)
	assert.True(t, tryLock(t, b.WriteLock()), "owner-b gets the write lock once owner-a released everything")
}

func TestRWLock_SameHandleConcurrentReadsAndWriteUnlock(t *testing.T) {
	m, _ := newTestManager(t, WithCASMaxAttempts(256))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := mustRWLock(t, m, "res", "owner-a")
	b := mustRWLock(t, m, "res", "owner-b")
	require.True(t, tryLock(t, a.WriteLock()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if !assert.NoError(t, a.ReadLock().Lock(ctx)) {
					return
				}
				assert.NoError(t, a.ReadLock().Unlock(ctx))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		assert.NoError(t, a.WriteLock().Unlock(ctx))
	}()
	wg.Wait()

	assert.False(t, a.IsHeld())
	state, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, state)
	assert.True(t, tryLock(t, b.WriteLock()))
}

func TestRWLock_MutualExclusion(t *testing.T) {
	backends := map[string]func(t *testing.T) *Manager{
		"memory": func(t *testing.T) *Manager {
			m, _ := newTestManager(t, WithCASMaxAttempts(256))
			return m
		},
		"redis": func(t *testing.T) *Manager {
			m, _ := newRedisManager(t, WithCASMaxAttempts(256))
			return m
		},
	}

	const (
		writers    = 4
		readers    = 4
		iterations = 15
	)

	for name, newManager := range backends {
		t.Run(name, func(t *testing.T) {
			m := newManager(t)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var inWrite, inRead, violations atomic.Int32
			var wg sync.WaitGroup

			for i := 0; i < writers; i++ {
				l := mustRWLock(t, m, "res", Owner(fmt.Sprintf("writer-%d", i)))
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < iterations; j++ {
						if !assert.NoError(t, l.WriteLock().Lock(ctx)) {
							return
						}
						if inWrite.Add(1) != 1 || inRead.Load() != 0 {
							violations.Add(1)
						}
						time.Sleep(time.Millisecond)
						inWrite.Add(-1)
						assert.NoError(t, l.WriteLock().Unlock(ctx))
					}
				}()
			}

			for i := 0; i < readers; i++ {
				l := mustRWLock(t, m, "res", Owner(fmt.Sprintf("reader-%d", i)))
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < iterations; j++ {
						if !assert.NoError(t, l.ReadLock().Lock(ctx)) {
							return
						}
						inRead.Add(1)
						if inWrite.Load() != 0 {
							violations.Add(1)
						}
						time.Sleep(time.Millisecond)
						inRead.Add(-1)
						assert.NoError(t, l.ReadLock().Unlock(ctx))
					}
				}()
			}

			wg.Wait()

			assert.Zero(t, violations.Load(), "readers and writers overlapped")
			_, err := m.client.Get(ctx, m.rwKey("res"))
			assert.ErrorIs(t, err, sharedcache.ErrNotFound, "entry removed once every hold is released")
		})
	}
}
