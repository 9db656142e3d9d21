package sharedcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestPostgresPool returns a pool for TEST_DATABASE_URL.
// Skips the test if no database is configured.
func getTestPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresClient_Contract(t *testing.T) {
	pool := getTestPostgresPool(t)

	runClientContract(t, func(t *testing.T) Client {
		c := NewPostgresClient(pool, WithKeyPrefix(t.Name()+":"))
		require.NoError(t, c.EnsureSchema(context.Background()))
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(), "DELETE FROM shared_cache WHERE key LIKE $1", t.Name()+":%")
		})
		return c
	})
}

func TestPostgresClient_ExpiredRowReplacedAndCleaned(t *testing.T) {
	pool := getTestPostgresPool(t)
	ctx := context.Background()

	c := NewPostgresClient(pool, WithKeyPrefix("expiry-test:"), WithTTL(50*time.Millisecond))
	require.NoError(t, c.EnsureSchema(ctx))

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	time.Sleep(100 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := c.PutIfMatches(ctx, "k", 0, []byte("fresh"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Put(ctx, "other", []byte("v")))
	time.Sleep(100 * time.Millisecond)

	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}
