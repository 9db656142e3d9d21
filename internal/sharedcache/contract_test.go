package sharedcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runClientContract exercises the behavior every backend must share.
func runClientContract(t *testing.T, newClient func(t *testing.T) Client) {
	t.Run("GetMissing", func(t *testing.T) {
		c := newClient(t)
		_, err := c.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k", []byte("v1")))
		item, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "k", item.Key)
		assert.Equal(t, []byte("v1"), item.Value)
		assert.NotZero(t, item.Version)

		require.NoError(t, c.Put(ctx, "k", []byte("v2")))
		item2, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), item2.Value)
		assert.Greater(t, item2.Version, item.Version)
	})

	t.Run("PutIfMatchesCreate", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		ok, err := c.PutIfMatches(ctx, "k", 0, []byte("first"))
		require.NoError(t, err)
		assert.True(t, ok)

		// A second create must fail since the key now exists.
		ok, err = c.PutIfMatches(ctx, "k", 0, []byte("second"))
		require.NoError(t, err)
		assert.False(t, ok)

		item, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), item.Value)
	})

	t.Run("PutIfMatchesVersion", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k", []byte("a")))
		item, err := c.Get(ctx, "k")
		require.NoError(t, err)

		ok, err := c.PutIfMatches(ctx, "k", item.Version, []byte("b"))
		require.NoError(t, err)
		assert.True(t, ok)

		// Stale version is rejected.
		ok, err = c.PutIfMatches(ctx, "k", item.Version, []byte("c"))
		require.NoError(t, err)
		assert.False(t, ok)

		current, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), current.Value)
	})

	t.Run("PutIfMatchesAbsentWithVersion", func(t *testing.T) {
		c := newClient(t)
		ok, err := c.PutIfMatches(context.Background(), "k", 42, []byte("x"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("VersionNotReusedAfterRemove", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k", []byte("a")))
		old, err := c.Get(ctx, "k")
		require.NoError(t, err)

		require.NoError(t, c.Remove(ctx, "k"))
		require.NoError(t, c.Put(ctx, "k", []byte("a")))

		ok, err := c.PutIfMatches(ctx, "k", old.Version, []byte("stale"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Remove", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k", []byte("a")))
		require.NoError(t, c.Remove(ctx, "k"))
		_, err := c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		// Removing an absent key is not an error.
		require.NoError(t, c.Remove(ctx, "k"))
	})

	t.Run("RemoveIfMatches", func(t *testing.T) {
		c := newClient(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k", []byte("a")))
		item, err := c.Get(ctx, "k")
		require.NoError(t, err)

		ok, err := c.RemoveIfMatches(ctx, "k", item.Version+1000)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = c.RemoveIfMatches(ctx, "k", item.Version)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err = c.RemoveIfMatches(ctx, "k", item.Version)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Ping", func(t *testing.T) {
		c := newClient(t)
		assert.NoError(t, c.Ping(context.Background()))
	})
}
