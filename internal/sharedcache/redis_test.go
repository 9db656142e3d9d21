package sharedcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis starts an in-process Redis server and returns a client for it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return s, client
}

func TestRedisClient_Contract(t *testing.T) {
	runClientContract(t, func(t *testing.T) Client {
		_, client := newTestRedis(t)
		return NewRedisClient(client, WithKeyPrefix("test:"))
	})
}

func TestRedisClient_StoresHashWithPrefix(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisClient(client, WithKeyPrefix("coord:"))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "lock:a", []byte("payload")))

	assert.True(t, s.Exists("coord:lock:a"))
	assert.Equal(t, "payload", s.HGet("coord:lock:a", "v"))
	assert.True(t, s.Exists("coord:"+versionKey))
}

func TestRedisClient_TTLExpiry(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisClient(client, WithTTL(time.Second))
	ctx := context.Background()

	ok, err := c.PutIfMatches(ctx, "k", 0, []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Second, s.TTL("k"))

	s.FastForward(2 * time.Second)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisClient_NoTTL(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisClient(client, WithTTL(0))

	require.NoError(t, c.Put(context.Background(), "k", []byte("v")))
	assert.Equal(t, time.Duration(0), s.TTL("k"))
}

func TestRedisClient_OutOfBandDelete(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisClient(client)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	s.Del("k")

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisClient_UnavailableIsMarked(t *testing.T) {
	s, client := newTestRedis(t)
	c := NewRedisClient(client)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = c.PutIfMatches(ctx, "k", 0, []byte("v"))
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, c.Ping(ctx), ErrUnavailable)
}
