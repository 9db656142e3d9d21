package sharedcache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v3 "go.etcd.io/etcd/client/v3"
)

// getTestEtcdClient returns a client for TEST_ETCD_ENDPOINTS.
// Skips the test if etcd is not configured.
func getTestEtcdClient(t *testing.T) *v3.Client {
	t.Helper()

	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set")
	}

	client, err := v3.New(v3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestEtcdClient_Contract(t *testing.T) {
	client := getTestEtcdClient(t)

	runClientContract(t, func(t *testing.T) Client {
		prefix := "/coordination-test/" + t.Name() + "/"
		t.Cleanup(func() {
			_, _ = client.Delete(context.Background(), prefix, v3.WithPrefix())
		})
		return NewEtcdClient(client, WithKeyPrefix(prefix), WithTTL(30*time.Second))
	})
}

func TestEtcdClient_RevokesSupersededLeases(t *testing.T) {
	client := getTestEtcdClient(t)
	ctx := context.Background()

	prefix := "/coordination-test/" + t.Name() + "/"
	t.Cleanup(func() {
		_, _ = client.Delete(context.Background(), prefix, v3.WithPrefix())
	})
	c := NewEtcdClient(client, WithKeyPrefix(prefix), WithTTL(30*time.Second))

	leaseCount := func() int {
		resp, err := client.Leases(ctx)
		require.NoError(t, err)
		return len(resp.Leases)
	}
	before := leaseCount()

	require.NoError(t, c.Put(ctx, "k", []byte("v0")))
	for i := 0; i < 5; i++ {
		item, err := c.Get(ctx, "k")
		require.NoError(t, err)
		ok, err := c.PutIfMatches(ctx, "k", item.Version, []byte("v"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.PutIfMatches(ctx, "k", 1, []byte("stale"))
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, before+1, leaseCount(), "one live lease per key")

	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	ok, err = c.RemoveIfMatches(ctx, "k", item.Version)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, leaseCount())
}
