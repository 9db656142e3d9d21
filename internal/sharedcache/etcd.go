package sharedcache

import (
	"context"
	"math"

	v3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient implements Client on top of etcd. The item version is the key's
// ModRevision, which is cluster-wide monotonic and never reused. Expiry is
// implemented with a lease granted per write.
type EtcdClient struct {
	client *v3.Client
	opts   options
}

// NewEtcdClient creates a new etcd-backed shared cache.
func NewEtcdClient(client *v3.Client, opts ...Option) *EtcdClient {
	return &EtcdClient{
		client: client,
		opts:   buildOptions(opts),
	}
}

// Get implements Client.Get.
func (c *EtcdClient) Get(ctx context.Context, key string) (*Item, error) {
	resp, err := c.client.Get(ctx, c.opts.prefix+key)
	if err != nil {
		return nil, unavailable(err, "get")
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	kv := resp.Kvs[0]
	return &Item{Key: key, Value: kv.Value, Version: kv.ModRevision}, nil
}

// Put implements Client.Put.
func (c *EtcdClient) Put(ctx context.Context, key string, value []byte) error {
	lease, err := c.grant(ctx)
	if err != nil {
		return err
	}

	resp, err := c.client.Put(ctx, c.opts.prefix+key, string(value), c.putOptions(lease)...)
	if err != nil {
		c.revoke(ctx, int64(lease))
		return unavailable(err, "put")
	}
	if resp.PrevKv != nil {
		c.revoke(ctx, resp.PrevKv.Lease)
	}
	return nil
}

// PutIfMatches implements Client.PutIfMatches.
func (c *EtcdClient) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	fullKey := c.opts.prefix + key

	lease, err := c.grant(ctx)
	if err != nil {
		return false, err
	}

	var cmp v3.Cmp
	if expected == 0 {
		cmp = v3.Compare(v3.CreateRevision(fullKey), "=", 0)
	} else {
		cmp = v3.Compare(v3.ModRevision(fullKey), "=", expected)
	}

	resp, err := c.client.Txn(ctx).
		If(cmp).
		Then(v3.OpPut(fullKey, string(value), c.putOptions(lease)...)).
		Commit()
	if err != nil {
		c.revoke(ctx, int64(lease))
		return false, unavailable(err, "put if matches")
	}
	if !resp.Succeeded {
		c.revoke(ctx, int64(lease))
		return false, nil
	}

	if put := resp.Responses[0].GetResponsePut(); put != nil && put.PrevKv != nil {
		c.revoke(ctx, put.PrevKv.Lease)
	}
	return true, nil
}

// Remove implements Client.Remove.
func (c *EtcdClient) Remove(ctx context.Context, key string) error {
	resp, err := c.client.Delete(ctx, c.opts.prefix+key, v3.WithPrevKV())
	if err != nil {
		return unavailable(err, "remove")
	}
	for _, kv := range resp.PrevKvs {
		c.revoke(ctx, kv.Lease)
	}
	return nil
}

// RemoveIfMatches implements Client.RemoveIfMatches.
func (c *EtcdClient) RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error) {
	fullKey := c.opts.prefix + key

	resp, err := c.client.Txn(ctx).
		If(v3.Compare(v3.ModRevision(fullKey), "=", expected)).
		Then(v3.OpDelete(fullKey, v3.WithPrevKV())).
		Commit()
	if err != nil {
		return false, unavailable(err, "remove if matches")
	}
	if !resp.Succeeded {
		return false, nil
	}

	if del := resp.Responses[0].GetResponseDeleteRange(); del != nil {
		for _, kv := range del.PrevKvs {
			c.revoke(ctx, kv.Lease)
		}
	}
	return true, nil
}

// Ping implements Client.Ping.
func (c *EtcdClient) Ping(ctx context.Context) error {
	_, err := c.client.Get(ctx, c.opts.prefix+versionKey, v3.WithCountOnly())
	return unavailable(err, "ping")
}

// grant creates a lease matching the configured TTL, or returns NoLease when
// expiry is disabled. etcd leases have second granularity, so the TTL is
// rounded up. Each write gets its own lease; the lease of the value it
// replaces is revoked afterwards.
func (c *EtcdClient) grant(ctx context.Context) (v3.LeaseID, error) {
	if c.opts.ttl <= 0 {
		return v3.NoLease, nil
	}

	seconds := int64(math.Ceil(c.opts.ttl.Seconds()))
	lease, err := c.client.Grant(ctx, seconds)
	if err != nil {
		return v3.NoLease, unavailable(err, "grant lease")
	}
	return lease.ID, nil
}

func (c *EtcdClient) putOptions(lease v3.LeaseID) []v3.OpOption {
	opts := []v3.OpOption{v3.WithPrevKV()}
	if lease != v3.NoLease {
		opts = append(opts, v3.WithLease(lease))
	}
	return opts
}

// revoke drops a lease no key uses any more. Failures only leave the lease
// to expire on its own.
func (c *EtcdClient) revoke(ctx context.Context, id int64) {
	if v3.LeaseID(id) == v3.NoLease {
		return
	}
	if _, err := c.client.Revoke(ctx, v3.LeaseID(id)); err != nil {
		c.opts.logger.Debug().Err(err).Int64("lease", id).Msg("failed to revoke superseded lease")
	}
}
