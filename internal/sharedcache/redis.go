package sharedcache

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Entries are stored as hashes {v: value, ver: version}. Versions come from a
// single sequence key so a deleted and re-created entry never repeats a
// version. Every script therefore touches two keys, which limits this backend
// to standalone or sentinel deployments.
var (
	putScript = redis.NewScript(`
		local ver = redis.call("INCR", KEYS[2])
		redis.call("DEL", KEYS[1])
		redis.call("HSET", KEYS[1], "v", ARGV[1], "ver", ver)
		if tonumber(ARGV[2]) > 0 then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return ver
	`)

	putIfMatchesScript = redis.NewScript(`
		local cur = redis.call("HGET", KEYS[1], "ver")
		local expected = tonumber(ARGV[2])
		if cur == false then
			if expected ~= 0 then
				return 0
			end
		elseif tonumber(cur) ~= expected then
			return 0
		end
		local ver = redis.call("INCR", KEYS[2])
		redis.call("HSET", KEYS[1], "v", ARGV[1], "ver", ver)
		if tonumber(ARGV[3]) > 0 then
			redis.call("PEXPIRE", KEYS[1], ARGV[3])
		end
		return ver
	`)

	removeIfMatchesScript = redis.NewScript(`
		local cur = redis.call("HGET", KEYS[1], "ver")
		if cur == false or tonumber(cur) ~= tonumber(ARGV[1]) then
			return 0
		end
		return redis.call("DEL", KEYS[1])
	`)
)

// versionKey is the sequence key, stored under the client prefix.
const versionKey = "__version_seq"

// RedisClient implements Client on top of Redis.
type RedisClient struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisClient creates a new Redis-backed shared cache.
func NewRedisClient(client redis.UniversalClient, opts ...Option) *RedisClient {
	return &RedisClient{
		client: client,
		opts:   buildOptions(opts),
	}
}

// Get implements Client.Get.
func (c *RedisClient) Get(ctx context.Context, key string) (*Item, error) {
	fields, err := c.client.HMGet(ctx, c.opts.prefix+key, "v", "ver").Result()
	if err != nil {
		return nil, unavailable(err, "get")
	}
	if len(fields) != 2 || fields[0] == nil || fields[1] == nil {
		return nil, ErrNotFound
	}

	value, ok := fields[0].(string)
	if !ok {
		return nil, errors.Newf("sharedcache: unexpected value type %T for %q", fields[0], key)
	}
	rawVersion, ok := fields[1].(string)
	if !ok {
		return nil, errors.Newf("sharedcache: unexpected version type %T for %q", fields[1], key)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "sharedcache: parse version for %q", key)
	}

	return &Item{Key: key, Value: []byte(value), Version: version}, nil
}

// Put implements Client.Put.
func (c *RedisClient) Put(ctx context.Context, key string, value []byte) error {
	err := putScript.Run(ctx, c.client, c.keys(key), value, c.opts.ttl.Milliseconds()).Err()
	return unavailable(err, "put")
}

// PutIfMatches implements Client.PutIfMatches.
func (c *RedisClient) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	ver, err := putIfMatchesScript.Run(ctx, c.client, c.keys(key), value, expected, c.opts.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err, "put if matches")
	}
	return ver != 0, nil
}

// Remove implements Client.Remove.
func (c *RedisClient) Remove(ctx context.Context, key string) error {
	return unavailable(c.client.Del(ctx, c.opts.prefix+key).Err(), "remove")
}

// RemoveIfMatches implements Client.RemoveIfMatches.
func (c *RedisClient) RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error) {
	result, err := removeIfMatchesScript.Run(ctx, c.client, []string{c.opts.prefix + key}, expected).Int64()
	if err != nil {
		return false, unavailable(err, "remove if matches")
	}
	return result == 1, nil
}

// Ping implements Client.Ping.
func (c *RedisClient) Ping(ctx context.Context) error {
	return unavailable(c.client.Ping(ctx).Err(), "ping")
}

func (c *RedisClient) keys(key string) []string {
	return []string{c.opts.prefix + key, c.opts.prefix + versionKey}
}
