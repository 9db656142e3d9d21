package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/kneutral-org/coordination/internal/config"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

const backendDialTimeout = 5 * time.Second

// backend is an opened shared cache plus whatever it needs swept and closed.
type backend struct {
	client  sharedcache.Client
	cleaner sharedcache.Cleaner
	close   func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	opts := []sharedcache.Option{
		sharedcache.WithKeyPrefix(cfg.CacheKeyPrefix),
		sharedcache.WithTTL(cfg.CacheEntryTTL),
		sharedcache.WithLogger(logger),
	}

	switch cfg.CacheBackend {
	case config.BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		rdb := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, backendDialTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "ping redis")
		}
		return &backend{
			client: sharedcache.NewRedisClient(rdb, opts...),
			close:  func() { _ = rdb.Close() },
		}, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		pg := sharedcache.NewPostgresClient(pool, opts...)
		schemaCtx, cancel := context.WithTimeout(ctx, backendDialTimeout)
		defer cancel()
		if err := pg.EnsureSchema(schemaCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return &backend{client: pg, cleaner: pg, close: pool.Close}, nil

	case config.BackendEtcd:
		cli, err := v3.New(v3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: backendDialTimeout,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect etcd")
		}
		return &backend{
			client: sharedcache.NewEtcdClient(cli, opts...),
			close:  func() { _ = cli.Close() },
		}, nil

	default:
		mem := sharedcache.NewMemoryClient(append(opts, sharedcache.WithMaxEntries(cfg.CacheMaxEntries))...)
		return &backend{client: mem, cleaner: mem, close: mem.Close}, nil
	}
}
