package sharedcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE SEQUENCE IF NOT EXISTS shared_cache_version_seq;
	CREATE TABLE IF NOT EXISTS shared_cache (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		version    BIGINT NOT NULL,
		expires_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS shared_cache_expires_at_idx ON shared_cache (expires_at);
`

// PostgresClient is a PostgreSQL implementation of Client.
// Expired rows are invisible to reads and are purged by Cleanup.
type PostgresClient struct {
	db   *pgxpool.Pool
	opts options
}

// NewPostgresClient creates a new PostgreSQL-backed shared cache.
func NewPostgresClient(db *pgxpool.Pool, opts ...Option) *PostgresClient {
	return &PostgresClient{
		db:   db,
		opts: buildOptions(opts),
	}
}

// EnsureSchema creates the backing table and version sequence if missing.
func (c *PostgresClient) EnsureSchema(ctx context.Context) error {
	_, err := c.db.Exec(ctx, postgresSchema)
	return unavailable(err, "ensure schema")
}

// Get implements Client.Get.
func (c *PostgresClient) Get(ctx context.Context, key string) (*Item, error) {
	query := `
		SELECT value, version FROM shared_cache
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	item := &Item{Key: key}
	err := c.db.QueryRow(ctx, query, c.opts.prefix+key).Scan(&item.Value, &item.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err, "get")
	}

	return item, nil
}

// Put implements Client.Put.
func (c *PostgresClient) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO shared_cache (key, value, version, expires_at)
		VALUES ($1, $2, nextval('shared_cache_version_seq'), $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at
	`

	_, err := c.db.Exec(ctx, query, c.opts.prefix+key, value, c.expiresAt())
	return unavailable(err, "put")
}

// PutIfMatches implements Client.PutIfMatches.
// Creating (expected == 0) may replace a row that has expired but not yet
// been purged.
func (c *PostgresClient) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	fullKey := c.opts.prefix + key

	if expected == 0 {
		query := `
			INSERT INTO shared_cache (key, value, version, expires_at)
			VALUES ($1, $2, nextval('shared_cache_version_seq'), $3)
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at
			WHERE shared_cache.expires_at IS NOT NULL AND shared_cache.expires_at <= NOW()
			RETURNING version
		`

		var version int64
		err := c.db.QueryRow(ctx, query, fullKey, value, c.expiresAt()).Scan(&version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, nil
			}
			return false, unavailable(err, "put if absent")
		}
		return true, nil
	}

	query := `
		UPDATE shared_cache
		SET value = $2, version = nextval('shared_cache_version_seq'), expires_at = $3
		WHERE key = $1 AND version = $4 AND (expires_at IS NULL OR expires_at > NOW())
	`

	result, err := c.db.Exec(ctx, query, fullKey, value, c.expiresAt(), expected)
	if err != nil {
		return false, unavailable(err, "put if matches")
	}
	return result.RowsAffected() == 1, nil
}

// Remove implements Client.Remove.
func (c *PostgresClient) Remove(ctx context.Context, key string) error {
	_, err := c.db.Exec(ctx, "DELETE FROM shared_cache WHERE key = $1", c.opts.prefix+key)
	return unavailable(err, "remove")
}

// RemoveIfMatches implements Client.RemoveIfMatches.
func (c *PostgresClient) RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error) {
	result, err := c.db.Exec(ctx,
		"DELETE FROM shared_cache WHERE key = $1 AND version = $2",
		c.opts.prefix+key, expected,
	)
	if err != nil {
		return false, unavailable(err, "remove if matches")
	}
	return result.RowsAffected() == 1, nil
}

// Ping implements Client.Ping.
func (c *PostgresClient) Ping(ctx context.Context) error {
	return unavailable(c.db.Ping(ctx), "ping")
}

// Cleanup removes all expired rows.
// This should be called periodically by a CleanupJob.
func (c *PostgresClient) Cleanup(ctx context.Context) (int64, error) {
	result, err := c.db.Exec(ctx, "DELETE FROM shared_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()")
	if err != nil {
		return 0, unavailable(err, "cleanup")
	}
	return result.RowsAffected(), nil
}

func (c *PostgresClient) expiresAt() *time.Time {
	if c.opts.ttl <= 0 {
		return nil
	}
	t := time.Now().Add(c.opts.ttl)
	return &t
}
