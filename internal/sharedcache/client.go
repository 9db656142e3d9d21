// Package sharedcache defines the key/value contract the coordination
// primitives require from the cluster-wide shared cache, together with the
// backends that implement it.
//
// The shared cache offers no durability: any entry may disappear between two
// calls (TTL expiry, capacity pressure, node failure) without notification.
// All coordination is built on PutIfMatches, an atomic conditional update
// keyed on the version returned by Get.
package sharedcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned by Get when the key is absent, expired or evicted.
	ErrNotFound = errors.New("sharedcache: not found")

	// ErrUnavailable marks failures of the backing service. Errors carrying
	// this mark are retryable from the caller's point of view.
	ErrUnavailable = errors.New("sharedcache: backing service unavailable")
)

// Item is a value read from the shared cache.
type Item struct {
	Key   string
	Value []byte

	// Version is an opaque per-key token that changes on every write.
	// Versions are never reused for a key, even across delete and re-create.
	Version int64
}

// Client is the shared cache contract.
// Implementations must be safe for concurrent use.
type Client interface {
	// Get returns the current item for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Item, error)

	// Put unconditionally overwrites key.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfMatches atomically writes value only if the current version of key
	// equals expected. An expected version of 0 means "only if absent".
	// Returns false, nil when the version did not match.
	PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveIfMatches atomically deletes key only if its current version
	// equals expected.
	RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error)

	// Ping checks that the backing service is reachable.
	Ping(ctx context.Context) error
}

// Cleaner is implemented by backends whose expired entries must be purged
// explicitly rather than by the service itself.
type Cleaner interface {
	// Cleanup removes expired entries and returns the number removed.
	Cleanup(ctx context.Context) (int64, error)
}

// unavailable wraps a backend failure so errors.Is(err, ErrUnavailable) holds.
func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "sharedcache: %s", op), ErrUnavailable)
}

// options are shared by all backends.
type options struct {
	prefix     string
	ttl        time.Duration
	maxEntries int
	logger     zerolog.Logger
}

func defaultOptions() options {
	return options{
		ttl:    10 * time.Minute,
		logger: zerolog.Nop(),
	}
}

// Option configures a backend.
type Option func(*options)

// WithKeyPrefix sets a prefix applied to every key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTTL sets how long a written entry is retained. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithMaxEntries bounds the memory backend; the oldest write is evicted
// once the limit is reached. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithLogger sets the logger used by a backend.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
