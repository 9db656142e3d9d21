package overlay

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kneutral-org/coordination/internal/metrics"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

const (
	// DefaultLocalSize bounds the process-local cache.
	DefaultLocalSize = 1024

	// DefaultLocalTTL is how long a process-local entry lives.
	DefaultLocalTTL = 5 * time.Minute

	cacheLocal = "local"
)

var (
	// DefaultSharedPrefixes are the key prefixes that belong to the coordinated domain.
	DefaultSharedPrefixes = []string{"shared:"}

	// DefaultReservedPrefixes are owned by the lock manager and never
	// readable or writable through a Store.
	DefaultReservedPrefixes = []string{"lock:"}
)

// ErrReservedKey is returned for keys under a reserved prefix.
var ErrReservedKey = errors.New("key is reserved")

// Store routes keys by domain. Keys with a shared prefix go through the
// Overlay and the shared cache; every other key lives only in a bounded
// process-local cache and never leaves the process. Keys under a reserved
// prefix are refused.
type Store struct {
	overlay  *Overlay
	local    *expirable.LRU[string, []byte]
	prefixes []string
	reserved []string
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	localSize int
	localTTL  time.Duration
	prefixes  []string
	reserved  []string
}

// WithLocalSize sets the process-local cache capacity.
func WithLocalSize(n int) StoreOption {
	return func(c *storeConfig) {
		c.localSize = n
	}
}

// WithLocalTTL sets the process-local entry lifetime.
func WithLocalTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.localTTL = ttl
	}
}

// WithSharedPrefixes sets which key prefixes are routed to the shared cache.
func WithSharedPrefixes(prefixes ...string) StoreOption {
	return func(c *storeConfig) {
		c.prefixes = prefixes
	}
}

// WithReservedPrefixes sets the key prefixes a Store refuses, typically the
// lock manager's key prefix.
func WithReservedPrefixes(prefixes ...string) StoreOption {
	return func(c *storeConfig) {
		c.reserved = prefixes
	}
}

// NewStore creates a Store whose shared keys go through o.
func NewStore(o *Overlay, opts ...StoreOption) *Store {
	cfg := storeConfig{
		localSize: DefaultLocalSize,
		localTTL:  DefaultLocalTTL,
		prefixes:  DefaultSharedPrefixes,
		reserved:  DefaultReservedPrefixes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		overlay:  o,
		local:    expirable.NewLRU[string, []byte](cfg.localSize, nil, cfg.localTTL),
		prefixes: cfg.prefixes,
		reserved: cfg.reserved,
	}
}

// IsReserved reports whether key falls under a reserved prefix.
func (s *Store) IsReserved(key string) bool {
	return hasAnyPrefix(key, s.reserved)
}

// IsShared reports whether key belongs to the coordinated domain.
func (s *Store) IsShared(key string) bool {
	return hasAnyPrefix(key, s.prefixes)
}

// Get returns the value for key. Missing keys return sharedcache.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.IsReserved(key) {
		return nil, errors.Wrapf(ErrReservedKey, "get %q", key)
	}
	if s.IsShared(key) {
		return s.overlayFor(ctx).Get(ctx, key)
	}

	value, ok := s.local.Get(key)
	if !ok {
		metrics.RecordMirrorOperation(cacheLocal, "miss")
		return nil, sharedcache.ErrNotFound
	}
	metrics.RecordMirrorOperation(cacheLocal, "hit")
	return clone(value), nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if s.IsReserved(key) {
		return errors.Wrapf(ErrReservedKey, "put %q", key)
	}
	if s.IsShared(key) {
		return s.overlayFor(ctx).Put(ctx, key, value)
	}

	s.local.Add(key, clone(value))
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if s.IsReserved(key) {
		return errors.Wrapf(ErrReservedKey, "remove %q", key)
	}
	if s.IsShared(key) {
		return s.overlayFor(ctx).Remove(ctx, key)
	}

	s.local.Remove(key)
	return nil
}

// InvalidateAll drops the mirror of the Overlay in ctx, or the Store's own
// Overlay when ctx carries none. Local entries are kept; they have no
// cross-process counterpart to drift from.
func (s *Store) InvalidateAll(ctx context.Context) {
	s.overlayFor(ctx).InvalidateAll()
}

// LocalLen returns the number of process-local entries.
func (s *Store) LocalLen() int {
	return s.local.Len()
}

// overlayFor prefers the request-scoped Overlay attached by Scope or Middleware.
func (s *Store) overlayFor(ctx context.Context) *Overlay {
	if o, ok := FromContext(ctx); ok {
		return o
	}
	return s.overlay
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
