// Package overlay keeps a process-local mirror of shared cache entries.
//
// The shared cache pushes no invalidations, so the mirror silently drifts
// from what other processes write or what the cache evicts. Callers MUST
// call InvalidateAll at the end of every unit of work (request, job, batch).
// Scope and Middleware do this for you; an Overlay used outside them is a
// correctness bug waiting to happen.
package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/coordination/internal/metrics"
	"github.com/kneutral-org/coordination/internal/sharedcache"
)

// DefaultMaxEntries bounds a mirror so a long unit of work cannot grow it without limit.
const DefaultMaxEntries = 10000

const cacheMirror = "mirror"

// mirrorEntry is a value read from or written to the shared cache.
type mirrorEntry struct {
	value    []byte
	storedAt time.Time
}

// Overlay serves reads from a local mirror and writes through to the shared cache.
type Overlay struct {
	client     sharedcache.Client
	logger     zerolog.Logger
	maxEntries int

	mu     sync.RWMutex
	mirror map[string]*mirrorEntry
	// gen changes whenever the mirror is written or invalidated by anything
	// other than a read-through.
	gen uint64
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Overlay) {
		o.logger = logger
	}
}

// WithMaxEntries bounds the mirror (0 = unlimited).
func WithMaxEntries(n int) Option {
	return func(o *Overlay) {
		o.maxEntries = n
	}
}

// New creates an Overlay over client with an empty mirror.
func New(client sharedcache.Client, opts ...Option) *Overlay {
	o := &Overlay{
		client:     client,
		logger:     zerolog.Nop(),
		maxEntries: DefaultMaxEntries,
		mirror:     make(map[string]*mirrorEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fork returns an Overlay with the same client and settings and an empty
// mirror of its own.
func (o *Overlay) Fork() *Overlay {
	return &Overlay{
		client:     o.client,
		logger:     o.logger,
		maxEntries: o.maxEntries,
		mirror:     make(map[string]*mirrorEntry),
	}
}

// Get returns the mirrored value for key, reading through to the shared
// cache on a miss. Absent keys return sharedcache.ErrNotFound and are not mirrored.
func (o *Overlay) Get(ctx context.Context, key string) ([]byte, error) {
	o.mu.RLock()
	entry, ok := o.mirror[key]
	gen := o.gen
	o.mu.RUnlock()

	if ok {
		metrics.RecordMirrorOperation(cacheMirror, "hit")
		return clone(entry.value), nil
	}
	metrics.RecordMirrorOperation(cacheMirror, "miss")

	item, err := o.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "overlay get %q", key)
	}

	o.fill(key, item.Value, gen)
	return clone(item.Value), nil
}

// Put writes value to the shared cache and then to the mirror. Any prior
// shared entry is removed first so the new one starts with fresh retention.
// On failure the key is dropped from the mirror.
func (o *Overlay) Put(ctx context.Context, key string, value []byte) error {
	if err := o.client.Remove(ctx, key); err != nil {
		o.Invalidate(key)
		return errors.Wrapf(err, "overlay put %q", key)
	}
	if err := o.client.Put(ctx, key, value); err != nil {
		o.Invalidate(key)
		return errors.Wrapf(err, "overlay put %q", key)
	}

	o.store(key, value)
	return nil
}

// Remove deletes key from the mirror and the shared cache.
func (o *Overlay) Remove(ctx context.Context, key string) error {
	o.Invalidate(key)
	if err := o.client.Remove(ctx, key); err != nil {
		return errors.Wrapf(err, "overlay remove %q", key)
	}
	return nil
}

// Invalidate drops key from the mirror only.
func (o *Overlay) Invalidate(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.gen++
	delete(o.mirror, key)
}

// InvalidateAll drops the whole mirror without touching the shared cache.
// Call it at the end of every unit of work.
func (o *Overlay) InvalidateAll() {
	o.mu.Lock()
	n := len(o.mirror)
	o.mirror = make(map[string]*mirrorEntry)
	o.gen++
	o.mu.Unlock()

	metrics.RecordMirrorInvalidation()
	o.logger.Debug().Int("entries", n).Msg("mirror invalidated")
}

// Size returns the number of mirrored entries.
func (o *Overlay) Size() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.mirror)
}

// Scope runs fn with a fresh mirror attached to ctx and invalidates it when
// fn returns or panics.
func (o *Overlay) Scope(ctx context.Context, fn func(ctx context.Context, scoped *Overlay) error) error {
	scoped := o.Fork()
	defer scoped.InvalidateAll()

	return fn(NewContext(ctx, scoped), scoped)
}

func (o *Overlay) store(key string, value []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.gen++
	o.put(key, value)
}

// fill mirrors a value read at generation gen. It is dropped if a write or
// invalidation happened meanwhile, since the value may predate it.
func (o *Overlay) fill(key string, value []byte, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gen != gen {
		return
	}
	o.put(key, value)
}

// put must be called with the lock held.
func (o *Overlay) put(key string, value []byte) {
	if _, exists := o.mirror[key]; !exists && o.maxEntries > 0 && len(o.mirror) >= o.maxEntries {
		o.evictOldest()
	}

	o.mirror[key] = &mirrorEntry{
		value:    clone(value),
		storedAt: time.Now(),
	}
}

// evictOldest removes the oldest mirrored entry.
// Must be called with the lock held.
func (o *Overlay) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range o.mirror {
		if oldestKey == "" || entry.storedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.storedAt
		}
	}

	if oldestKey != "" {
		delete(o.mirror, oldestKey)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type ctxKey struct{}

// NewContext returns a context carrying o.
func NewContext(ctx context.Context, o *Overlay) context.Context {
	return context.WithValue(ctx, ctxKey{}, o)
}

// FromContext returns the Overlay attached to ctx, if any.
func FromContext(ctx context.Context) (*Overlay, bool) {
	o, ok := ctx.Value(ctxKey{}).(*Overlay)
	return o, ok
}
