package sharedcache

import (
	"context"
	"sync"
	"time"
)

// memoryEntry represents a stored value.
type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryClient is an in-process implementation of Client for tests and
// single-instance deployments. It reproduces the lossy behavior of a real
// cache: entries expire after the TTL, the oldest entry is evicted once
// MaxEntries is reached, and Evict drops an entry on demand. Expired
// entries are unreadable at once but only freed by Cleanup, usually driven
// by a CleanupJob.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	version int64
	opts    options
}

// NewMemoryClient creates a new in-memory shared cache.
func NewMemoryClient(opts ...Option) *MemoryClient {
	return &MemoryClient{
		entries: make(map[string]*memoryEntry),
		opts:    buildOptions(opts),
	}
}

// Get implements Client.Get.
func (c *MemoryClient) Get(ctx context.Context, key string) (*Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.live(c.opts.prefix+key, time.Now())
	if !ok {
		return nil, ErrNotFound
	}

	return &Item{
		Key:     key,
		Value:   append([]byte(nil), entry.value...),
		Version: entry.version,
	}, nil
}

// Put implements Client.Put.
func (c *MemoryClient) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(c.opts.prefix+key, value, time.Now())
	return nil
}

// PutIfMatches implements Client.PutIfMatches.
func (c *MemoryClient) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	fullKey := c.opts.prefix + key

	var current int64
	if entry, ok := c.live(fullKey, now); ok {
		current = entry.version
	}
	if current != expected {
		return false, nil
	}

	c.store(fullKey, value, now)
	return true, nil
}

// Remove implements Client.Remove.
func (c *MemoryClient) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, c.opts.prefix+key)
	return nil
}

// RemoveIfMatches implements Client.RemoveIfMatches.
func (c *MemoryClient) RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fullKey := c.opts.prefix + key
	entry, ok := c.live(fullKey, time.Now())
	if !ok || entry.version != expected {
		return false, nil
	}

	delete(c.entries, fullKey)
	return true, nil
}

// Ping implements Client.Ping.
func (c *MemoryClient) Ping(ctx context.Context) error {
	return nil
}

// Evict drops key without going through the normal write path, simulating
// the cache silently losing an entry. Returns true if an entry was dropped.
func (c *MemoryClient) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	fullKey := c.opts.prefix + key
	_, ok := c.entries[fullKey]
	delete(c.entries, fullKey)
	return ok
}

// EvictAll drops every entry, simulating a cache node restart.
func (c *MemoryClient) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*memoryEntry)
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup implements Cleaner.
func (c *MemoryClient) Cleanup(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var removed int64
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close drops every entry. The client stays usable.
func (c *MemoryClient) Close() {
	c.EvictAll()
}

// live returns the entry for fullKey if present and not expired.
// Must be called with the lock held.
func (c *MemoryClient) live(fullKey string, now time.Time) (*memoryEntry, bool) {
	entry, ok := c.entries[fullKey]
	if !ok || entry.expired(now) {
		return nil, false
	}
	return entry, true
}

// store writes value under a fresh version.
// Must be called with the write lock held.
func (c *MemoryClient) store(fullKey string, value []byte, now time.Time) {
	if _, exists := c.entries[fullKey]; !exists && c.opts.maxEntries > 0 && len(c.entries) >= c.opts.maxEntries {
		c.evictOldest()
	}

	c.version++
	entry := &memoryEntry{
		value:   append([]byte(nil), value...),
		version: c.version,
	}
	if c.opts.ttl > 0 {
		entry.expiresAt = now.Add(c.opts.ttl)
	}
	c.entries[fullKey] = entry
}

// evictOldest removes the least recently written entry.
// Must be called with the write lock held.
func (c *MemoryClient) evictOldest() {
	var oldestKey string
	var oldestVersion int64

	for key, entry := range c.entries {
		if oldestKey == "" || entry.version < oldestVersion {
			oldestKey = key
			oldestVersion = entry.version
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.opts.logger.Debug().Str("key", oldestKey).Msg("evicted oldest entry")
	}
}
