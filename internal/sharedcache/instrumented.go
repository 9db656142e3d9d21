package sharedcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kneutral-org/coordination/internal/metrics"
)

// Instrumented wraps a Client and records Prometheus metrics for every call.
type Instrumented struct {
	next Client
}

// NewInstrumented returns a Client recording metrics around next.
func NewInstrumented(next Client) *Instrumented {
	return &Instrumented{next: next}
}

// Unwrap returns the wrapped client.
func (c *Instrumented) Unwrap() Client {
	return c.next
}

// Get implements Client.Get.
func (c *Instrumented) Get(ctx context.Context, key string) (*Item, error) {
	start := time.Now()
	item, err := c.next.Get(ctx, key)
	observe("get", start, err, item != nil)
	return item, err
}

// Put implements Client.Put.
func (c *Instrumented) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := c.next.Put(ctx, key, value)
	observe("put", start, err, true)
	return err
}

// PutIfMatches implements Client.PutIfMatches.
func (c *Instrumented) PutIfMatches(ctx context.Context, key string, expected int64, value []byte) (bool, error) {
	start := time.Now()
	ok, err := c.next.PutIfMatches(ctx, key, expected, value)
	observe("put_if_matches", start, err, ok)
	if err == nil && !ok {
		metrics.RecordCASConflict("put_if_matches")
	}
	return ok, err
}

// Remove implements Client.Remove.
func (c *Instrumented) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := c.next.Remove(ctx, key)
	observe("remove", start, err, true)
	return err
}

// RemoveIfMatches implements Client.RemoveIfMatches.
func (c *Instrumented) RemoveIfMatches(ctx context.Context, key string, expected int64) (bool, error) {
	start := time.Now()
	ok, err := c.next.RemoveIfMatches(ctx, key, expected)
	observe("remove_if_matches", start, err, ok)
	if err == nil && !ok {
		metrics.RecordCASConflict("remove_if_matches")
	}
	return ok, err
}

// Ping implements Client.Ping.
func (c *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.next.Ping(ctx)
	observe("ping", start, err, true)
	return err
}

// Cleanup forwards to the wrapped client when it implements Cleaner.
func (c *Instrumented) Cleanup(ctx context.Context) (int64, error) {
	cleaner, ok := c.next.(Cleaner)
	if !ok {
		return 0, nil
	}
	return cleaner.Cleanup(ctx)
}

func observe(op string, start time.Time, err error, ok bool) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	case !ok:
		result = "mismatch"
	}
	metrics.RecordCacheOperation(op, result, time.Since(start).Seconds())
}
