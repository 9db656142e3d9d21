// Package retry runs actions repeatedly according to composable strategies.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kneutral-org/coordination/internal/retry/backoff"
)

// Action is a function to be performed in a retriable manner.
type Action func() error

// Strategy decides whether an action should be retried. Strategies are
// allowed to delay or cause other side effects, and must return false
// promptly once ctx is done.
type Strategy func(ctx context.Context, attempts uint, err error) bool

// Retry executes action until it succeeds, ctx is done, or one of the
// strategies declines another attempt. It returns the number of attempts
// made and the last error. When ctx ends the loop, the context error is
// returned with the last action error attached.
//
// The strategies are executed in the provided order, so any strategies that
// induce delays should be specified last.
func Retry(ctx context.Context, action Action, strategies ...Strategy) (uint, error) {
	for i := uint(1); ; i++ {
		err := action()
		if err == nil {
			return i, nil
		}

		for _, s := range strategies {
			if !s(ctx, i, err) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return i, errors.WithSecondaryError(ctxErr, err)
				}
				return i, err
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return i, errors.WithSecondaryError(ctxErr, err)
		}
	}
}

// Limit returns a strategy that limits the total number of attempts.
// maxAttempts should be >= 1, since the action is evaluated first.
func Limit(maxAttempts uint) Strategy {
	return func(ctx context.Context, attempts uint, err error) bool {
		return attempts < maxAttempts
	}
}

// RetriableErrors returns a strategy that only retries the given errors.
func RetriableErrors(retriableErrors ...error) Strategy {
	return func(ctx context.Context, attempts uint, err error) bool {
		for _, e := range retriableErrors {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// NonRetriableErrors returns a strategy that never retries the given errors.
func NonRetriableErrors(nonRetriableErrors ...error) Strategy {
	return func(ctx context.Context, attempts uint, err error) bool {
		for _, e := range nonRetriableErrors {
			if errors.Is(err, e) {
				return false
			}
		}
		return true
	}
}

// Backoff returns a strategy that waits before the next attempt. The wait
// is abandoned, and no retry is performed, when ctx is done.
func Backoff(strategy backoff.Strategy, maxBackoff time.Duration) Strategy {
	return BackoffWithJitter(strategy, maxBackoff, 0)
}

// BackoffWithJitter is like Backoff but randomizes the delay. The maxBackoff
// is applied before the jitter.
//
// The jitter parameter is a fraction of the capped delay. For example, a
// capped delay of 100ms with a jitter of 0.1 sleeps 100ms +/- 10ms.
func BackoffWithJitter(strategy backoff.Strategy, maxBackoff time.Duration, jitter float64) Strategy {
	capped := backoff.Capped(strategy, maxBackoff)
	return func(ctx context.Context, attempts uint, err error) bool {
		delay := capped(attempts)
		if jitter > 0 {
			delay = time.Duration(float64(delay) * (1 + (rand.Float64()*jitter*2 - jitter)))
		}
		return sleeperImpl.Sleep(ctx, delay)
	}
}

type sleeper interface {
	// Sleep waits for d and reports whether the wait completed before ctx ended.
	Sleep(ctx context.Context, d time.Duration) bool
}

// realSleeper uses a timer to perform actual sleeps.
type realSleeper struct{}

func (r *realSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var sleeperImpl sleeper = &realSleeper{}
