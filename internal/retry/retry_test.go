package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kneutral-org/coordination/internal/retry/backoff"
)

type testSleeper struct {
	calls []time.Duration
}

func (s *testSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	s.calls = append(s.calls, d)
	return ctx.Err() == nil
}

func withTestSleeper(t *testing.T) *testSleeper {
	t.Helper()
	ts := &testSleeper{}
	sleeperImpl = ts
	t.Cleanup(func() {
		sleeperImpl = &realSleeper{}
	})
	return ts
}

func TestRealSleeper(t *testing.T) {
	start := time.Now()
	n, err := Retry(context.Background(), func() error { return errors.New("err") },
		Limit(2),
		Backoff(backoff.Constant(100*time.Millisecond), 100*time.Millisecond),
	)

	assert.NotNil(t, err)
	assert.EqualValues(t, 2, n)
	assert.True(t, 100*time.Millisecond <= time.Since(start))
	assert.True(t, 1*time.Second > time.Since(start))
}

func TestRetry_HappyPath(t *testing.T) {
	attempts, err := Retry(context.Background(), func() error { return nil }, Limit(5))
	assert.NoError(t, err)
	assert.Equal(t, uint(1), attempts)
}

func TestRetry_RetriableErrors(t *testing.T) {
	retriableErr := errors.New("retriable")
	strategies := []Strategy{Limit(5), RetriableErrors(retriableErr)}

	attempts, err := Retry(context.Background(), func() error { return errors.New("unknown") }, strategies...)
	assert.Error(t, err)
	assert.Equal(t, uint(1), attempts)

	attempts, err = Retry(context.Background(), func() error { return retriableErr }, strategies...)
	assert.ErrorIs(t, err, retriableErr)
	assert.Equal(t, uint(5), attempts)
}

func TestRetry_NonRetriableErrors(t *testing.T) {
	fatal := errors.New("fatal")

	attempts, err := Retry(context.Background(), func() error { return fatal }, NonRetriableErrors(fatal), Limit(10))
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, uint(1), attempts)
}

func TestRetry_EventualSuccess(t *testing.T) {
	ts := withTestSleeper(t)

	var calls int
	attempts, err := Retry(context.Background(), func() error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	}, Backoff(backoff.BinaryExponential(time.Millisecond), 3*time.Millisecond))

	assert.NoError(t, err)
	assert.Equal(t, uint(4), attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, ts.calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	last := errors.New("busy")
	var calls int
	attempts, err := Retry(ctx, func() error {
		calls++
		if calls == 3 {
			cancel()
		}
		return last
	}, Backoff(backoff.Constant(time.Millisecond), time.Millisecond))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint(3), attempts)
}

func TestRetry_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Retry(ctx, func() error { return errors.New("busy") },
		Backoff(backoff.Constant(10*time.Millisecond), 10*time.Millisecond))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoffWithJitter(t *testing.T) {
	ts := withTestSleeper(t)

	_, _ = Retry(context.Background(), func() error { return errors.New("err") },
		Limit(20),
		BackoffWithJitter(backoff.Constant(100*time.Millisecond), 100*time.Millisecond, 0.1),
	)

	assert.Len(t, ts.calls, 19)
	for _, d := range ts.calls {
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}
