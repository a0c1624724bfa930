package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay grows and caps", func(t *testing.T) {
		p := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2, 5)
		p.Jitter = false

		assert.Equal(t, 10*time.Millisecond, p.NextDelay(0))
		assert.Equal(t, 20*time.Millisecond, p.NextDelay(1))
		assert.Equal(t, 40*time.Millisecond, p.NextDelay(2))
		assert.Equal(t, 50*time.Millisecond, p.NextDelay(3))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for i := 0; i < 100; i++ {
			d := p.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, 2)
		retry, _ := p.ShouldRetry(1, errors.New("x"))
		assert.True(t, retry)
		retry, _ = p.ShouldRetry(2, errors.New("x"))
		assert.False(t, retry)
	})

	t.Run("negative max retries is unbounded", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, -1)
		retry, _ := p.ShouldRetry(1000, errors.New("x"))
		assert.True(t, retry)
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, 5)
		retry, _ := p.ShouldRetry(0, Permanent(errors.New("bad request")))
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	p := NewFixedDelay(5*time.Millisecond, 3)
	assert.Equal(t, 5*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 5*time.Millisecond, p.NextDelay(7))
	assert.Equal(t, 3, p.MaxRetries())
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("wraps the last error when exhausted", func(t *testing.T) {
		boom := errors.New("broker down")
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error { return boom })

		var re *RetryError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 3, re.Attempts)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("stops on permanent error without wrapping", func(t *testing.T) {
		calls := 0
		boom := errors.New("invalid")
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return Permanent(boom)
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)

		var re *RetryError
		assert.False(t, errors.As(err, &re))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := Retry(cctx, NewFixedDelay(time.Second, 10), func() error { return errors.New("x") })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(ErrNonRetryable))
	assert.True(t, IsRetryable(RetryableError{Err: context.Canceled, Retryable: true}))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Second), context.Canceled)
}
