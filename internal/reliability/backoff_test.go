package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("grows exponentially without jitter", func(t *testing.T) {
		eb := &ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0)

		for i := 0; i < 50; i++ {
			delay := eb.NextDelay(1)
			assert.GreaterOrEqual(t, delay, 170*time.Millisecond)
			assert.LessOrEqual(t, delay, 230*time.Millisecond)
		}
		for i := 0; i < 50; i++ {
			assert.LessOrEqual(t, eb.NextDelay(20), time.Second)
		}
	})

	t.Run("unlimited attempts when MaxAttempts is zero", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, 0)
		assert.True(t, eb.ShouldRetry(1000))
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, 3)
		assert.True(t, eb.ShouldRetry(0))
		assert.True(t, eb.ShouldRetry(1))
		assert.False(t, eb.ShouldRetry(2))
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		policy := &ExponentialBackoff{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 5}

		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		calls := 0
		policy := &ExponentialBackoff{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 2}

		err := Retry(context.Background(), policy, func() error {
			calls++
			return errors.New("down")
		})

		assert.EqualError(t, err, "down")
		assert.Equal(t, 2, calls)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		policy := &ExponentialBackoff{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, policy, func() error { return errors.New("down") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
