package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	fast := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, func(context.Context, int) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, func(_ context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("boom")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Do(context.Background(), fast, func(context.Context, int) error {
			calls++
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, fast, func(context.Context, int) error {
			return errors.New("boom")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("attempt timeout bounds each try", func(t *testing.T) {
		p := Policy{MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond}
		err := Do(context.Background(), p, func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	t.Run("doubles per attempt", func(t *testing.T) {
		assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
		assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
		assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	})

	t.Run("caps at max delay", func(t *testing.T) {
		assert.Equal(t, time.Second, p.Backoff(10))
	})

	t.Run("jitter stays within bound", func(t *testing.T) {
		j := Policy{BaseDelay: 100 * time.Millisecond, Jitter: 50 * time.Millisecond}
		for i := 0; i < 50; i++ {
			d := j.Backoff(1)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.Less(t, d, 150*time.Millisecond)
		}
	})
}
