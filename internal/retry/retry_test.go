package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountbazaar/escrowd/internal/apperr"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	var calls int
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("still down")
	})
	require.EqualError(t, err, "still down")
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	base := errors.New("bad payload")
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(base)
	})
	assert.Same(t, base, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ClassifiedErrorsAreNotRetried(t *testing.T) {
	for _, err := range []error{
		apperr.Validation("op", "bad"),
		apperr.Conflict("op", "already settled"),
		apperr.NotFound("op", "missing"),
		apperr.Invariant("op", "sum mismatch"),
	} {
		var calls int
		got := Do(context.Background(), 5, time.Millisecond, func() error {
			calls++
			return err
		})
		assert.ErrorIs(t, got, err)
		assert.Equal(t, 1, calls, "kind %s", apperr.KindOf(err))
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Zero(t, jitter(0))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.True(t, IsPermanent(apperr.NotFound("op", "gone")))
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.False(t, IsPermanent(apperr.PartialFailure("op", errors.New("payout call failed"))))
}
