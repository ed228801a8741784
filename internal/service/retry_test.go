package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

func fastPolicy(attempts int) *RetryPolicy {
	return NewRetryPolicy(
		WithMaxAttempts(attempts),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitter(0),
	)
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return core.ErrNetwork("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_PermanentErrorReturnsImmediately(t *testing.T) {
	calls := 0
	permanent := core.ErrValidation("BAD_INPUT", "malformed request")
	err := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
	assert.False(t, IsRetryExhausted(err))
}

func TestExecute_ExhaustionWrapsLastError(t *testing.T) {
	last := core.ErrTimeout("slow agent")
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return last
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsRetryExhausted(err))
	assert.ErrorIs(t, err, last)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestExecute_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(3).Execute(ctx, func(context.Context) error {
		t.Fatal("function should not run on canceled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithNotify_ReportsEachRetry(t *testing.T) {
	var notified []int
	_ = fastPolicy(3).ExecuteWithNotify(context.Background(),
		func(context.Context) error { return core.ErrRateLimit("throttled") },
		func(attempt int, err error, delay time.Duration) {
			notified = append(notified, attempt)
			assert.Error(t, err)
			assert.Greater(t, delay, time.Duration(0))
		})

	// The final attempt fails without a wait, so two notifications.
	assert.Equal(t, []int{1, 2}, notified)
}

func TestCalculateDelay_ExponentialWithCap(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
	assert.Equal(t, time.Second, p.CalculateDelayNoJitter(1))
	assert.Equal(t, 2*time.Second, p.CalculateDelayNoJitter(2))
	assert.Equal(t, 4*time.Second, p.CalculateDelayNoJitter(3))
	assert.Equal(t, 5*time.Second, p.CalculateDelayNoJitter(4))
}

func TestCalculateDelay_JitterStaysInBounds(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}
