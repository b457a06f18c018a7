package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoIf_SuccessOnRetry(t *testing.T) {
	var calls int
	err := DoIf(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoIf_AllAttemptsExhausted(t *testing.T) {
	sentinel := errors.New("always fails")
	var calls int
	err := DoIf(context.Background(), 3, time.Millisecond, nil, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDoIf_NonRetryableStopsImmediately(t *testing.T) {
	retryable := errors.New("serialization failure")
	fatal := errors.New("constraint violation")

	var calls int
	err := DoIf(context.Background(), 5, time.Millisecond,
		func(err error) bool { return errors.Is(err, retryable) },
		func() error {
			calls++
			if calls == 1 {
				return retryable
			}
			return fatal
		})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestDoIf_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = DoIf(context.Background(), 0, time.Millisecond, nil, func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDoIf_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoIf(ctx, 3, time.Second, nil, func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}
