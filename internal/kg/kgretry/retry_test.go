package kgretry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/kgretry"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func alwaysRetryable(err error) bool { return errors.Is(err, errTransient) }

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := kgretry.Do(context.Background(), kgretry.DefaultPolicy(alwaysRetryable), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := kgretry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, IsRetryable: alwaysRetryable}
	err := kgretry.Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	policy := kgretry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, IsRetryable: alwaysRetryable}
	err := kgretry.Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttemptBudgetAndReturnsLastError(t *testing.T) {
	calls := 0
	policy := kgretry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, IsRetryable: alwaysRetryable}
	err := kgretry.Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, calls)
}

func TestDoAbortsImmediatelyWhenContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	policy := kgretry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, IsRetryable: alwaysRetryable}
	err := kgretry.Do(ctx, policy, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, calls)
}

func TestDoAbortsDuringBackoffSleepWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := kgretry.Policy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, IsRetryable: alwaysRetryable}

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- kgretry.Do(ctx, policy, func(ctx context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
	require.Equal(t, 1, calls)
}

func TestDoTreatsZeroMaxAttemptsAsOne(t *testing.T) {
	calls := 0
	err := kgretry.Do(context.Background(), kgretry.Policy{IsRetryable: alwaysRetryable}, func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}
