package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

func fastPolicy(attempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   1 * time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	e := New(fastPolicy(3))
	calls := 0

	err := e.Do(context.Background(), "test", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	e := New(fastPolicy(3))
	calls := 0

	err := e.Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	e := New(fastPolicy(3))
	calls := 0
	boom := errors.New("boom")

	err := e.Do(context.Background(), "test", func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	e := New(fastPolicy(5))
	calls := 0
	fatal := errors.New("fatal")

	err := e.Do(context.Background(), "test", func() error {
		calls++
		return Permanent(fatal)
	})

	require.Error(t, err)
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDo_ContextCancelStops(t *testing.T) {
	policy := domain.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}
	e := New(policy)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := e.Do(ctx, "test", func() error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	require.LessOrEqual(t, calls, 2)
}

func TestDo_SingleAttemptPolicy(t *testing.T) {
	e := New(fastPolicy(1))
	calls := 0

	err := e.Do(context.Background(), "test", func() error {
		calls++
		return errors.New("always")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoNotify_HookFiresBetweenTriesOnly(t *testing.T) {
	e := New(fastPolicy(3))
	calls := 0
	hooks := 0

	err := e.DoNotify(context.Background(), "test", func() error {
		calls++
		return errors.New("always")
	}, func(err error, next time.Duration) {
		hooks++
		require.Error(t, err)
		require.Positive(t, next)
	})

	require.Error(t, err)
	require.Equal(t, 3, calls)
	// No hook after the final attempt.
	require.Equal(t, 2, hooks)
}

func TestDoNotify_NoHookOnFirstTrySuccess(t *testing.T) {
	e := New(fastPolicy(3))
	hooks := 0

	err := e.DoNotify(context.Background(), "test", func() error { return nil },
		func(error, time.Duration) { hooks++ })

	require.NoError(t, err)
	require.Equal(t, 0, hooks)
}
