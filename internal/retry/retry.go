// Package retry runs operations under an exponential backoff schedule.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Executor retries an operation per a fixed policy. The schedule is
// deterministic (no jitter) so delays are exactly base, base*mult, ...
// capped at the policy maximum.
type Executor struct {
	policy domain.RetryPolicy
}

// New returns an Executor for the given policy.
func New(policy domain.RetryPolicy) *Executor {
	return &Executor{policy: policy}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() domain.RetryPolicy { return e.policy }

// Do runs op until it succeeds, returns a permanent error, exhausts the
// policy's attempts, or ctx is done. opName appears in retry logs only.
func (e *Executor) Do(ctx context.Context, opName string, op func() error) error {
	return e.DoNotify(ctx, opName, op, nil)
}

// DoNotify is Do with a hook that fires between a failed attempt and the
// following delay. The hook never fires after the final attempt.
func (e *Executor) DoNotify(ctx context.Context, opName string, op func() error, between func(err error, next time.Duration)) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.policy.BaseDelay
	expo.MaxInterval = e.policy.MaxDelay
	expo.Multiplier = e.policy.Multiplier
	expo.RandomizationFactor = 0
	// Attempt-bounded, never elapsed-time bounded.
	expo.MaxElapsedTime = 0
	expo.Reset()

	retries := uint64(0)
	if e.policy.MaxAttempts > 1 {
		retries = uint64(e.policy.MaxAttempts - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx)

	notify := func(err error, next time.Duration) {
		slog.Warn("retrying operation",
			slog.String("op", opName),
			slog.Duration("next_delay", next),
			slog.Any("error", err))
		if between != nil {
			between(err, next)
		}
	}
	return backoff.RetryNotify(op, bo, notify)
}

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// OnRateLimit runs op under the long-wait rate-limit schedule. Only
// domain.ErrRateLimited is retried; every other error stops the loop.
func OnRateLimit(ctx context.Context, opName string, op func() error) error {
	return OnRateLimitPolicy(ctx, domain.RateLimitRetryPolicy(), opName, op)
}

// OnRateLimitPolicy is OnRateLimit with an explicit schedule.
func OnRateLimitPolicy(ctx context.Context, policy domain.RetryPolicy, opName string, op func() error) error {
	ex := New(policy)
	return ex.Do(ctx, opName, func() error {
		if err := op(); err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				return err
			}
			return Permanent(err)
		}
		return nil
	})
}
