// Retry entities shared by the generation executor and the monitors.
package domain

import "time"

// RetryPolicy defines backoff behavior for repeated attempts at a flaky
// external call.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
}

// Delay returns the wait before retry number attempt (0-based), growing
// exponentially and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (0-based) is past the final allowed try.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// DefaultGenRetryPolicy governs generation CLI invocations: three tries with
// short doubling waits, long enough to ride out transient process failures.
func DefaultGenRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RateLimitRetryPolicy governs waits after upstream rate limiting. Delays
// start at a minute and grow gently so a burst of agents does not hammer a
// throttled API.
func RateLimitRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   60 * time.Second,
		MaxDelay:    300 * time.Second,
		Multiplier:  1.5,
	}
}

// AttemptRecord tracks one try of a retried operation for logging.
type AttemptRecord struct {
	// Attempt is the 0-based attempt number.
	Attempt int
	// ErrorKind is the classified failure, empty on success.
	ErrorKind ErrorKind
	// Err is the raw error message, empty on success.
	Err string
	// At is when the attempt finished.
	At time.Time
}
