// Package config defines retry configuration.
package config

import (
	"time"
)

// RetryConfig holds retry behavior for the generation CLI executor.
type RetryConfig struct {
	// MaxRetries is the maximum number of attempts, first try included.
	MaxRetries int `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	// InitialDelay is the initial delay before first retry
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	// Multiplier is the exponential backoff multiplier
	Multiplier float64 `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
}

// GetRetryConfig returns the generation retry configuration.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}

// GetRateLimitConfig returns the long-wait configuration applied after
// upstream rate limiting.
func (c Config) GetRateLimitConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   c.RateLimitMaxRetries,
		InitialDelay: c.RateLimitBaseDelay,
		MaxDelay:     c.RateLimitMaxDelay,
		Multiplier:   1.5,
	}
}
