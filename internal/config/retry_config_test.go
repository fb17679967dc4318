package config

import (
	"testing"
	"time"
)

func TestConfig_GetRetryConfig_MapsFields(t *testing.T) {
	cfg := Config{
		RetryMaxRetries:   5,
		RetryInitialDelay: 3 * time.Second,
		RetryMaxDelay:     45 * time.Second,
		RetryMultiplier:   3.5,
	}

	rc := cfg.GetRetryConfig()

	if rc.MaxRetries != cfg.RetryMaxRetries {
		t.Fatalf("MaxRetries = %d, want %d", rc.MaxRetries, cfg.RetryMaxRetries)
	}
	if rc.InitialDelay != cfg.RetryInitialDelay {
		t.Fatalf("InitialDelay = %v, want %v", rc.InitialDelay, cfg.RetryInitialDelay)
	}
	if rc.MaxDelay != cfg.RetryMaxDelay {
		t.Fatalf("MaxDelay = %v, want %v", rc.MaxDelay, cfg.RetryMaxDelay)
	}
	if rc.Multiplier != cfg.RetryMultiplier {
		t.Fatalf("Multiplier = %v, want %v", rc.Multiplier, cfg.RetryMultiplier)
	}
}

func TestConfig_GetRateLimitConfig(t *testing.T) {
	cfg := Config{
		RateLimitMaxRetries: 5,
		RateLimitBaseDelay:  60 * time.Second,
		RateLimitMaxDelay:   300 * time.Second,
	}

	rc := cfg.GetRateLimitConfig()

	if rc.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want 5", rc.MaxRetries)
	}
	if rc.InitialDelay != 60*time.Second {
		t.Fatalf("InitialDelay = %v, want 60s", rc.InitialDelay)
	}
	if rc.MaxDelay != 300*time.Second {
		t.Fatalf("MaxDelay = %v, want 300s", rc.MaxDelay)
	}
	if rc.Multiplier != 1.5 {
		t.Fatalf("Multiplier = %v, want 1.5", rc.Multiplier)
	}
}
