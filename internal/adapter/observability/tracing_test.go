package observability

import (
	"context"
	"testing"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
)

func TestSetupTracing_Disabled(t *testing.T) {
	cfg := config.Config{OTLPEndpoint: ""}
	shutdown, err := SetupTracing(cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown != nil {
		// Should be nil when disabled
		_ = shutdown(context.Background())
	}
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	cfg := config.Config{
		OTLPEndpoint:    "localhost:4317",
		OTELServiceName: "test-service",
	}

	// Exporter construction is lazy; this must not fail without a collector.
	shutdown, err := SetupTracing(cfg)
	if err != nil {
		if shutdown != nil {
			t.Fatal("expected nil shutdown function on error")
		}
	} else if shutdown != nil {
		_ = shutdown(context.Background())
	}
}
