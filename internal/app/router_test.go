package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/devbotlabs/ai-dev-pipeline/internal/adapter/httpserver"
	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

func testRouter(cfg config.Config) http.Handler {
	srv := httpserver.NewServer(cfg, nil, func(context.Context) error { return nil })
	return BuildRouter(cfg, srv)
}

func TestBuildRouter_HealthAndMetrics(t *testing.T) {
	h := testRouter(config.Config{RateLimitPerMin: 60})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestBuildRouter_SecurityHeaders(t *testing.T) {
	h := testRouter(config.Config{RateLimitPerMin: 60})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestBuildRouter_AdminGuardOnMutatingRoutes(t *testing.T) {
	cfg := config.Config{
		RateLimitPerMin: 60,
		AdminUsername:   "admin",
		AdminPassword:   "pw",
	}
	h := testRouter(cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/workers/stop", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Read-only routes stay open.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_UnknownRoute(t *testing.T) {
	h := testRouter(config.Config{RateLimitPerMin: 60})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
