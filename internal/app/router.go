// Package app assembles the control API router and readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/devbotlabs/ai-dev-pipeline/internal/adapter/httpserver"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints: rate limited and, when configured, admin guarded.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		if cfg.AdminEnabled() {
			wr.Use(srv.AdminAPIGuard())
		}

		// Quick commands get a request deadline; pipeline runs, assignment
		// passes and deploys block on subprocesses with their own timeouts.
		wr.Group(func(qr chi.Router) {
			qr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			qr.Post("/v1/projects", srv.CreateProjectHandler())
			qr.Post("/v1/projects/{name}/switch", srv.SwitchProjectHandler())
			qr.Delete("/v1/projects/{name}", srv.DeleteProjectHandler())
			qr.Post("/v1/workers/start", srv.WorkersStartHandler())
			qr.Post("/v1/workers/stop", srv.WorkersStopHandler())
			qr.Post("/v1/monitor/start", srv.MonitorStartHandler())
			qr.Post("/v1/monitor/stop", srv.MonitorStopHandler())
		})
		wr.Post("/v1/pipeline/run", srv.RunPipelineHandler())
		wr.Post("/v1/issues/assign", srv.AssignIssuesHandler())
		wr.Post("/v1/tests/run", srv.RunTestsHandler())
		wr.Post("/v1/deploy", srv.DeployHandler())
	})

	// Read-only endpoints
	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.Get("/v1/projects", srv.ListProjectsHandler())
		rr.Get("/v1/workers/status", srv.WorkersStatusHandler())
		rr.Get("/v1/monitor/status", srv.MonitorStatusHandler())
		rr.Get("/v1/status", srv.StatusHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
