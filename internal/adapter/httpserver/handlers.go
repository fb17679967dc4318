// Package httpserver is the pipeline's control surface. Every abstract
// control command (create project, run pipeline, assign issues, workers,
// monitor, deploy) maps to one handler that calls a single orchestrator
// entry point; no business logic lives here.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/monitor"
	"github.com/devbotlabs/ai-dev-pipeline/internal/orchestrator"
)

// Control is the slice of the orchestrator the handlers call. It exists so
// handler tests can substitute a fake without a broker or a workspace.
type Control interface {
	CreateProject(name, requirements string) (domain.Project, error)
	ListProjects() []domain.Project
	SwitchProject(ctx context.Context, name string) (domain.Project, error)
	DeleteProject(name string) error
	RunFullPipeline(ctx context.Context) (*orchestrator.PipelineResult, error)
	AssignIssues(ctx context.Context) (*orchestrator.AssignReport, error)
	RunTests(ctx context.Context) (*orchestrator.TestRun, error)
	Deploy(ctx context.Context, redeploy bool) (domain.DeployResult, error)
	StartWorkers(ctx context.Context) error
	StopWorkers()
	WorkerStatus(ctx context.Context) orchestrator.WorkerStatus
	StartMonitor(ctx context.Context) error
	StopMonitor() error
	MonitorStatus() (monitor.Status, error)
	FullStatus(ctx context.Context) orchestrator.FullStatus
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Control    Control
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the control-surface server.
func NewServer(cfg config.Config, ctl Control, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Control: ctl, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type createProjectRequest struct {
	Name         string `json:"name" validate:"omitempty,max=100"`
	Requirements string `json:"requirements" validate:"required,min=3"`
}

// CreateProjectHandler registers a new project from a natural-language idea.
func (s *Server) CreateProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProjectRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.Name != "" {
			if res := ValidateProjectName(req.Name); !res.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid project name", domain.ErrInvalidArgument), res.Errors)
				return
			}
		}
		p, err := s.Control.CreateProject(req.Name, SanitizeRequirements(req.Requirements))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

// ListProjectsHandler returns every registered project.
func (s *Server) ListProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"projects": s.Control.ListProjects()})
	}
}

// SwitchProjectHandler makes the named project active.
func (s *Server) SwitchProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if res := ValidateProjectName(name); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid project name", domain.ErrInvalidArgument), res.Errors)
			return
		}
		// The incoming project's monitor outlives the request.
		p, err := s.Control.SwitchProject(context.WithoutCancel(r.Context()), name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// DeleteProjectHandler removes the named project from the registry.
func (s *Server) DeleteProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if res := ValidateProjectName(name); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid project name", domain.ErrInvalidArgument), res.Errors)
			return
		}
		if err := s.Control.DeleteProject(name); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
	}
}

// RunPipelineHandler drives the full pipeline for the active project.
// The run is synchronous; long stages are bounded by their own timeouts,
// so the route is mounted outside the request-timeout middleware group.
func (s *Server) RunPipelineHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The final stage launches the pool and monitor; they must not die
		// when the response is written.
		res, err := s.Control.RunFullPipeline(context.WithoutCancel(r.Context()))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// AssignIssuesHandler classifies and queues the active project's open issues.
func (s *Server) AssignIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := s.Control.AssignIssues(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// RunTestsHandler runs the active project's test suites on demand.
func (s *Server) RunTestsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.Control.RunTests(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// DeployHandler ships the active project. ?redeploy=1 overrides the
// already-deployed refusal.
func (s *Server) DeployHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redeploy := r.URL.Query().Get("redeploy") == "1" || r.URL.Query().Get("redeploy") == "true"
		res, err := s.Control.Deploy(r.Context(), redeploy)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// WorkersStartHandler launches the worker pool.
func (s *Server) WorkersStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Workers outlive the request; the pool runs on the server context.
		if err := s.Control.StartWorkers(context.WithoutCancel(r.Context())); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"running": true})
	}
}

// WorkersStopHandler stops the worker pool at the next loop boundary.
func (s *Server) WorkersStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Control.StopWorkers()
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
	}
}

// WorkersStatusHandler reports pool state, queue depths, and snapshots.
func (s *Server) WorkersStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Control.WorkerStatus(r.Context()))
	}
}

// MonitorStartHandler starts CI monitoring for the active project.
func (s *Server) MonitorStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Control.StartMonitor(context.WithoutCancel(r.Context())); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"running": true})
	}
}

// MonitorStopHandler stops the active project's monitor.
func (s *Server) MonitorStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Control.StopMonitor(); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
	}
}

// MonitorStatusHandler reports the active project's monitor state.
func (s *Server) MonitorStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Control.MonitorStatus()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// StatusHandler is the aggregate status document.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Control.FullStatus(r.Context()))
	}
}

// ReadyzHandler reports readiness: the broker must answer a ping.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RedisCheck != nil {
			if err := s.RedisCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unready", "redis": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument)
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
