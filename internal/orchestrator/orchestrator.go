// Package orchestrator is the pipeline control plane. It owns the project
// registry, drives the product- and project-manager agents through the full
// pipeline, routes open issues to worker queues, and manages the worker pool
// and per-project CI monitors.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/agent"
	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/monitor"
	"github.com/devbotlabs/ai-dev-pipeline/internal/worker"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// maxAssignIssues caps one bulk assignment pass.
const maxAssignIssues = 50

// testOutputLimit caps the transcript returned from an on-demand test run.
const testOutputLimit = 1000

// Deps are the orchestrator's collaborators. Bus and Log may be nil;
// notifications and interaction records are then dropped.
type Deps struct {
	Agents   *agent.Registry
	Store    domain.AssignmentStore
	Forge    domain.Forge
	Pusher   domain.RepoPusher
	Bus      domain.EventBus
	Deployer domain.Deployer
	Log      domain.InteractionLog
	GenFor   func(kind domain.AgentKind) domain.GenRunner
}

// Orchestrator coordinates projects, agents, workers, and monitors behind
// the control API.
type Orchestrator struct {
	cfg      config.Config
	reg      *Registry
	agents   *agent.Registry
	store    domain.AssignmentStore
	forge    domain.Forge
	pusher   domain.RepoPusher
	bus      domain.EventBus
	deployer domain.Deployer
	log      domain.InteractionLog
	genFor   func(kind domain.AgentKind) domain.GenRunner
	pool     *worker.Pool

	mu       sync.Mutex
	monitors map[string]*monitor.Monitor

	now func() time.Time
}

// New wires an orchestrator. Call Restore before serving so persisted
// projects survive restarts; workers and monitors start through the control
// surface or a pipeline run.
func New(cfg config.Config, d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		reg:      NewRegistry(cfg.ProjectsDir),
		agents:   d.Agents,
		store:    d.Store,
		forge:    d.Forge,
		pusher:   d.Pusher,
		bus:      d.Bus,
		deployer: d.Deployer,
		log:      d.Log,
		genFor:   d.GenFor,
		monitors: make(map[string]*monitor.Monitor),
		now:      time.Now,
	}
	o.pool = worker.NewPool(d.Store, d.Agents, d.Forge, worker.Options{
		PollInterval: cfg.WorkerPollInterval,
		DrainHook:    o.autoDeploy,
		GenFor:       d.GenFor,
	})
	return o
}

// Restore reloads persisted projects from the workspace directory.
func (o *Orchestrator) Restore() (int, error) {
	return o.reg.Restore()
}

// CreateProject registers a new project and creates its working directory.
// An empty name gets a timestamped one. The new project becomes active.
func (o *Orchestrator) CreateProject(name, requirements string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "project_" + o.now().Format("20060102_150405")
	}
	p := domain.Project{
		Name:         name,
		Path:         filepath.Join(o.cfg.ProjectsDir, name),
		Requirements: requirements,
		Status:       domain.ProjectReady,
		CreatedAt:    o.now().UTC(),
	}
	if err := os.MkdirAll(filepath.Join(p.Path, "docs"), 0o755); err != nil {
		return domain.Project{}, fmt.Errorf("create project dir %s: %w", p.Path, err)
	}
	if err := o.reg.Add(p); err != nil {
		return domain.Project{}, err
	}
	slog.Info("project created", slog.String("project", p.Name), slog.String("path", p.Path))
	return p, nil
}

// ListProjects returns every registered project, oldest first.
func (o *Orchestrator) ListProjects() []domain.Project {
	return o.reg.List()
}

// SwitchProject makes the named project active, stops the outgoing
// project's monitor, and starts the incoming one when it has a repository.
func (o *Orchestrator) SwitchProject(ctx context.Context, name string) (domain.Project, error) {
	prev, hadPrev := o.reg.Active()
	if err := o.reg.SetActive(name); err != nil {
		return domain.Project{}, err
	}
	next, _ := o.reg.Get(name)

	if hadPrev && prev.Name != name {
		o.stopMonitorNamed(prev.Name)
	}
	if next.Repo != "" {
		o.monitorFor(next).Start(ctx)
	}
	slog.Info("switched project", slog.String("project", name))
	return next, nil
}

// DeleteProject forgets the project and stops its monitor. The working tree
// stays on disk.
func (o *Orchestrator) DeleteProject(name string) error {
	o.mu.Lock()
	m := o.monitors[name]
	delete(o.monitors, name)
	o.mu.Unlock()
	if m != nil {
		m.Stop()
	}
	return o.reg.Delete(name)
}

// PipelineStep is one recorded stage of a full pipeline run.
type PipelineStep struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PipelineResult reports what a full pipeline run accomplished.
type PipelineResult struct {
	Project   string         `json:"project"`
	Steps     []PipelineStep `json:"steps"`
	Succeeded int            `json:"succeeded"`
	Total     int            `json:"total"`
}

func (res *PipelineResult) record(name string, success bool, message string) {
	res.Steps = append(res.Steps, PipelineStep{Name: name, Success: success, Message: message})
	res.Total++
	if success {
		res.Succeeded++
	}
}

// RunFullPipeline drives the active project end to end: PRD, repository
// setup, issue assignment, QA gate config, then workers and the CI monitor.
// PRD and setup failures abort the run and revert the project to ready;
// later stages are best effort and only recorded.
func (o *Orchestrator) RunFullPipeline(ctx context.Context) (*PipelineResult, error) {
	p, ok := o.reg.Active()
	if !ok {
		return nil, fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	res := &PipelineResult{Project: p.Name}

	if err := o.reg.Update(p.Name, func(pr *domain.Project) {
		pr.Status = domain.ProjectPipelineRunning
	}); err != nil {
		return nil, err
	}
	o.notify(ctx, fmt.Sprintf("🚀 Starting full pipeline for `%s`...", p.Name))

	prdPath, err := o.agents.ProductManager().CreatePRD(ctx, p.Path, p.Name, p.Requirements)
	if err != nil {
		res.record("PRD Creation", false, err.Error())
		o.logAction(domain.AgentProductManager, "create_prd", "failed", map[string]any{"project": p.Name})
		o.revertStatus(p.Name)
		return res, fmt.Errorf("create PRD: %w", err)
	}
	res.record("PRD Creation", true, prdPath)
	o.logAction(domain.AgentProductManager, "create_prd", "success",
		map[string]any{"project": p.Name, "prd": prdPath})

	setup, err := o.agents.ProjectManager().SetupCompleteProject(ctx, p.Name,
		"Automated project: "+p.Name, p.Path)
	if err != nil {
		res.record("Project Setup", false, err.Error())
		o.logAction(domain.AgentProjectManager, "setup_project", "failed", map[string]any{"project": p.Name})
		o.revertStatus(p.Name)
		return res, fmt.Errorf("set up project: %w", err)
	}
	res.record("Project Setup", true, fmt.Sprintf("%s (%d issues)", setup.RepoURL, setup.IssuesCreated))
	o.logAction(domain.AgentProjectManager, "setup_project", "success",
		map[string]any{"project": p.Name, "repo": setup.Repo, "issues": setup.IssuesCreated})

	stack := DetectStack(p.Path)
	if err := o.reg.Update(p.Name, func(pr *domain.Project) {
		pr.Repo = setup.Repo
		pr.Stack = stack
	}); err != nil {
		return res, fmt.Errorf("record repository: %w", err)
	}

	if report, err := o.AssignIssues(ctx); err != nil {
		res.record("Issue Assignment", false, err.Error())
	} else {
		res.record("Issue Assignment", true,
			fmt.Sprintf("Assigned %d issues to specialized agents", report.Assigned))
	}

	if err := writeQAConfig(p.Path, o.cfg.MinTestCoverage); err != nil {
		res.record("QA Configuration", false, err.Error())
	} else {
		res.record("QA Configuration", true,
			fmt.Sprintf("QA agent configured (min coverage: %d%%)", o.cfg.MinTestCoverage))
	}

	if err := o.pool.Start(ctx); err != nil && !errors.Is(err, domain.ErrConflict) {
		res.record("Workers", false, err.Error())
	} else {
		res.record("Workers", true, "worker pool running")
	}

	if err := o.StartMonitor(ctx); err != nil {
		res.record("Monitor", false, err.Error())
	} else {
		res.record("Monitor", true, "CI monitor running")
	}

	if err := o.reg.Update(p.Name, func(pr *domain.Project) {
		pr.Status = domain.ProjectPipelineComplete
	}); err != nil {
		return res, err
	}
	o.notify(ctx, fmt.Sprintf("🎉 Pipeline launched for `%s`: %d/%d steps succeeded. Workers are picking up tasks.",
		p.Name, res.Succeeded, res.Total))
	slog.Info("pipeline run complete",
		slog.String("project", p.Name),
		slog.Int("succeeded", res.Succeeded), slog.Int("total", res.Total))
	return res, nil
}

// revertStatus puts an aborted pipeline's project back to ready so a rerun
// is possible. Best effort.
func (o *Orchestrator) revertStatus(name string) {
	if err := o.reg.Update(name, func(pr *domain.Project) {
		pr.Status = domain.ProjectReady
	}); err != nil {
		slog.Warn("status revert failed", slog.String("project", name), slog.Any("error", err))
	}
}

// IssueAssignment is one routed issue inside an AssignReport.
type IssueAssignment struct {
	Issue      int              `json:"issue"`
	Title      string           `json:"title"`
	Kind       domain.AgentKind `json:"agent"`
	Confidence float64          `json:"confidence"`
}

// AssignReport summarizes one bulk assignment pass.
type AssignReport struct {
	Repo        string                     `json:"repo"`
	Total       int                        `json:"total"`
	Assigned    int                        `json:"assigned"`
	Assignments []IssueAssignment          `json:"assignments"`
	ByKind      map[domain.AgentKind][]int `json:"by_kind"`
}

// AssignIssues classifies the active project's open issues and queues each
// for its agent. Individual failures are logged and skipped so one bad
// issue cannot block the rest of the batch.
func (o *Orchestrator) AssignIssues(ctx context.Context) (*AssignReport, error) {
	p, ok := o.reg.Active()
	if !ok {
		return nil, fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	if p.Repo == "" {
		return nil, fmt.Errorf("%w: project %s has no upstream repository", domain.ErrInvalidArgument, p.Name)
	}
	issues, err := o.forge.ListIssues(ctx, p.Repo, "open", nil)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	report := &AssignReport{Repo: p.Repo, Total: len(issues), ByKind: make(map[domain.AgentKind][]int)}
	if len(issues) > maxAssignIssues {
		issues = issues[:maxAssignIssues]
	}

	pjm := o.agents.ProjectManager()
	for _, issue := range issues {
		c := ClassifyIssue(issue)
		if err := pjm.AssignIssue(ctx, p.Repo, issue.Number, c.AgentKind, p.Path); err != nil {
			slog.Error("issue assignment failed",
				slog.String("repo", p.Repo), slog.Int("issue", issue.Number), slog.Any("error", err))
			continue
		}
		report.Assigned++
		report.Assignments = append(report.Assignments, IssueAssignment{
			Issue: issue.Number, Title: issue.Title, Kind: c.AgentKind, Confidence: c.Confidence,
		})
		report.ByKind[c.AgentKind] = append(report.ByKind[c.AgentKind], issue.Number)
		o.logTask(p.Repo, issue.Number, "assigned", c.AgentKind,
			map[string]any{"confidence": c.Confidence})
	}
	slog.Info("bulk assignment complete",
		slog.String("repo", p.Repo), slog.Int("assigned", report.Assigned), slog.Int("open", report.Total))
	return report, nil
}

// TestRun is the outcome of an on-demand project test run.
type TestRun struct {
	Project  string   `json:"project"`
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary"`
	Coverage *float64 `json:"coverage,omitempty"`
	Output   string   `json:"output"`
}

// RunTests runs the active project's test suites through the QA agent.
func (o *Orchestrator) RunTests(ctx context.Context) (*TestRun, error) {
	p, ok := o.reg.Active()
	if !ok {
		return nil, fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	report := o.agents.QA().RunProjectTests(ctx, p.Path)
	return &TestRun{
		Project:  p.Name,
		Passed:   report.Passed,
		Summary:  report.Summary,
		Coverage: report.Coverage,
		Output:   textx.Truncate(report.Output, testOutputLimit),
	}, nil
}

// Deploy ships the active project. A project that already has a deploy URL
// is refused unless redeploy is set.
func (o *Orchestrator) Deploy(ctx context.Context, redeploy bool) (domain.DeployResult, error) {
	p, ok := o.reg.Active()
	if !ok {
		return domain.DeployResult{}, fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	if p.DeployURL != "" && !redeploy {
		return domain.DeployResult{}, fmt.Errorf("%w: project %s already deployed at %s",
			domain.ErrConflict, p.Name, p.DeployURL)
	}

	res := o.deployer.Deploy(ctx, &p)
	observability.ObserveDeploy(res.Success)
	if !res.Success {
		return res, nil
	}
	if err := o.reg.Update(p.Name, func(pr *domain.Project) {
		pr.Status = domain.ProjectDeployed
		pr.DeployURL = res.URL
	}); err != nil {
		slog.Warn("deploy metadata update failed", slog.String("project", p.Name), slog.Any("error", err))
	}
	return res, nil
}

// StartWorkers launches the worker pool. A second start returns ErrConflict.
func (o *Orchestrator) StartWorkers(ctx context.Context) error {
	return o.pool.Start(ctx)
}

// StopWorkers stops the pool and waits for in-flight tasks to finish.
func (o *Orchestrator) StopWorkers() {
	o.pool.Stop()
}

// WorkerStatus is the worker-pool view inside FullStatus.
type WorkerStatus struct {
	Running bool                       `json:"running"`
	Queues  map[domain.AgentKind]int64 `json:"queues"`
	Workers []domain.WorkerSnapshot    `json:"workers"`
}

// WorkerStatus reports pool state, per-kind queue depths, and worker
// snapshots. Unreachable queues are omitted rather than failing the whole
// status call.
func (o *Orchestrator) WorkerStatus(ctx context.Context) WorkerStatus {
	st := WorkerStatus{
		Running: o.pool.Running(),
		Queues:  make(map[domain.AgentKind]int64, len(domain.WorkerKinds())),
		Workers: o.pool.Snapshots(),
	}
	for _, kind := range domain.WorkerKinds() {
		depth, err := o.store.QueueDepth(ctx, kind)
		if err != nil {
			slog.Warn("queue depth unavailable", slog.String("agent", string(kind)), slog.Any("error", err))
			continue
		}
		st.Queues[kind] = depth
		observability.RecordQueueDepth(string(kind), depth)
	}
	return st
}

// StartMonitor starts CI monitoring for the active project.
func (o *Orchestrator) StartMonitor(ctx context.Context) error {
	p, ok := o.reg.Active()
	if !ok {
		return fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	if p.Repo == "" {
		return fmt.Errorf("%w: project %s has no upstream repository", domain.ErrInvalidArgument, p.Name)
	}
	o.monitorFor(p).Start(ctx)
	return nil
}

// StopMonitor stops the active project's monitor if one is running.
func (o *Orchestrator) StopMonitor() error {
	p, ok := o.reg.Active()
	if !ok {
		return fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	o.stopMonitorNamed(p.Name)
	return nil
}

// MonitorStatus reports the active project's monitor state. A project whose
// monitor never started reports a zero status carrying just the repo.
func (o *Orchestrator) MonitorStatus() (monitor.Status, error) {
	p, ok := o.reg.Active()
	if !ok {
		return monitor.Status{}, fmt.Errorf("%w: no active project", domain.ErrNotFound)
	}
	o.mu.Lock()
	m := o.monitors[p.Name]
	o.mu.Unlock()
	if m == nil {
		return monitor.Status{Repo: p.Repo}, nil
	}
	return m.Status(), nil
}

// ProjectView decorates a project with the active flag for status output.
type ProjectView struct {
	domain.Project
	Active bool `json:"active"`
}

// FullStatus is the aggregate control-surface status document.
type FullStatus struct {
	Projects []ProjectView  `json:"projects"`
	Workers  WorkerStatus   `json:"workers"`
	Monitor  monitor.Status `json:"monitor"`
}

// FullStatus gathers projects, worker state, and monitor state in one shot.
func (o *Orchestrator) FullStatus(ctx context.Context) FullStatus {
	active, _ := o.reg.Active()
	var views []ProjectView
	for _, p := range o.reg.List() {
		views = append(views, ProjectView{Project: p, Active: p.Name == active.Name})
	}
	st := FullStatus{Projects: views, Workers: o.WorkerStatus(ctx)}
	if ms, err := o.MonitorStatus(); err == nil {
		st.Monitor = ms
	}
	return st
}

// Close stops the worker pool and every monitor. Used at shutdown.
func (o *Orchestrator) Close() {
	o.pool.Stop()
	o.mu.Lock()
	ms := make([]*monitor.Monitor, 0, len(o.monitors))
	for _, m := range o.monitors {
		ms = append(ms, m)
	}
	o.mu.Unlock()
	for _, m := range ms {
		m.Stop()
	}
}

// autoDeploy fires when every task queue drains. It deploys the active
// project and broadcasts the outcome. Unlike the manual path there is no
// already-deployed refusal: a drain after new work always redeploys.
func (o *Orchestrator) autoDeploy(ctx context.Context) {
	p, ok := o.reg.Active()
	if !ok || p.Path == "" {
		return
	}
	slog.Info("all queues empty, triggering auto-deploy", slog.String("project", p.Name))

	res := o.deployer.Deploy(ctx, &p)
	observability.ObserveDeploy(res.Success)
	if !res.Success {
		errText := res.Error
		if errText == "" {
			errText = "unknown error"
		}
		o.notify(ctx, fmt.Sprintf("✅ **All tasks complete** for `%s`, but auto-deploy failed: %s",
			p.Name, textx.Truncate(errText, 200)))
		return
	}
	if err := o.reg.Update(p.Name, func(pr *domain.Project) {
		pr.Status = domain.ProjectDeployed
		pr.DeployURL = res.URL
	}); err != nil {
		slog.Warn("deploy metadata update failed", slog.String("project", p.Name), slog.Any("error", err))
	}
	o.notify(ctx, fmt.Sprintf("🎉 **All tasks complete!** `%s` has been deployed.\n🌐 Live at: %s",
		p.Name, res.URL))
}

// monitorFor returns the project's monitor, creating it on first use. CI
// fixes run through a devops-tagged generation runner.
func (o *Orchestrator) monitorFor(p domain.Project) *monitor.Monitor {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.monitors[p.Name]; ok {
		return m
	}
	m := monitor.New(p.Repo, p.Path, monitor.Deps{
		Forge:   o.forge,
		Gen:     o.genFor(domain.AgentDevOps),
		Pusher:  o.pusher,
		Bus:     o.bus,
		Workers: o.pool,
	}, monitor.Options{
		PollInterval:   o.cfg.MonitorPollInterval,
		MaxFixAttempts: o.cfg.MaxFixAttempts,
		StallAfter:     o.cfg.WorkerStallAfter,
	})
	o.monitors[p.Name] = m
	return m
}

func (o *Orchestrator) stopMonitorNamed(name string) {
	o.mu.Lock()
	m := o.monitors[name]
	o.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

func (o *Orchestrator) notify(ctx context.Context, message string) {
	slog.Info("notification", slog.String("message", message))
	if o.bus == nil {
		return
	}
	ev := domain.Event{
		Type:      domain.EventNotification,
		Sender:    "orchestrator",
		Recipient: domain.Broadcast,
		Content:   map[string]any{"message": message},
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		slog.Warn("notification publish failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) logAction(agent domain.AgentKind, action, status string, details map[string]any) {
	if o.log == nil {
		return
	}
	o.log.AgentAction(agent, action, status, details)
}

func (o *Orchestrator) logTask(repo string, issue int, event string, agent domain.AgentKind, details map[string]any) {
	if o.log == nil {
		return
	}
	o.log.TaskLifecycle(repo, issue, event, agent, details)
}

// writeQAConfig drops the per-project QA gate file the QA agent reads when
// reviewing pull requests.
func writeQAConfig(projectPath string, minCoverage int) error {
	cfg := struct {
		MinCoverage    int  `json:"min_coverage"`
		AutoReview     bool `json:"auto_review"`
		BlockOnFailure bool `json:"block_on_failure"`
	}{MinCoverage: minCoverage, AutoReview: true, BlockOnFailure: true}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(projectPath, domain.QAConfigFile), data, 0o644)
}

// DetectStack inspects a project directory for its technology stack. The
// label feeds issue prompts and deployment defaults.
func DetectStack(dir string) string {
	python := fileExists(filepath.Join(dir, "requirements.txt")) ||
		fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "setup.py"))
	node := fileExists(filepath.Join(dir, "package.json")) ||
		fileExists(filepath.Join(dir, "node_modules"))

	switch {
	case python && node:
		return "fullstack"
	case python:
		return "python"
	case node:
		return "node"
	case fileExists(filepath.Join(dir, "go.mod")):
		return "go"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
