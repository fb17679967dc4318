package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbotlabs/ai-dev-pipeline/internal/agent"
	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/orchestrator"
)

// fakeForge implements the slice of domain.Forge the orchestrator and the
// agents it drives exercise. The embedded interface panics on anything else.
type fakeForge struct {
	domain.Forge

	mu sync.Mutex

	createRepoErr error
	repoInfo      *domain.RepoInfo

	issues        []domain.Issue
	listIssuesErr error

	comments []string
	runs     []domain.WorkflowRun
}

func (f *fakeForge) CreateRepo(ctx domain.Context, name, description string, private bool, gitignoreTemplate string) (*domain.RepoInfo, error) {
	if f.createRepoErr != nil {
		return nil, f.createRepoErr
	}
	if f.repoInfo != nil {
		return f.repoInfo, nil
	}
	return &domain.RepoInfo{Name: name, URL: "https://github.test/" + name}, nil
}

func (f *fakeForge) GetRepo(ctx domain.Context, repo string) (*domain.RepoInfo, error) {
	return &domain.RepoInfo{Name: repo, URL: "https://github.test/" + repo}, nil
}

func (f *fakeForge) CreateBranch(ctx domain.Context, repo, branch, from string) error { return nil }

func (f *fakeForge) ProtectBranch(ctx domain.Context, repo, branch string, requiredReviews int) error {
	return nil
}

func (f *fakeForge) CreateLabels(ctx domain.Context, repo string, labels []domain.Label) error {
	return nil
}

func (f *fakeForge) CreateOrUpdateFile(ctx domain.Context, repo, path, message, content, branch string) error {
	return nil
}

func (f *fakeForge) CreateIssue(ctx domain.Context, repo, title, body string, labels []string) (*domain.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := domain.Issue{Number: len(f.issues) + 1, Title: title, Body: body, Labels: labels, State: "open"}
	f.issues = append(f.issues, issue)
	return &issue, nil
}

func (f *fakeForge) Comment(ctx domain.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeForge) ListIssues(ctx domain.Context, repo, state string, labels []string) ([]domain.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listIssuesErr != nil {
		return nil, f.listIssuesErr
	}
	return append([]domain.Issue(nil), f.issues...), nil
}

func (f *fakeForge) ListWorkflowRuns(ctx domain.Context, repo, branch string) ([]domain.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.WorkflowRun(nil), f.runs...), nil
}

func (f *fakeForge) setIssues(issues ...domain.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = issues
}

func (f *fakeForge) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

// fakeGen records generation requests and plays back scripted outputs in
// order, repeating the last one. onRun simulates the CLI's file side
// effects.
type fakeGen struct {
	mu    sync.Mutex
	reqs  []domain.GenRequest
	outs  []domain.GenOutput
	err   error
	onRun func(req domain.GenRequest)
}

func (g *fakeGen) run(req domain.GenRequest) (domain.GenOutput, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	n := len(g.reqs)
	g.mu.Unlock()
	if g.onRun != nil {
		g.onRun(req)
	}
	var out domain.GenOutput
	if len(g.outs) > 0 {
		i := n - 1
		if i >= len(g.outs) {
			i = len(g.outs) - 1
		}
		out = g.outs[i]
	}
	return out, g.err
}

func (g *fakeGen) Run(ctx domain.Context, req domain.GenRequest) (domain.GenOutput, error) {
	return g.run(req)
}

func (g *fakeGen) RunHealing(ctx domain.Context, req domain.GenRequest) (domain.GenOutput, error) {
	return g.run(req)
}

func (g *fakeGen) Diagnose(ctx domain.Context, dir, subject, failure string) string {
	return "diagnosis unavailable"
}

func (g *fakeGen) requests() []domain.GenRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.GenRequest(nil), g.reqs...)
}

type fakePusher struct {
	mu     sync.Mutex
	pushes int
}

func (p *fakePusher) EnsureWorkspace(ctx domain.Context, workdir, repo string) error { return nil }

func (p *fakePusher) Push(ctx domain.Context, workdir, repo, branch, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes++
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *fakeBus) Publish(ctx domain.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBus) Subscribe(ctx domain.Context, recipients ...string) (<-chan domain.Event, error) {
	return make(chan domain.Event), nil
}

type enqueued struct {
	task     domain.Task
	priority float64
}

// fakeStore records enqueues and reports depths from them. ClaimNext never
// hands tasks back, so started worker loops stay idle during tests.
type fakeStore struct {
	domain.AssignmentStore

	mu         sync.Mutex
	enqueued   []enqueued
	enqueueErr error
}

func (s *fakeStore) Enqueue(ctx domain.Context, task domain.Task, priority float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.enqueued = append(s.enqueued, enqueued{task: task, priority: priority})
	return nil
}

func (s *fakeStore) ClaimNext(ctx domain.Context, kind domain.AgentKind) (*domain.Task, error) {
	return nil, nil
}

func (s *fakeStore) QueueDepth(ctx domain.Context, kind domain.AgentKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.enqueued {
		if e.task.AgentKind == kind {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.enqueued))
	for _, e := range s.enqueued {
		out = append(out, e.task)
	}
	return out
}

func (s *fakeStore) priorities() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, 0, len(s.enqueued))
	for _, e := range s.enqueued {
		out = append(out, e.priority)
	}
	return out
}

type fakeDeployer struct {
	mu    sync.Mutex
	res   domain.DeployResult
	calls []string
}

func (d *fakeDeployer) Deploy(ctx domain.Context, p *domain.Project) domain.DeployResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, p.Name)
	return d.res
}

func (d *fakeDeployer) setResult(res domain.DeployResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.res = res
}

func (d *fakeDeployer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type lifecycleRecord struct {
	repo  string
	issue int
	event string
	agent domain.AgentKind
}

type fakeLog struct {
	mu      sync.Mutex
	actions []string
	tasks   []lifecycleRecord
}

func (l *fakeLog) AgentAction(agent domain.AgentKind, action, status string, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action+":"+status)
}

func (l *fakeLog) GenCall(rec domain.GenCallRecord) {}

func (l *fakeLog) ForgeOp(op, repo, status string, details map[string]any) {}

func (l *fakeLog) TaskLifecycle(repo string, issue int, event string, agent domain.AgentKind, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, lifecycleRecord{repo: repo, issue: issue, event: event, agent: agent})
}

func (l *fakeLog) actionList() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.actions...)
}

func (l *fakeLog) lifecycle() []lifecycleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lifecycleRecord(nil), l.tasks...)
}

type fixture struct {
	t        *testing.T
	cfg      config.Config
	forge    *fakeForge
	gen      *fakeGen
	pusher   *fakePusher
	bus      *fakeBus
	store    *fakeStore
	deployer *fakeDeployer
	logrec   *fakeLog
	orch     *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:        t,
		forge:    &fakeForge{},
		gen:      &fakeGen{},
		pusher:   &fakePusher{},
		bus:      &fakeBus{},
		store:    &fakeStore{},
		deployer: &fakeDeployer{},
		logrec:   &fakeLog{},
	}
	f.cfg = config.Config{
		ProjectsDir:         t.TempDir(),
		WorkerPollInterval:  10 * time.Millisecond,
		MonitorPollInterval: 20 * time.Millisecond,
		MaxFixAttempts:      3,
		WorkerStallAfter:    10 * time.Minute,
		MinTestCoverage:     80,
		TestRunTimeout:      time.Second,
	}
	genFor := func(domain.AgentKind) domain.GenRunner { return f.gen }
	agents := agent.NewRegistry(agent.Deps{
		Forge:  f.forge,
		GenFor: genFor,
		Pusher: f.pusher,
		Bus:    f.bus,
		Store:  f.store,
		Cfg:    f.cfg,
	})
	f.orch = orchestrator.New(f.cfg, orchestrator.Deps{
		Agents:   agents,
		Store:    f.store,
		Forge:    f.forge,
		Pusher:   f.pusher,
		Bus:      f.bus,
		Deployer: f.deployer,
		Log:      f.logrec,
		GenFor:   genFor,
	})
	t.Cleanup(f.orch.Close)
	return f
}

// seed writes a project metadata file the way a previous run would have,
// with an explicit mtime so Restore's newest-wins choice is deterministic.
func (f *fixture) seed(name, repo, deployURL string, mtime time.Time) {
	f.t.Helper()
	dir := filepath.Join(f.cfg.ProjectsDir, name)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	p := domain.Project{
		Name:         name,
		Path:         dir,
		Requirements: "seeded",
		Repo:         repo,
		Status:       domain.ProjectReady,
		CreatedAt:    mtime.UTC(),
		DeployURL:    deployURL,
	}
	raw, err := json.Marshal(p)
	require.NoError(f.t, err)
	metaPath := filepath.Join(dir, domain.MetadataFile)
	require.NoError(f.t, os.WriteFile(metaPath, raw, 0o644))
	require.NoError(f.t, os.Chtimes(metaPath, mtime, mtime))
}

func (f *fixture) restore(wantN int) {
	f.t.Helper()
	n, err := f.orch.Restore()
	require.NoError(f.t, err)
	require.Equal(f.t, wantN, n)
}

// scriptPipelineCLI simulates the generation CLI's file side effects for a
// full pipeline run: it materializes the PRD and an extracted-stories file
// whose labels route to three different agents.
func scriptPipelineCLI(t *testing.T) func(req domain.GenRequest) {
	t.Helper()
	stories := `[
  {"title": "Add login API endpoint", "description": "As a user I want to log in", "acceptance_criteria": ["works"], "priority": "high", "story_points": 5, "labels": ["feature", "backend"], "epic": "Auth"},
  {"title": "Build dashboard page", "description": "As a user I want a dashboard", "acceptance_criteria": ["renders"], "priority": "medium", "story_points": 3, "labels": ["frontend"], "epic": "UI"},
  {"title": "Design orders schema migration", "description": "As a developer I need the schema", "acceptance_criteria": ["migrates"], "priority": "high", "story_points": 5, "labels": ["database"], "epic": "Data"}
]`
	return func(req domain.GenRequest) {
		docs := filepath.Join(req.Dir, "docs")
		switch {
		case strings.Contains(req.Prompt, "EXTRACTED_STORIES.json"):
			if err := os.MkdirAll(docs, 0o755); err != nil {
				t.Error(err)
				return
			}
			if err := os.WriteFile(filepath.Join(docs, "EXTRACTED_STORIES.json"), []byte(stories), 0o644); err != nil {
				t.Error(err)
			}
		case strings.Contains(req.Prompt, "PRD.md"):
			if err := os.MkdirAll(docs, 0o755); err != nil {
				t.Error(err)
				return
			}
			if err := os.WriteFile(filepath.Join(docs, "PRD.md"), []byte("# PRD\n\nUser stories live here."), 0o644); err != nil {
				t.Error(err)
			}
		}
	}
}

func stepNames(res *orchestrator.PipelineResult) []string {
	names := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestCreateProject_RegistersAndActivates(t *testing.T) {
	f := newFixture(t)

	p, err := f.orch.CreateProject("shop-api", "Build a shop API")
	require.NoError(t, err)
	assert.Equal(t, "shop-api", p.Name)
	assert.Equal(t, domain.ProjectReady, p.Status)
	assert.DirExists(t, filepath.Join(p.Path, "docs"))
	assert.FileExists(t, filepath.Join(p.Path, domain.MetadataFile))

	_, err = f.orch.CreateProject("shop-api", "again")
	require.ErrorIs(t, err, domain.ErrConflict)

	require.Len(t, f.orch.ListProjects(), 1)
}

func TestCreateProject_GeneratesTimestampedName(t *testing.T) {
	f := newFixture(t)

	p, err := f.orch.CreateProject("   ", "whatever")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Name, "project_"), "name %q", p.Name)
	assert.Len(t, p.Name, len("project_20060102_150405"))
}

func TestSwitchProject_MovesActiveAndMonitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	f.seed("alpha", "alpha", "", base)
	f.seed("beta", "beta", "", base.Add(time.Minute))
	f.restore(2)

	_, err := f.orch.SwitchProject(ctx, "alpha")
	require.NoError(t, err)
	st, err := f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.Equal(t, "alpha", st.Repo)
	assert.True(t, st.Running)

	_, err = f.orch.SwitchProject(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.SwitchProject(ctx, "beta")
	require.NoError(t, err)
	st, err = f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.Equal(t, "beta", st.Repo)
	assert.True(t, st.Running)
}

func TestRunFullPipeline_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.gen.onRun = scriptPipelineCLI(t)

	_, err := f.orch.CreateProject("shop-api", "Build a shop API with auth and a dashboard")
	require.NoError(t, err)

	res, err := f.orch.RunFullPipeline(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"PRD Creation", "Project Setup", "Issue Assignment",
		"QA Configuration", "Workers", "Monitor",
	}, stepNames(res))
	assert.Equal(t, res.Total, res.Succeeded)

	list := f.orch.ListProjects()
	require.Len(t, list, 1)
	p := list[0]
	assert.Equal(t, "shop-api", p.Repo)
	assert.Equal(t, domain.ProjectPipelineComplete, p.Status)

	// One queued task per extracted story, routed by classification.
	tasks := f.store.tasks()
	require.Len(t, tasks, 3)
	kinds := map[domain.AgentKind]bool{}
	for _, task := range tasks {
		assert.Equal(t, domain.TaskImplementFeature, task.Kind)
		assert.Equal(t, "shop-api", task.Repo)
		kinds[task.AgentKind] = true
	}
	assert.True(t, kinds[domain.AgentBackend], "backend task missing: %v", kinds)
	assert.True(t, kinds[domain.AgentFrontend], "frontend task missing: %v", kinds)
	assert.True(t, kinds[domain.AgentDatabase], "database task missing: %v", kinds)

	raw, err := os.ReadFile(filepath.Join(p.Path, domain.QAConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"min_coverage": 80`)

	ws := f.orch.WorkerStatus(context.Background())
	assert.True(t, ws.Running)
	ms, err := f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.True(t, ms.Running)
	assert.Equal(t, "shop-api", ms.Repo)

	assert.Contains(t, f.logrec.actionList(), "create_prd:success")
	assert.Contains(t, f.logrec.actionList(), "setup_project:success")
	assert.Len(t, f.logrec.lifecycle(), 3)
}

func TestRunFullPipeline_PRDFailureAbortsAndReverts(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("cli exploded")

	_, err := f.orch.CreateProject("shop-api", "req")
	require.NoError(t, err)

	res, err := f.orch.RunFullPipeline(context.Background())
	require.Error(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "PRD Creation", res.Steps[0].Name)
	assert.False(t, res.Steps[0].Success)
	assert.Equal(t, 0, res.Succeeded)

	p := f.orch.ListProjects()[0]
	assert.Equal(t, domain.ProjectReady, p.Status)
	assert.Empty(t, p.Repo)
	assert.Empty(t, f.store.tasks())
	assert.False(t, f.orch.WorkerStatus(context.Background()).Running)
	assert.Contains(t, f.logrec.actionList(), "create_prd:failed")
}

func TestRunFullPipeline_SetupFailureAbortsAndReverts(t *testing.T) {
	f := newFixture(t)
	f.gen.onRun = scriptPipelineCLI(t)
	f.forge.createRepoErr = errors.New("github down")

	_, err := f.orch.CreateProject("shop-api", "req")
	require.NoError(t, err)

	res, err := f.orch.RunFullPipeline(context.Background())
	require.Error(t, err)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].Success)
	assert.False(t, res.Steps[1].Success)
	assert.Equal(t, "Project Setup", res.Steps[1].Name)

	p := f.orch.ListProjects()[0]
	assert.Equal(t, domain.ProjectReady, p.Status)
	assert.Empty(t, p.Repo)
}

func TestAssignIssues_ClassifiesAndQueues(t *testing.T) {
	f := newFixture(t)
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)
	f.forge.setIssues(
		domain.Issue{Number: 3, Title: "Add REST api endpoint", State: "open"},
		domain.Issue{Number: 5, Title: "Dashboard layout broken on mobile", Labels: []string{"ui"}, State: "open"},
		domain.Issue{Number: 9, Title: "Add orders table migration", State: "open"},
	)

	report, err := f.orch.AssignIssues(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "shop-api", report.Repo)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Assigned)
	require.Len(t, report.Assignments, 3)
	assert.Equal(t, domain.AgentBackend, report.Assignments[0].Kind)
	assert.Equal(t, domain.AgentFrontend, report.Assignments[1].Kind)
	assert.Equal(t, domain.AgentDatabase, report.Assignments[2].Kind)
	assert.Equal(t, []int{3}, report.ByKind[domain.AgentBackend])
	assert.Equal(t, []int{5}, report.ByKind[domain.AgentFrontend])
	assert.Equal(t, []int{9}, report.ByKind[domain.AgentDatabase])

	// Older issues carry lower priority scores and run first.
	assert.Equal(t, []float64{3, 5, 9}, f.store.priorities())
	assert.Equal(t, 3, f.forge.commentCount())

	records := f.logrec.lifecycle()
	require.Len(t, records, 3)
	assert.Equal(t, "assigned", records[0].event)
	assert.Equal(t, domain.AgentBackend, records[0].agent)
}

func TestAssignIssues_CapsBatchAtFifty(t *testing.T) {
	f := newFixture(t)
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)

	issues := make([]domain.Issue, 0, 60)
	for i := 1; i <= 60; i++ {
		issues = append(issues, domain.Issue{Number: i, Title: fmt.Sprintf("Add api endpoint %d", i), State: "open"})
	}
	f.forge.setIssues(issues...)

	report, err := f.orch.AssignIssues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, report.Total)
	assert.Equal(t, 50, report.Assigned)
	assert.Len(t, f.store.tasks(), 50)
}

func TestAssignIssues_RequiresRepo(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateProject("local-only", "req")
	require.NoError(t, err)

	_, err = f.orch.AssignIssues(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAssignIssues_EnqueueFailuresSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)
	f.store.enqueueErr = errors.New("broker down")
	f.forge.setIssues(
		domain.Issue{Number: 1, Title: "Add api endpoint", State: "open"},
		domain.Issue{Number: 2, Title: "Build settings page", State: "open"},
	)

	report, err := f.orch.AssignIssues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 0, report.Assigned)
	assert.Empty(t, report.Assignments)
	assert.Empty(t, f.store.tasks())
}

func TestRunTests_ReportsVerdictAndCoverage(t *testing.T) {
	f := newFixture(t)
	p, err := f.orch.CreateProject("shop-api", "req")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p.Path, "requirements.txt"), []byte("pytest\nflask\n"), 0o644))
	f.gen.outs = []domain.GenOutput{{Output: "15 passed in 1.2s\nTOTAL 200 16 92%"}}

	run, err := f.orch.RunTests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shop-api", run.Project)
	assert.True(t, run.Passed)
	assert.Equal(t, "Tests passed", run.Summary)
	require.NotNil(t, run.Coverage)
	assert.Equal(t, 92.0, *run.Coverage)

	reqs := f.gen.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "pytest")
	assert.Equal(t, p.Path, reqs[0].Dir)
}

func TestRunTests_FailureTruncatesOutput(t *testing.T) {
	f := newFixture(t)
	p, err := f.orch.CreateProject("shop-api", "req")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p.Path, "requirements.txt"), []byte("pytest\n"), 0o644))
	f.gen.outs = []domain.GenOutput{{Output: strings.Repeat("E", 1200) + "\n2 failed, 1 passed"}}

	run, err := f.orch.RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, run.Passed)
	assert.Equal(t, "Tests failed", run.Summary)
	assert.Len(t, run.Output, 1000)
	assert.Nil(t, run.Coverage)
}

func TestRunTests_NoFrameworkPasses(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateProject("empty", "req")
	require.NoError(t, err)

	run, err := f.orch.RunTests(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Passed)
	assert.Equal(t, "No tests to run", run.Summary)
	assert.Empty(t, f.gen.requests())
}

func TestDeploy_RefusesSecondDeployWithoutFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)
	f.deployer.setResult(domain.DeployResult{Success: true, URL: "https://shop-api.apps.example.com", Port: 3001})

	res, err := f.orch.Deploy(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Success)

	p := f.orch.ListProjects()[0]
	assert.Equal(t, domain.ProjectDeployed, p.Status)
	assert.Equal(t, "https://shop-api.apps.example.com", p.DeployURL)

	_, err = f.orch.Deploy(ctx, false)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, f.deployer.callCount())

	f.deployer.setResult(domain.DeployResult{Success: true, URL: "https://v2.apps.example.com", Port: 3001})
	res, err = f.orch.Deploy(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.deployer.callCount())
	assert.Equal(t, "https://v2.apps.example.com", f.orch.ListProjects()[0].DeployURL)
}

func TestDeploy_FailureLeavesProjectUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)
	f.deployer.setResult(domain.DeployResult{Success: false, Error: "image build failed"})

	res, err := f.orch.Deploy(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "image build failed", res.Error)

	p := f.orch.ListProjects()[0]
	assert.Equal(t, domain.ProjectReady, p.Status)
	assert.Empty(t, p.DeployURL)
}

func TestWorkers_StartStopStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Enqueue(ctx, domain.Task{Kind: domain.TaskImplementFeature, AgentKind: domain.AgentBackend}, 1))
	require.NoError(t, f.store.Enqueue(ctx, domain.Task{Kind: domain.TaskImplementFeature, AgentKind: domain.AgentBackend}, 2))
	require.NoError(t, f.store.Enqueue(ctx, domain.Task{Kind: domain.TaskReviewPR, AgentKind: domain.AgentQA}, 3))

	require.NoError(t, f.orch.StartWorkers(ctx))
	require.ErrorIs(t, f.orch.StartWorkers(ctx), domain.ErrConflict)

	st := f.orch.WorkerStatus(ctx)
	assert.True(t, st.Running)
	assert.Len(t, st.Workers, len(domain.WorkerKinds()))
	assert.Equal(t, int64(2), st.Queues[domain.AgentBackend])
	assert.Equal(t, int64(1), st.Queues[domain.AgentQA])
	assert.Equal(t, int64(0), st.Queues[domain.AgentFrontend])

	f.orch.StopWorkers()
	assert.False(t, f.orch.WorkerStatus(ctx).Running)
}

func TestMonitor_StartRequiresRepo(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateProject("local-only", "req")
	require.NoError(t, err)

	require.ErrorIs(t, f.orch.StartMonitor(context.Background()), domain.ErrInvalidArgument)

	st, err := f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.Repo)
}

func TestMonitor_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)

	require.NoError(t, f.orch.StartMonitor(ctx))
	st, err := f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "shop-api", st.Repo)

	require.NoError(t, f.orch.StopMonitor())
	st, err = f.orch.MonitorStatus()
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestControlSurface_NoActiveProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.RunFullPipeline(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.orch.AssignIssues(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.orch.RunTests(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.orch.Deploy(ctx, false)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, f.orch.StartMonitor(ctx), domain.ErrNotFound)
	require.ErrorIs(t, f.orch.StopMonitor(), domain.ErrNotFound)
	_, err = f.orch.MonitorStatus()
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFullStatus_AggregatesProjectsWorkersMonitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	f.seed("alpha", "", "", base)
	f.seed("beta", "beta-repo", "", base.Add(time.Minute))
	f.restore(2)
	require.NoError(t, f.store.Enqueue(ctx, domain.Task{Kind: domain.TaskImplementFeature, AgentKind: domain.AgentBackend}, 1))

	st := f.orch.FullStatus(ctx)

	require.Len(t, st.Projects, 2)
	assert.Equal(t, "alpha", st.Projects[0].Name)
	assert.False(t, st.Projects[0].Active)
	assert.Equal(t, "beta", st.Projects[1].Name)
	assert.True(t, st.Projects[1].Active)

	assert.False(t, st.Workers.Running)
	assert.Equal(t, int64(1), st.Workers.Queues[domain.AgentBackend])
	assert.Equal(t, "beta-repo", st.Monitor.Repo)
	assert.False(t, st.Monitor.Running)
}

func TestDeleteProject_StopsMonitorAndForgets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed("shop-api", "shop-api", "", time.Now())
	f.restore(1)
	require.NoError(t, f.orch.StartMonitor(ctx))

	require.NoError(t, f.orch.DeleteProject("shop-api"))

	assert.Empty(t, f.orch.ListProjects())
	_, err := f.orch.MonitorStatus()
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.ErrorIs(t, f.orch.DeleteProject("shop-api"), domain.ErrNotFound)
}
