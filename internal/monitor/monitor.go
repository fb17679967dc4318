// Package monitor watches one project's CI pipeline and the worker pool.
// Failed workflow runs are diagnosed and fixed through the generation CLI,
// bounded by a per-run attempt budget; workers stuck in working past the
// stall threshold are cooperatively reset.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// logExcerptLimit caps how much of a failing run's log is inlined into the
// fix prompt.
const logExcerptLimit = 5000

// WorkerTable is the view of the worker pool the health check needs.
type WorkerTable interface {
	Snapshots() []domain.WorkerSnapshot
	ResetWorker(kind domain.AgentKind)
}

// Deps are the monitor's collaborators. Workers and Bus may be nil; the
// corresponding checks and notifications are skipped.
type Deps struct {
	Forge   domain.Forge
	Gen     domain.GenRunner
	Pusher  domain.RepoPusher
	Bus     domain.EventBus
	Workers WorkerTable
}

// Options configure a Monitor. Zero values fall back to the default noted
// on each field.
type Options struct {
	// PollInterval is the sweep interval. Defaults to 30s.
	PollInterval time.Duration
	// MaxFixAttempts bounds auto-fix attempts per workflow run. Defaults to 3.
	MaxFixAttempts int
	// StallAfter is how long a worker may stay working before it counts as
	// stalled. Defaults to 10m.
	StallAfter time.Duration
}

// Status is the externally visible monitor state.
type Status struct {
	Running     bool          `json:"running"`
	Repo        string        `json:"repo"`
	FixAttempts map[int64]int `json:"fix_attempts"`
	HandledRuns int           `json:"handled_runs"`
}

// Monitor is the background watcher for one project. At most one loop runs
// per Monitor; Start on a running monitor is a no-op.
type Monitor struct {
	repo        string
	projectPath string
	forge       domain.Forge
	gen         domain.GenRunner
	pusher      domain.RepoPusher
	bus         domain.EventBus
	workers     WorkerTable

	poll       time.Duration
	maxFix     int
	stallAfter time.Duration

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	handled     map[int64]struct{}
	fixAttempts map[int64]int

	now func() time.Time
}

// New builds a monitor for the project backed by repo with its working copy
// at projectPath.
func New(repo, projectPath string, d Deps, opts Options) *Monitor {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	maxFix := opts.MaxFixAttempts
	if maxFix <= 0 {
		maxFix = 3
	}
	stall := opts.StallAfter
	if stall <= 0 {
		stall = 10 * time.Minute
	}
	return &Monitor{
		repo:        repo,
		projectPath: projectPath,
		forge:       d.Forge,
		gen:         d.Gen,
		pusher:      d.Pusher,
		bus:         d.Bus,
		workers:     d.Workers,
		poll:        poll,
		maxFix:      maxFix,
		stallAfter:  stall,
		handled:     make(map[int64]struct{}),
		fixAttempts: make(map[int64]int),
		now:         time.Now,
	}
}

// Start launches the background loop. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done

	go func() {
		defer close(done)
		defer cancel()
		m.loop(loopCtx)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	slog.Info("pipeline monitor started", slog.String("repo", m.repo))
}

// Stop cancels the loop and waits for it to exit. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	slog.Info("pipeline monitor stopped", slog.String("repo", m.repo))
}

// Running reports whether the background loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns a point-in-time view of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := make(map[int64]int, len(m.fixAttempts))
	for id, n := range m.fixAttempts {
		attempts[id] = n
	}
	return Status{
		Running:     m.running,
		Repo:        m.repo,
		FixAttempts: attempts,
		HandledRuns: len(m.handled),
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.notify(ctx, fmt.Sprintf("🔍 Monitoring CI for %s...", m.repo))

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		m.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweepOnce runs one CI check plus one worker health check. Iteration errors
// are logged and recorded on the span; they never terminate the loop.
func (m *Monitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("pipeline.monitor")
	ctx, span := tracer.Start(ctx, "Monitor.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.String("repo", m.repo))

	if err := m.checkCI(ctx); err != nil {
		span.RecordError(err)
		slog.Error("ci check failed", slog.String("repo", m.repo), slog.Any("error", err))
	}
	m.checkWorkerHealth(ctx)
}

// checkCI examines the newest workflow run on the dev branch. Handled runs
// are skipped and a run still in progress waits for the next sweep.
func (m *Monitor) checkCI(ctx context.Context) error {
	runs, err := m.forge.ListWorkflowRuns(ctx, m.repo, domain.BranchDev)
	if err != nil {
		return fmt.Errorf("list workflow runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	latest := runs[0]
	m.mu.Lock()
	_, handled := m.handled[latest.ID]
	attempts := m.fixAttempts[latest.ID]
	m.mu.Unlock()

	if handled || !latest.Completed() {
		return nil
	}

	switch latest.Conclusion {
	case "failure":
		if attempts >= m.maxFix {
			m.markHandled(latest.ID)
			m.notify(ctx, fmt.Sprintf(
				"❌ CI still failing after %d auto-fix attempts — needs your attention. Run ID: %d",
				m.maxFix, latest.ID))
			return nil
		}
		m.fixFailure(ctx, latest)
	case "success":
		m.markHandled(latest.ID)
		if attempts > 0 {
			m.notify(ctx, "✅ CI passing — all checks green")
		}
	}
	return nil
}

// fixFailure diagnoses a failed run with the generation CLI and pushes the
// fix. The run is marked handled only after a successful push; a failed CLI
// call or push leaves it eligible for another attempt.
func (m *Monitor) fixFailure(ctx context.Context, run domain.WorkflowRun) {
	attempt := m.bumpAttempts(run.ID)
	observability.RecordCIFixAttempt()

	name := run.Name
	if name == "" {
		name = "CI"
	}
	m.notify(ctx, fmt.Sprintf("❌ CI failed on `%s` (attempt %d/%d) — diagnosing now...",
		name, attempt, m.maxFix))

	logs, err := m.forge.GetWorkflowRunLogs(ctx, m.repo, run.ID)
	if err != nil {
		slog.Warn("workflow log fetch failed",
			slog.String("repo", m.repo), slog.Int64("run", run.ID), slog.Any("error", err))
		logs = ""
	}

	out, err := m.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       fixPrompt(m.repo, m.projectPath, logs),
		Dir:          m.projectPath,
		AllowedTools: []string{"Read", "Edit", "Write", "Bash"},
	})
	if err != nil {
		m.notify(ctx, fmt.Sprintf("⚠️ Auto-diagnosis failed. Error: %s",
			textx.Truncate(err.Error(), 200)))
		return
	}

	summary := strings.TrimSpace(textx.Truncate(out.Output, 300))
	if summary == "" {
		summary = "see commit for details"
	}

	message := fmt.Sprintf("fix: auto-fix CI failure (run %d, attempt %d)", run.ID, attempt)
	if err := m.pusher.Push(ctx, m.projectPath, m.repo, domain.BranchDev, message); err != nil {
		slog.Warn("fix push failed",
			slog.String("repo", m.repo), slog.Int64("run", run.ID), slog.Any("error", err))
		m.notify(ctx, "⚠️ Fix was generated but push to GitHub failed. Manual review needed.")
		return
	}

	m.markHandled(run.ID)
	m.notify(ctx, fmt.Sprintf("🔧 Fix pushed: %s\nWaiting for CI to re-run...", summary))
}

// checkWorkerHealth resets workers stuck in working past the stall
// threshold. The reset is cooperative: the in-flight subprocess keeps
// running and the worker overwrites the state at its next transition.
func (m *Monitor) checkWorkerHealth(ctx context.Context) {
	if m.workers == nil {
		return
	}
	now := m.now()
	for _, snap := range m.workers.Snapshots() {
		if snap.State != domain.WorkerWorking || snap.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*snap.StartedAt)
		if elapsed <= m.stallAfter {
			continue
		}
		minutes := int(elapsed.Minutes())
		slog.Warn("worker stalled",
			slog.String("agent", string(snap.Kind)), slog.Int("minutes", minutes))
		observability.RecordStall()
		m.notify(ctx, fmt.Sprintf("⚠️ Worker `%s` has been stuck for %d minutes — requeuing task",
			snap.Kind, minutes))
		m.workers.ResetWorker(snap.Kind)
	}
}

// notify logs a user-visible message and broadcasts it on the event bus.
// Publish failures are logged; monitoring never depends on the bus.
func (m *Monitor) notify(ctx context.Context, message string) {
	slog.Info("monitor notify", slog.String("repo", m.repo), slog.String("message", message))
	if m.bus == nil {
		return
	}
	ev := domain.Event{
		Type:      domain.EventNotification,
		Sender:    "pipeline_monitor",
		Recipient: domain.Broadcast,
		Content:   map[string]any{"message": message},
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		slog.Warn("notification publish failed",
			slog.String("repo", m.repo), slog.Any("error", err))
	}
}

func (m *Monitor) markHandled(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled[id] = struct{}{}
}

func (m *Monitor) bumpAttempts(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixAttempts[id]++
	return m.fixAttempts[id]
}

func fixPrompt(repo, projectPath, logs string) string {
	fence := "```"
	return fmt.Sprintf(`The GitHub Actions CI pipeline failed. Analyze the error logs and fix the issue.

Repository: %s
Project path: %s

CI Failure Logs:
%s
%s
%s

Instructions:
1. Identify the root cause of the CI failure from the logs above
2. Fix the relevant files in the project directory at %s
3. Make minimal, targeted changes - only touch what causes the failure
4. Do not create new test files unless the fix absolutely requires it
5. Focus on the actual error, not style issues or unrelated improvements

Fix the code so CI will pass on the next run.`,
		repo, projectPath, fence, textx.Truncate(logs, logExcerptLimit), fence, projectPath)
}
