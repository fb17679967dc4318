// Package worker runs the consuming half of the pipeline: one polling loop
// per agent kind, each claiming tasks from the assignment store, dispatching
// them through the agent registry, and mirroring the outcome onto the
// upstream issue. The pool also owns drain detection: when every queue is
// empty and every worker is quiet, a deploy hook fires exactly once per
// transition.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// Executor dispatches one task to the agent assigned to it. The agent
// registry satisfies it.
type Executor interface {
	Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error)
}

// Options configure a Pool. Zero values fall back to the default noted on
// each field.
type Options struct {
	// Kinds are the agent kinds to run loops for. Defaults to
	// domain.WorkerKinds().
	Kinds []domain.AgentKind
	// PollInterval is the idle sleep between claim attempts. Defaults to 10s.
	PollInterval time.Duration
	// DrainHook fires once per transition into the drained state.
	DrainHook func(ctx context.Context)
	// GenFor supplies the runner used for failure diagnoses. Optional; when
	// nil, failure comments carry no diagnosis section.
	GenFor func(kind domain.AgentKind) domain.GenRunner
}

// workerStatus is the stored state of one loop. started is zero unless the
// worker is working.
type workerStatus struct {
	state   domain.WorkerState
	started time.Time
}

// Pool runs one worker goroutine per agent kind. Concurrency per kind is
// one; cross-kind parallelism is the number of kinds.
type Pool struct {
	store     domain.AssignmentStore
	exec      Executor
	forge     domain.Forge
	genFor    func(kind domain.AgentKind) domain.GenRunner
	kinds     []domain.AgentKind
	poll      time.Duration
	drainHook func(ctx context.Context)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	states   sync.Map // domain.AgentKind -> workerStatus
	notified atomic.Bool

	now func() time.Time
}

// NewPool builds a pool over the given store, executor, and upstream forge.
func NewPool(store domain.AssignmentStore, exec Executor, forge domain.Forge, opts Options) *Pool {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = domain.WorkerKinds()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	p := &Pool{
		store:     store,
		exec:      exec,
		forge:     forge,
		genFor:    opts.GenFor,
		kinds:     kinds,
		poll:      poll,
		drainHook: opts.DrainHook,
		now:       time.Now,
	}
	for _, kind := range kinds {
		p.states.Store(kind, workerStatus{state: domain.WorkerIdle})
	}
	return p
}

// Start launches one loop per kind and returns immediately. It returns
// ErrConflict when the pool is already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("%w: worker pool already running", domain.ErrConflict)
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	for _, kind := range p.kinds {
		p.wg.Add(1)
		go p.runWorker(ctx, stop, kind)
	}
	slog.Info("worker pool started",
		slog.Int("workers", len(p.kinds)),
		slog.Duration("poll_interval", p.poll))
	return nil
}

// Stop signals every loop to exit at its next iteration boundary and waits
// for them. An in-flight task finishes its current subprocess first; cancel
// the Start context beforehand to abandon in-flight work instead.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("worker pool stopped")
}

// Running reports whether worker loops are active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshots returns the current view of every worker, in kind order.
func (p *Pool) Snapshots() []domain.WorkerSnapshot {
	out := make([]domain.WorkerSnapshot, 0, len(p.kinds))
	for _, kind := range p.kinds {
		st := p.statusOf(kind)
		snap := domain.WorkerSnapshot{Kind: kind, State: st.state}
		if !st.started.IsZero() {
			started := st.started
			snap.StartedAt = &started
		}
		out = append(out, snap)
	}
	return out
}

// ResetWorker force-sets a worker to idle and clears its start timestamp.
// The monitor calls it on stall; the in-flight subprocess is not killed and
// the loop overwrites the state at its next transition.
func (p *Pool) ResetWorker(kind domain.AgentKind) {
	p.states.Store(kind, workerStatus{state: domain.WorkerIdle})
}

func (p *Pool) runWorker(ctx context.Context, stop <-chan struct{}, kind domain.AgentKind) {
	defer p.wg.Done()
	slog.Info("worker loop started", slog.String("agent", string(kind)))

	for p.alive(ctx, stop) {
		p.setState(kind, domain.WorkerPolling)

		task, err := p.store.ClaimNext(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("worker loop error",
				slog.String("agent", string(kind)), slog.Any("error", err))
			p.setState(kind, domain.WorkerError)
			p.sleep(ctx, stop, 2*p.poll)
			continue
		}
		if task == nil {
			p.setState(kind, domain.WorkerIdle)
			p.sleep(ctx, stop, p.poll)
			continue
		}

		// A successful claim proves a queue was non-empty; re-arm the
		// drain hook.
		p.notified.Store(false)

		p.states.Store(kind, workerStatus{state: domain.WorkerWorking, started: p.now()})
		slog.Info("claimed task",
			slog.String("agent", string(kind)),
			slog.String("kind", string(task.Kind)),
			slog.Int("issue", task.IssueNumber),
			slog.String("repo", task.Repo))

		if kind == domain.AgentQA {
			p.runReview(ctx, *task)
		} else {
			p.runTask(ctx, kind, *task)
		}

		p.setState(kind, domain.WorkerIdle)
		p.checkDrain(ctx)
	}

	p.setState(kind, domain.WorkerStopped)
	slog.Info("worker loop stopped", slog.String("agent", string(kind)))
}

// runTask executes one producing or devops task and mirrors the outcome
// upstream. A completed backend or frontend task with a pull request chains
// into a QA review.
func (p *Pool) runTask(ctx context.Context, kind domain.AgentKind, task domain.Task) {
	result, err := p.exec.Execute(ctx, task)
	if err != nil {
		p.failTask(ctx, kind, task, err)
		return
	}

	if err := p.store.Complete(ctx, task.Repo, task.IssueNumber, result.Summary); err != nil {
		slog.Warn("completion tracking failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
	observability.CompleteTask(string(kind))
	p.annotateCompletion(ctx, kind, task, result)

	if isProducing(kind) && result.PRNumber > 0 {
		p.enqueueReview(ctx, task, result.PRNumber)
	}
}

// runReview handles a claimed QA task. Approval merges the pull request and
// closes the issue; rejection labels the issue and records the failure.
// Upstream errors after the verdict are logged, never propagated; the local
// transition has already happened.
func (p *Pool) runReview(ctx context.Context, task domain.Task) {
	result, err := p.exec.Execute(ctx, task)
	if err != nil {
		p.failTask(ctx, domain.AgentQA, task, err)
		return
	}

	if result.Approved {
		if err := p.forge.MergePull(ctx, task.Repo, task.PRNumber, "merge"); err != nil {
			slog.Warn("merge after approval failed",
				slog.String("repo", task.Repo), slog.Int("pr", task.PRNumber), slog.Any("error", err))
		}
		if err := p.forge.CloseIssue(ctx, task.Repo, task.IssueNumber); err != nil {
			slog.Warn("close after approval failed",
				slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
		}
		if err := p.store.Complete(ctx, task.Repo, task.IssueNumber, result.Summary); err != nil {
			slog.Warn("completion tracking failed",
				slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
		}
		observability.CompleteTask(string(domain.AgentQA))
		slog.Info("review approved and merged",
			slog.String("repo", task.Repo), slog.Int("pr", task.PRNumber), slog.Int("issue", task.IssueNumber))
		return
	}

	comment := fmt.Sprintf("🔁 QA review requested changes on PR #%d. Issues: %s",
		task.PRNumber, strings.Join(result.Issues, ", "))
	if err := p.forge.Comment(ctx, task.Repo, task.IssueNumber, comment); err != nil {
		slog.Warn("rejection sync failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
	if err := p.forge.AddLabels(ctx, task.Repo, task.IssueNumber, []string{"needs-revision"}); err != nil {
		slog.Warn("rejection label failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
	if err := p.store.Fail(ctx, task.Repo, task.IssueNumber, "QA review: changes requested"); err != nil {
		slog.Warn("failure tracking failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
	observability.FailTask(string(domain.AgentQA))
}

func (p *Pool) failTask(ctx context.Context, kind domain.AgentKind, task domain.Task, taskErr error) {
	slog.Error("task failed",
		slog.String("agent", string(kind)),
		slog.Int("issue", task.IssueNumber),
		slog.String("repo", task.Repo),
		slog.Any("error", taskErr))
	if err := p.store.Fail(ctx, task.Repo, task.IssueNumber, taskErr.Error()); err != nil {
		slog.Warn("failure tracking failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
	observability.FailTask(string(kind))
	p.annotateFailure(ctx, kind, task, taskErr, p.diagnose(ctx, task, taskErr))
}

// diagnose asks the generation CLI for a short failure explanation, keyed to
// the task's assigned kind so the call is attributed correctly.
func (p *Pool) diagnose(ctx context.Context, task domain.Task, taskErr error) string {
	if p.genFor == nil {
		return ""
	}
	kind := task.AgentKind
	if !kind.Valid() {
		kind = domain.AgentBackend
	}
	subject := fmt.Sprintf("Task type: %s\nRepository: %s\nIssue: #%d",
		task.Kind, task.Repo, task.IssueNumber)
	return p.genFor(kind).Diagnose(ctx, task.ProjectPath, subject, taskErr.Error())
}

// annotateCompletion mirrors a finished task onto the upstream issue with a
// comment and the in-review label. Labels are added, not replaced, so the
// classification labels survive.
func (p *Pool) annotateCompletion(ctx context.Context, kind domain.AgentKind, task domain.Task, result domain.TaskResult) {
	if task.Repo == "" || task.IssueNumber == 0 {
		return
	}
	prRef := ""
	if result.PRNumber > 0 {
		prRef = fmt.Sprintf(" PR: #%d", result.PRNumber)
	}
	comment := fmt.Sprintf("✅ Implemented by **%s** agent.%s\n\n*%s*", kind, prRef, p.stamp())
	if err := p.forge.Comment(ctx, task.Repo, task.IssueNumber, comment); err != nil {
		slog.Warn("completion sync failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
		return
	}
	if err := p.forge.AddLabels(ctx, task.Repo, task.IssueNumber, []string{"in-review"}); err != nil {
		slog.Warn("completion label failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
}

func (p *Pool) annotateFailure(ctx context.Context, kind domain.AgentKind, task domain.Task, taskErr error, diagnosis string) {
	if task.Repo == "" || task.IssueNumber == 0 {
		return
	}
	section := ""
	if diagnosis != "" {
		section = "\n\n**Diagnosis:** " + diagnosis
	}
	comment := fmt.Sprintf(
		"❌ **%s** agent failed after 3 attempts.%s\n\n**Error:** %s\n\nTask moved to `needs-attention` label.\n\n*%s*",
		kind, section, textx.Truncate(taskErr.Error(), domain.SummaryLimit), p.stamp())
	if err := p.forge.Comment(ctx, task.Repo, task.IssueNumber, comment); err != nil {
		slog.Warn("failure sync failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
		return
	}
	if err := p.forge.AddLabels(ctx, task.Repo, task.IssueNumber, []string{"needs-attention"}); err != nil {
		slog.Warn("failure label failed",
			slog.String("repo", task.Repo), slog.Int("issue", task.IssueNumber), slog.Any("error", err))
	}
}

// enqueueReview chains a completed producing task into a QA review of its
// pull request, priced like the originating issue.
func (p *Pool) enqueueReview(ctx context.Context, task domain.Task, prNumber int) {
	review := domain.Task{
		Kind:        domain.TaskReviewPR,
		Repo:        task.Repo,
		IssueNumber: task.IssueNumber,
		PRNumber:    prNumber,
		ProjectPath: task.ProjectPath,
		AgentKind:   domain.AgentQA,
		EnqueuedAt:  p.now().UTC().Format(time.RFC3339),
	}
	priority := float64(task.IssueNumber)
	if task.IssueNumber <= 0 {
		priority = domain.DefaultPriority
	}
	if err := p.store.Enqueue(ctx, review, priority); err != nil {
		slog.Error("enqueue review failed",
			slog.String("repo", task.Repo), slog.Int("pr", prNumber), slog.Any("error", err))
		return
	}
	slog.Info("enqueued review",
		slog.String("repo", task.Repo), slog.Int("pr", prNumber), slog.Int("issue", task.IssueNumber))
}

// checkDrain fires the deploy hook on the transition into the drained state.
// Any other observation, including a broker error, re-arms the hook.
func (p *Pool) checkDrain(ctx context.Context) {
	if !p.drained(ctx) {
		p.notified.Store(false)
		return
	}
	if p.notified.CompareAndSwap(false, true) {
		slog.Info("all queues drained")
		if p.drainHook != nil {
			p.drainHook(ctx)
		}
	}
}

// drained reports whether every queue is empty and every worker quiet. A
// broker error counts as not drained.
func (p *Pool) drained(ctx context.Context) bool {
	for _, kind := range p.kinds {
		depth, err := p.store.QueueDepth(ctx, kind)
		if err != nil || depth > 0 {
			return false
		}
	}
	for _, kind := range p.kinds {
		if !p.statusOf(kind).state.Quiet() {
			return false
		}
	}
	return true
}

func (p *Pool) setState(kind domain.AgentKind, state domain.WorkerState) {
	p.states.Store(kind, workerStatus{state: state})
}

func (p *Pool) statusOf(kind domain.AgentKind) workerStatus {
	v, ok := p.states.Load(kind)
	if !ok {
		return workerStatus{state: domain.WorkerIdle}
	}
	return v.(workerStatus)
}

func (p *Pool) stamp() string {
	return p.now().UTC().Format("2006-01-02 15:04 UTC")
}

func (p *Pool) alive(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-stop:
		return false
	default:
		return true
	}
}

// sleep waits d or until the pool stops, whichever comes first.
func (p *Pool) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
}

func isProducing(kind domain.AgentKind) bool {
	for _, k := range domain.ProducingKinds() {
		if kind == k {
			return true
		}
	}
	return false
}
