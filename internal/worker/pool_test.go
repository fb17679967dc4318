package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/redisq"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/worker"
)

// execFunc adapts a function to worker.Executor.
type execFunc func(ctx domain.Context, task domain.Task) (domain.TaskResult, error)

func (f execFunc) Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error) {
	return f(ctx, task)
}

// fakeForge records the annotation calls the pool makes. Worker loops run on
// their own goroutines, so every method locks.
type fakeForge struct {
	domain.Forge

	mu          sync.Mutex
	comments    []string
	labels      [][]string
	merged      []int
	mergeMethod string
	closed      []int
	mergeErr    error
	commentErr  error
}

func (f *fakeForge) Comment(_ domain.Context, _ string, _ int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeForge) AddLabels(_ domain.Context, _ string, _ int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, labels)
	return nil
}

func (f *fakeForge) MergePull(_ domain.Context, _ string, number int, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	f.mergeMethod = method
	return nil
}

func (f *fakeForge) CloseIssue(_ domain.Context, _ string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeForge) allComments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakeForge) allLabels() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.labels...)
}

// fakeGen serves only diagnosis calls.
type fakeGen struct{ diagnosis string }

func (g *fakeGen) Run(_ domain.Context, _ domain.GenRequest) (domain.GenOutput, error) {
	return domain.GenOutput{}, nil
}

func (g *fakeGen) RunHealing(_ domain.Context, _ domain.GenRequest) (domain.GenOutput, error) {
	return domain.GenOutput{}, nil
}

func (g *fakeGen) Diagnose(_ domain.Context, _, _, _ string) string { return g.diagnosis }

func newTestStore(t *testing.T) (*redisq.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return redisq.NewStore(rdb), mr
}

func backendTask(issue int) domain.Task {
	return domain.Task{
		Kind:        domain.TaskImplementFeature,
		Repo:        "shop-api",
		IssueNumber: issue,
		ProjectPath: "projects/shop-api",
		AgentKind:   domain.AgentBackend,
	}
}

func reviewTask(issue, pr int) domain.Task {
	return domain.Task{
		Kind:        domain.TaskReviewPR,
		Repo:        "shop-api",
		IssueNumber: issue,
		PRNumber:    pr,
		ProjectPath: "projects/shop-api",
		AgentKind:   domain.AgentQA,
	}
}

// startPool launches the pool and registers a cleanup stop. Stop is
// idempotent, so tests may also stop explicitly to flush side effects
// before asserting.
func startPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
}

func waitStatus(t *testing.T, store *redisq.Store, issue int, want domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := store.Status(context.Background(), "shop-api", issue)
		return err == nil && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_CompletesTaskAndChainsReview(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, backendTask(7), 7))

	forge := &fakeForge{}
	exec := execFunc(func(_ domain.Context, task domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{
			Success:  true,
			PRNumber: 21,
			Branch:   "feature/issue-7",
			Summary:  "Opened PR #21 (feature/issue-7) for issue #7",
		}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 7, domain.StatusCompleted)
	p.Stop()

	rec, err := store.Status(ctx, "shop-api", 7)
	require.NoError(t, err)
	assert.Contains(t, rec.ResultSummary, "Opened PR #21")

	comments := forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "✅ Implemented by **backend** agent. PR: #21")
	assert.Equal(t, [][]string{{"in-review"}}, forge.allLabels())

	depth, err := store.QueueDepth(ctx, domain.AgentQA)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	queued, err := store.Peek(ctx, domain.AgentQA, 1)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.TaskReviewPR, queued[0].Kind)
	assert.Equal(t, 21, queued[0].PRNumber)
	assert.Equal(t, 7, queued[0].IssueNumber)
	assert.Equal(t, domain.AgentQA, queued[0].AgentKind)
	assert.Equal(t, "projects/shop-api", queued[0].ProjectPath)
}

func TestPool_OnlyProducingKindsChainReviews(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	task := backendTask(4)
	task.AgentKind = domain.AgentDatabase
	require.NoError(t, store.Enqueue(ctx, task, 4))

	forge := &fakeForge{}
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		// Even a result carrying a PR number must not chain a review for a
		// non-producing kind.
		return domain.TaskResult{Success: true, PRNumber: 33, Summary: "done"}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentDatabase},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 4, domain.StatusCompleted)
	p.Stop()

	depth, err := store.QueueDepth(ctx, domain.AgentQA)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	comments := forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "✅ Implemented by **database** agent. PR: #33")
}

func TestPool_FailureAnnotatesWithDiagnosis(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, backendTask(9), 9))

	forge := &fakeForge{}
	gen := &fakeGen{diagnosis: "The generated tests import a module that was never created."}
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{}, errors.New("generation exploded: traceback follows")
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
		GenFor:       func(domain.AgentKind) domain.GenRunner { return gen },
	})
	startPool(t, p)

	waitStatus(t, store, 9, domain.StatusFailed)
	p.Stop()

	rec, err := store.Status(ctx, "shop-api", 9)
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "generation exploded")

	comments := forge.allComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "❌ **backend** agent failed after 3 attempts.")
	assert.Contains(t, comments[0], "**Diagnosis:** The generated tests import a module that was never created.")
	assert.Contains(t, comments[0], "**Error:** generation exploded: traceback follows")
	assert.Contains(t, comments[0], "Task moved to `needs-attention` label.")
	assert.Equal(t, [][]string{{"needs-attention"}}, forge.allLabels())
}

func TestPool_QAApprovalMergesAndClosesIssue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, reviewTask(7, 21), 7))

	forge := &fakeForge{}
	exec := execFunc(func(_ domain.Context, task domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{
			Success:  true,
			PRNumber: task.PRNumber,
			Approved: true,
			Summary:  "PR #21 approved (0 issues)",
		}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentQA},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 7, domain.StatusCompleted)
	p.Stop()

	assert.Equal(t, []int{21}, forge.merged)
	assert.Equal(t, "merge", forge.mergeMethod)
	assert.Equal(t, []int{7}, forge.closed)
	assert.Empty(t, forge.allComments())
}

func TestPool_QARejectionLabelsAndFailsTracking(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, reviewTask(7, 21), 7))

	forge := &fakeForge{}
	exec := execFunc(func(_ domain.Context, task domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{
			Success:  true,
			PRNumber: task.PRNumber,
			Approved: false,
			Summary:  "PR #21 changes requested (2 issues)",
			Issues:   []string{"Tests failing: Tests failed", "PR is missing a description"},
		}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentQA},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 7, domain.StatusFailed)
	p.Stop()

	rec, err := store.Status(ctx, "shop-api", 7)
	require.NoError(t, err)
	assert.Equal(t, "QA review: changes requested", rec.Error)

	comments := forge.allComments()
	require.Len(t, comments, 1)
	assert.Equal(t,
		"🔁 QA review requested changes on PR #21. Issues: Tests failing: Tests failed, PR is missing a description",
		comments[0])
	assert.Equal(t, [][]string{{"needs-revision"}}, forge.allLabels())
	assert.Empty(t, forge.merged)
}

func TestPool_QARejectionLabelsDespiteCommentFailure(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, reviewTask(9, 30), 9))

	forge := &fakeForge{commentErr: domain.ErrInternal}
	exec := execFunc(func(_ domain.Context, task domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{
			Success:  true,
			PRNumber: task.PRNumber,
			Approved: false,
			Summary:  "PR #30 changes requested (1 issue)",
			Issues:   []string{"PR is missing a description"},
		}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentQA},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 9, domain.StatusFailed)
	p.Stop()

	// The comment failed but the needs-revision label was still applied.
	assert.Empty(t, forge.allComments())
	assert.Equal(t, [][]string{{"needs-revision"}}, forge.allLabels())
}

func TestPool_QAMergeFailureStillCompletes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, reviewTask(5, 12), 5))

	forge := &fakeForge{mergeErr: domain.ErrForbidden}
	exec := execFunc(func(_ domain.Context, task domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{Success: true, PRNumber: task.PRNumber, Approved: true, Summary: "approved"}, nil
	})
	p := worker.NewPool(store, exec, forge, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentQA},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	waitStatus(t, store, 5, domain.StatusCompleted)
	p.Stop()

	// The merge failed but the issue close was still attempted.
	assert.Empty(t, forge.merged)
	assert.Equal(t, []int{5}, forge.closed)
}

func TestPool_DrainHookFiresOncePerTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, backendTask(1), 1))

	var drains atomic.Int32
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{Success: true, Summary: "done"}, nil
	})
	p := worker.NewPool(store, exec, &fakeForge{}, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
		DrainHook:    func(context.Context) { drains.Add(1) },
	})
	startPool(t, p)

	require.Eventually(t, func() bool { return drains.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// A second drain transition fires the hook again.
	require.NoError(t, store.Enqueue(ctx, backendTask(2), 2))
	require.Eventually(t, func() bool { return drains.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	assert.EqualValues(t, 2, drains.Load())
}

func TestPool_StartTwiceConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{}, nil
	})
	p := worker.NewPool(store, exec, &fakeForge{}, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	err := p.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestPool_StopLeavesWorkersStopped(t *testing.T) {
	store, _ := newTestStore(t)
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{}, nil
	})
	p := worker.NewPool(store, exec, &fakeForge{}, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend, domain.AgentQA},
		PollInterval: 10 * time.Millisecond,
	})

	// Before start every worker reads idle.
	for _, snap := range p.Snapshots() {
		assert.Equal(t, domain.WorkerIdle, snap.State)
		assert.Nil(t, snap.StartedAt)
	}

	startPool(t, p)
	assert.True(t, p.Running())

	p.Stop()
	assert.False(t, p.Running())
	for _, snap := range p.Snapshots() {
		assert.Equal(t, domain.WorkerStopped, snap.State)
		assert.Nil(t, snap.StartedAt)
	}
}

func TestPool_BrokerErrorSetsErrorState(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{}, nil
	})
	p := worker.NewPool(store, exec, &fakeForge{}, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)

	require.Eventually(t, func() bool {
		return p.Snapshots()[0].State == domain.WorkerError
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_ResetWorkerForcesIdle(t *testing.T) {
	store, _ := newTestStore(t)
	release := make(chan struct{})
	exec := execFunc(func(_ domain.Context, _ domain.Task) (domain.TaskResult, error) {
		<-release
		return domain.TaskResult{Success: true, Summary: "done"}, nil
	})
	require.NoError(t, store.Enqueue(context.Background(), backendTask(3), 3))

	p := worker.NewPool(store, exec, &fakeForge{}, worker.Options{
		Kinds:        []domain.AgentKind{domain.AgentBackend},
		PollInterval: 10 * time.Millisecond,
	})
	startPool(t, p)
	t.Cleanup(func() { close(release) })

	require.Eventually(t, func() bool {
		snap := p.Snapshots()[0]
		return snap.State == domain.WorkerWorking && snap.StartedAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	p.ResetWorker(domain.AgentBackend)
	snap := p.Snapshots()[0]
	assert.Equal(t, domain.WorkerIdle, snap.State)
	assert.Nil(t, snap.StartedAt)
}
