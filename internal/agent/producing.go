package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Producing is the shared implementation behind the backend, frontend, and
// database agents. The envelope is identical for all three; only the
// generation prompts and review titles differ by kind.
type Producing struct {
	kind        domain.AgentKind
	forge       domain.Forge
	gen         domain.GenRunner
	pusher      domain.RepoPusher
	bus         domain.EventBus
	projectsDir string
	testTimeout time.Duration
}

// NewProducing builds the producing agent for kind.
func NewProducing(kind domain.AgentKind, d Deps) *Producing {
	return &Producing{
		kind:        kind,
		forge:       d.Forge,
		gen:         d.GenFor(kind),
		pusher:      d.Pusher,
		bus:         d.Bus,
		projectsDir: d.Cfg.ProjectsDir,
		testTimeout: d.Cfg.TestRunTimeout,
	}
}

func (a *Producing) Kind() domain.AgentKind { return a.kind }

func (a *Producing) Capabilities() []string { return a.kind.Capabilities() }

// Execute runs the producing envelope: resolve the issue, branch off dev,
// prepare the workspace, generate, validate, push, open a pull request, and
// announce the result on the bus.
func (a *Producing) Execute(ctx domain.Context, task domain.Task) (domain.TaskResult, error) {
	if task.Kind == domain.TaskReviewPR || !task.Kind.Valid() {
		return domain.TaskResult{}, fmt.Errorf("%w: %s agent cannot run %q tasks",
			domain.ErrInvalidArgument, a.kind, task.Kind)
	}

	log := slog.With(
		slog.String("agent", string(a.kind)),
		slog.String("repo", task.Repo),
		slog.Int("issue", task.IssueNumber))

	issue, err := a.forge.GetIssue(ctx, task.Repo, task.IssueNumber)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("resolve issue #%d: %w", task.IssueNumber, err)
	}

	branch := fmt.Sprintf("%s/issue-%d", domain.BranchPrefix(task.Kind), task.IssueNumber)
	if err := a.forge.CreateBranch(ctx, task.Repo, branch, domain.BranchDev); err != nil &&
		!errors.Is(err, domain.ErrConflict) {
		return domain.TaskResult{}, fmt.Errorf("create branch %s: %w", branch, err)
	}

	workdir := task.ProjectPath
	if workdir == "" {
		workdir = filepath.Join(a.projectsDir, task.Repo)
	}
	if err := a.pusher.EnsureWorkspace(ctx, workdir, task.Repo); err != nil {
		return domain.TaskResult{}, err
	}

	log.Info("generating implementation", slog.String("branch", branch))
	if _, err := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       buildPrompt(a.kind, task.Kind, issue),
		Dir:          workdir,
		AllowedTools: a.kind.AllowedTools(),
	}); err != nil {
		return domain.TaskResult{}, fmt.Errorf("generate for issue #%d: %w", task.IssueNumber, err)
	}

	if err := a.validate(ctx, workdir); err != nil {
		return domain.TaskResult{}, err
	}

	prefix := titlePrefix(a.kind, task.Kind)
	commitMsg := fmt.Sprintf("%s implement #%d - %s", prefix, task.IssueNumber, issue.Title)
	if err := a.pusher.Push(ctx, workdir, task.Repo, branch, commitMsg); err != nil {
		return domain.TaskResult{}, err
	}

	title := fmt.Sprintf("%s %s", prefix, issue.Title)
	pr, err := a.forge.CreatePull(ctx, task.Repo, title, reviewBody(a.kind, task.IssueNumber, issue.Title), branch, domain.BranchDev)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("open pull request for #%d: %w", task.IssueNumber, err)
	}
	log.Info("opened pull request", slog.Int("pr", pr.Number))

	a.notify(ctx, task, pr.Number)

	return domain.TaskResult{
		Success:  true,
		PRNumber: pr.Number,
		Branch:   branch,
		Summary:  fmt.Sprintf("Opened PR #%d (%s) for issue #%d", pr.Number, branch, task.IssueNumber),
	}, nil
}

// titlePrefix is the conventional-commit prefix used for commits and review
// titles. Only feature work carries an agent scope; the QA shape check
// accepts scopes on feat alone.
func titlePrefix(agent domain.AgentKind, kind domain.TaskKind) string {
	switch kind {
	case domain.TaskFixBug:
		return "fix:"
	case domain.TaskWriteTests:
		return "test:"
	case domain.TaskRefactor:
		return "refactor:"
	}
	switch agent {
	case domain.AgentFrontend:
		return "feat(ui):"
	case domain.AgentDatabase:
		return "feat(db):"
	default:
		return "feat:"
	}
}

// notify emits a fire-and-forget completion event. Publish failures are
// logged and dropped; the durable hand-off lives in the assignment store.
func (a *Producing) notify(ctx domain.Context, task domain.Task, prNumber int) {
	if a.bus == nil {
		return
	}
	ev := domain.Event{
		Type:      domain.EventStatusUpdate,
		Sender:    string(a.kind),
		Recipient: domain.Broadcast,
		Content: map[string]any{
			"status":    "pr_opened",
			"repo":      task.Repo,
			"issue":     task.IssueNumber,
			"pr_number": prNumber,
		},
	}
	if err := a.bus.Publish(ctx, ev); err != nil {
		slog.Warn("status event publish failed",
			slog.String("agent", string(a.kind)), slog.Any("error", err))
	}
}
