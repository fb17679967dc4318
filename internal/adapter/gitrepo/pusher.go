// Package gitrepo syncs a local working copy into its upstream repository
// by shelling out to git and rsync. The flow is clone, overlay, commit,
// push; a clean porcelain status short-circuits to success without a push.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

const (
	defaultCmdTimeout = 120 * time.Second
	commitUserName    = "AI Dev Pipeline"
	commitUserEmail   = "pipeline@ai-dev-pipeline"
	errExcerptLimit   = 500
)

// rsyncExcludes keeps local state, caches, and virtualenvs out of the
// upstream repository.
var rsyncExcludes = []string{
	".git",
	"*.db",
	"*.sqlite3",
	"__pycache__",
	"*.pyc",
	".venv",
	"venv",
	"node_modules",
	domain.MetadataFile,
	domain.QAConfigFile,
}

// Pusher implements domain.RepoPusher over the git and rsync binaries.
type Pusher struct {
	token      string
	owner      string
	remoteHost string
	cmdTimeout time.Duration
	now        func() time.Time
}

// Option tweaks a Pusher, mainly for tests.
type Option func(*Pusher)

// WithCommandTimeout overrides the per-subprocess timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Pusher) { p.cmdTimeout = d }
}

// WithRemoteHost overrides the git remote host (default github.com).
func WithRemoteHost(host string) Option {
	return func(p *Pusher) { p.remoteHost = host }
}

// New builds a Pusher for the configured token and owner.
func New(cfg config.Config, opts ...Option) *Pusher {
	owner := cfg.GitHubOrg
	if owner == "" {
		owner = cfg.GitHubUser
	}
	timeout := cfg.GitCommandTimeout
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	p := &Pusher{
		token:      cfg.GitHubToken,
		owner:      owner,
		remoteHost: "github.com",
		cmdTimeout: timeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureWorkspace makes workdir an initialized working copy wired to the
// upstream repo. An existing .git directory is left untouched so repeated
// calls are harmless.
func (p *Pusher) EnsureWorkspace(ctx context.Context, workdir, repo string) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("%w: create workspace: %v", domain.ErrPushFailed, err)
	}
	if _, err := os.Stat(filepath.Join(workdir, ".git")); err == nil {
		return nil
	}
	if err := p.run(ctx, workdir, "git", "init"); err != nil {
		return fmt.Errorf("%w: git init: %v", domain.ErrPushFailed, err)
	}
	remote := fmt.Sprintf("https://%s@%s/%s/%s.git", p.token, p.remoteHost, p.owner, repo)
	if err := p.run(ctx, workdir, "git", "remote", "add", "origin", remote); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("%w: add remote: %v", domain.ErrPushFailed, err)
	}
	slog.Info("initialized workspace", slog.String("dir", workdir), slog.String("repo", repo))
	return nil
}

// Push clones repo shallowly, overlays workdir on the clone, and pushes the
// resulting commit to origin/branch. An empty worktree diff is success.
func (p *Pusher) Push(ctx context.Context, workdir, repo, branch, message string) error {
	if branch == "" {
		branch = domain.BranchMain
	}
	if message == "" {
		message = fmt.Sprintf("chore: automated code push from pipeline (%s)", p.now().Format("2006-01-02 15:04"))
	}
	src, err := filepath.Abs(workdir)
	if err != nil {
		return fmt.Errorf("%w: resolve workdir: %v", domain.ErrPushFailed, err)
	}

	tmp, err := os.MkdirTemp("", "pipeline-push-")
	if err != nil {
		return fmt.Errorf("%w: temp dir: %v", domain.ErrPushFailed, err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	cloneDir := filepath.Join(tmp, repo)
	remote := fmt.Sprintf("https://%s@%s/%s/%s.git", p.token, p.remoteHost, p.owner, repo)

	if err := p.run(ctx, tmp, "git", "clone", "--depth=1", "--branch="+branch, remote, cloneDir); err != nil {
		// A repo with no commits yet rejects --branch.
		slog.Warn("shallow clone with branch failed, retrying without branch",
			slog.String("repo", repo), slog.String("branch", branch))
		if err := p.run(ctx, tmp, "git", "clone", "--depth=1", remote, cloneDir); err != nil {
			return fmt.Errorf("%w: clone %s: %v", domain.ErrPushFailed, repo, err)
		}
	}

	args := []string{"-a", "--delete"}
	for _, excl := range rsyncExcludes {
		args = append(args, "--exclude", excl)
	}
	args = append(args, src+"/", cloneDir+"/")
	if err := p.run(ctx, tmp, "rsync", args...); err != nil {
		return fmt.Errorf("%w: rsync into clone: %v", domain.ErrPushFailed, err)
	}

	status, err := p.output(ctx, cloneDir, "git", "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("%w: worktree status: %v", domain.ErrPushFailed, err)
	}
	if strings.TrimSpace(status) == "" {
		slog.Info("nothing to commit, upstream already current", slog.String("repo", repo))
		return nil
	}

	if err := p.run(ctx, cloneDir, "git", "add", "-A"); err != nil {
		return fmt.Errorf("%w: stage changes: %v", domain.ErrPushFailed, err)
	}
	if err := p.run(ctx, cloneDir, "git",
		"-c", "user.name="+commitUserName,
		"-c", "user.email="+commitUserEmail,
		"commit", "-m", message); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrPushFailed, err)
	}
	if err := p.run(ctx, cloneDir, "git", "push", "origin", branch); err != nil {
		return fmt.Errorf("%w: push origin/%s: %v", domain.ErrPushFailed, branch, err)
	}

	slog.Info("pushed working copy upstream",
		slog.String("repo", repo), slog.String("branch", branch))
	return nil
}

// run executes one subprocess under the per-command timeout, failing with a
// redacted excerpt of its combined output.
func (p *Pusher) run(ctx context.Context, dir, name string, args ...string) error {
	_, err := p.capture(ctx, dir, name, args...)
	return err
}

// output is run, returning captured output on success.
func (p *Pusher) output(ctx context.Context, dir, name string, args ...string) (string, error) {
	return p.capture(ctx, dir, name, args...)
}

func (p *Pusher) capture(ctx context.Context, dir, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	raw, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %s", name, p.cmdTimeout)
		}
		detail := p.redact(textx.Truncate(strings.TrimSpace(string(raw)), errExcerptLimit))
		return "", fmt.Errorf("%s: %v: %s", name, err, detail)
	}
	return string(raw), nil
}

// redact keeps the access token out of error text; git echoes the remote
// URL in several failure modes.
func (p *Pusher) redact(s string) string {
	if p.token == "" {
		return s
	}
	return strings.ReplaceAll(s, p.token, "***")
}
