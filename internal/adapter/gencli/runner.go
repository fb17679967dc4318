// Package gencli executes the external generation CLI as a subprocess.
//
// The CLI is invoked in print mode with an optional tool allowlist. Every
// invocation is bounded by a context deadline, logged to the interaction
// log with an estimated prompt token count, and observed in Prometheus.
// RunHealing is the envelope agents route through: bounded retries with a
// diagnose-and-fix sub-invocation between tries for failure kinds that can
// plausibly be repaired from inside the workspace.
package gencli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/gencli/tokencount"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/retry"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// envBlocked is stripped from the subprocess environment. The CLI refuses
// nested sessions when it sees its own marker variable.
const envBlocked = "CLAUDECODE"

const (
	promptPreviewLimit = 200
	failureExcerpt     = 2000
)

// Options configures a Runner.
type Options struct {
	// Bin is the CLI binary, default "claude".
	Bin string
	// Agent tags interaction-log records and metrics.
	Agent domain.AgentKind
	// DefaultTimeout bounds a Run call when the request carries none.
	DefaultTimeout time.Duration
	// DiagnoseTimeout bounds a Diagnose call.
	DiagnoseTimeout time.Duration
	// HealPolicy is the RunHealing retry schedule.
	HealPolicy domain.RetryPolicy
}

// Runner invokes the generation CLI. It is stateless and safe for
// concurrent use; the healing flag travels with each invocation.
type Runner struct {
	bin             string
	agent           domain.AgentKind
	defaultTimeout  time.Duration
	diagnoseTimeout time.Duration
	healPolicy      domain.RetryPolicy
	log             domain.InteractionLog
	tokens          *tokencount.Counter
}

// New constructs a Runner. A nil log disables interaction logging.
func New(opts Options, log domain.InteractionLog) *Runner {
	if opts.Bin == "" {
		opts.Bin = "claude"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	if opts.DiagnoseTimeout <= 0 {
		opts.DiagnoseTimeout = 60 * time.Second
	}
	if opts.HealPolicy.MaxAttempts <= 0 {
		opts.HealPolicy = domain.DefaultGenRetryPolicy()
	}
	return &Runner{
		bin:             opts.Bin,
		agent:           opts.Agent,
		defaultTimeout:  opts.DefaultTimeout,
		diagnoseTimeout: opts.DiagnoseTimeout,
		healPolicy:      opts.HealPolicy,
		log:             log,
		tokens:          tokencount.NewCounter(),
	}
}

// Run performs one raw CLI invocation on the calling goroutine.
// stdout and stderr are captured together; a non-zero exit wraps
// ErrGenerationFailed with the output, a deadline wraps
// ErrGenerationTimeout. The output is returned in both cases so callers
// can classify the failure.
func (r *Runner) Run(ctx domain.Context, req domain.GenRequest) (domain.GenOutput, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", req.Prompt}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, req.AllowedTools...)
	}
	cmd := exec.CommandContext(runCtx, r.bin, args...)
	cmd.Dir = req.Dir
	cmd.Env = envWithout(envBlocked)

	start := time.Now()
	raw, runErr := cmd.CombinedOutput()
	dur := time.Since(start)

	out := domain.GenOutput{Output: string(raw), ExitCode: exitCode(runErr), Duration: dur}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	success := runErr == nil && !timedOut

	promptTokens := r.tokens.Count(req.Prompt)
	if r.log != nil {
		r.log.GenCall(domain.GenCallRecord{
			Agent:         r.agent,
			PromptPreview: textx.Truncate(req.Prompt, promptPreviewLimit),
			PromptTokens:  promptTokens,
			Success:       success,
			ExitCode:      out.ExitCode,
			Duration:      dur,
			OutputLen:     len(out.Output),
		})
	}
	observability.ObserveGenCall(string(r.agent), success, dur.Seconds(), promptTokens)

	if timedOut {
		return out, fmt.Errorf("%w after %s", domain.ErrGenerationTimeout, timeout)
	}
	if runErr != nil {
		detail := strings.TrimSpace(out.Output)
		if detail == "" {
			detail = runErr.Error()
		}
		if detail == "" {
			detail = "no output"
		}
		return out, fmt.Errorf("%w: %s", domain.ErrGenerationFailed, textx.Truncate(detail, failureExcerpt))
	}
	return out, nil
}

// RunHealing runs req through the retry envelope. Between tries it attempts
// a single diagnose-and-fix invocation unless the failure kind cannot be
// repaired from inside the workspace. Healing outcomes are logged, never
// propagated; exhaustion returns the last error.
func (r *Runner) RunHealing(ctx domain.Context, req domain.GenRequest) (domain.GenOutput, error) {
	var out domain.GenOutput
	ex := retry.New(r.healPolicy)
	err := ex.DoNotify(ctx, "gencli.run",
		func() error {
			var runErr error
			out, runErr = r.Run(ctx, req)
			return runErr
		},
		func(runErr error, _ time.Duration) {
			r.healBetween(ctx, req.Dir, out, runErr)
		},
	)
	return out, err
}

// healBetween fires once per failed try, before the retry delay. The heal is
// one raw CLI call, never retried and never healed itself, so an envelope
// performs at most MaxAttempts tries plus MaxAttempts-1 heals.
func (r *Runner) healBetween(ctx domain.Context, dir string, out domain.GenOutput, runErr error) {
	failure := strings.TrimSpace(out.Output)
	if failure == "" {
		failure = runErr.Error()
	}
	kind := domain.ClassifyError(failure)
	if kind == domain.ErrorAuth || kind == domain.ErrorPermission {
		slog.Warn("skipping self-heal, not repairable from workspace",
			slog.String("agent", string(r.agent)),
			slog.String("error_kind", string(kind)))
		return
	}
	healReq := domain.GenRequest{
		Prompt:       healPrompt(kind, textx.Truncate(failure, failureExcerpt)),
		Dir:          dir,
		AllowedTools: []string{"Bash", "Write", "Edit", "Read"},
		Timeout:      r.defaultTimeout / 2,
	}
	if _, err := r.Run(ctx, healReq); err != nil {
		slog.Warn("self-heal attempt failed",
			slog.String("agent", string(r.agent)),
			slog.String("error_kind", string(kind)),
			slog.Any("error", err))
		return
	}
	slog.Info("self-heal attempt completed",
		slog.String("agent", string(r.agent)),
		slog.String("error_kind", string(kind)))
}

// Diagnose produces a short human-readable diagnosis of a failed task with
// a bounded read-only CLI call. It never fails; any error yields fallback
// text so failure reporting cannot itself fail.
func (r *Runner) Diagnose(ctx domain.Context, dir, subject, failure string) string {
	prompt := fmt.Sprintf(
		"A development task failed with this error:\n\n%s\nError: %s\n\n"+
			"In 2-3 sentences, diagnose: what went wrong and what a developer should do to fix it.",
		subject, textx.Truncate(failure, failureExcerpt))
	out, err := r.Run(ctx, domain.GenRequest{
		Prompt:       prompt,
		Dir:          dir,
		AllowedTools: []string{"Read"},
		Timeout:      r.diagnoseTimeout,
	})
	if err != nil {
		slog.Warn("diagnosis call failed", slog.String("agent", string(r.agent)), slog.Any("error", err))
		return "Diagnosis failed - see logs for details."
	}
	diagnosis := strings.TrimSpace(out.Output)
	if diagnosis == "" {
		return "Unable to generate diagnosis."
	}
	return diagnosis
}

func healPrompt(kind domain.ErrorKind, failure string) string {
	return fmt.Sprintf(`A code-generation call failed with this error:
%s

Error kind: %s

Diagnose what went wrong and fix it. Common fixes:
- import_error: install the missing package in the project directory
- file_not_found: create the missing file or directory
- generic: read the error carefully and apply the minimal fix needed

Apply the fix now. Do not explain, just fix it.`, failure, kind)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func envWithout(name string) []string {
	env := os.Environ()
	out := env[:0]
	prefix := name + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
