package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// failExcerptLimit caps the failing-test output embedded in a recovery
// prompt.
const failExcerptLimit = 3 * 1024

// defaultTestTimeout bounds one test-suite run when config carries none.
const defaultTestTimeout = 120 * time.Second

// testCommand is one framework invocation inside the project directory.
type testCommand struct {
	framework string
	argv      []string
}

// testCommands detects the project's test frameworks and returns the suites
// to run, pytest before jest.
func testCommands(dir string) []testCommand {
	var cmds []testCommand
	if hasPytest(dir) {
		cmds = append(cmds, testCommand{
			framework: "pytest",
			argv:      []string{"pytest", "-q", "--tb=short"},
		})
	}
	if hasJest(dir) {
		cmds = append(cmds, testCommand{
			framework: "jest",
			argv:      []string{"npm", "test", "--", "--watchAll=false", "--passWithNoTests"},
		})
	}
	return cmds
}

func hasPytest(dir string) bool {
	if fileExists(filepath.Join(dir, "pytest.ini")) || fileExists(filepath.Join(dir, "setup.cfg")) {
		return true
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "requirements.txt")); err == nil &&
		strings.Contains(strings.ToLower(string(raw)), "pytest") {
		return true
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "tests", "test_*.py"))
	return len(matches) > 0
}

// hasJest looks for a jest entry in package.json dependencies. A manifest
// that exists but cannot be parsed counts as jest, so a broken file is not a
// free pass around validation.
func hasJest(dir string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return true
	}
	_, dep := pkg.Dependencies["jest"]
	_, dev := pkg.DevDependencies["jest"]
	return dep || dev
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// runTestSuite executes one framework run under the timeout, returning the
// combined output alongside any run error. A deadline surfaces as
// context.DeadlineExceeded regardless of how the process died.
func runTestSuite(ctx context.Context, dir string, tc testCommand, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultTestTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tc.argv[0], tc.argv[1:]...)
	cmd.Dir = dir
	raw, err := cmd.CombinedOutput()
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return string(raw), context.DeadlineExceeded
	}
	return string(raw), err
}

// validate runs every detected test suite. A failing suite gets exactly one
// recovery attempt: a generation call fed the failing output, then a re-run.
// No detected framework skips validation with a warning.
func (a *Producing) validate(ctx domain.Context, dir string) error {
	cmds := testCommands(dir)
	if len(cmds) == 0 {
		slog.Warn("no test framework detected, skipping validation", slog.String("dir", dir))
		return nil
	}
	for _, tc := range cmds {
		if err := a.runSuiteWithRecovery(ctx, dir, tc); err != nil {
			return err
		}
	}
	return nil
}

func (a *Producing) runSuiteWithRecovery(ctx domain.Context, dir string, tc testCommand) error {
	out, err := runTestSuite(ctx, dir, tc, a.testTimeout)
	if err == nil {
		return nil
	}
	if skip, reason := skippableRunError(err); skip {
		slog.Warn("skipping test validation",
			slog.String("framework", tc.framework), slog.String("reason", reason))
		return nil
	}

	slog.Info("tests failing, attempting one fix", slog.String("framework", tc.framework))
	prompt := fmt.Sprintf(`Fix these test failures:

%s

Run the tests yourself to confirm the fix, but change only what the failures require.`,
		textx.Truncate(out, failExcerptLimit))
	if _, genErr := a.gen.RunHealing(ctx, domain.GenRequest{
		Prompt:       prompt,
		Dir:          dir,
		AllowedTools: a.kind.AllowedTools(),
	}); genErr != nil {
		return fmt.Errorf("%w: fix generation: %v", domain.ErrValidationFailed, genErr)
	}

	if _, err := runTestSuite(ctx, dir, tc, a.testTimeout); err != nil {
		if skip, reason := skippableRunError(err); skip {
			slog.Warn("skipping test validation on re-run",
				slog.String("framework", tc.framework), slog.String("reason", reason))
			return nil
		}
		return fmt.Errorf("%w: %s tests still failing after fix attempt",
			domain.ErrValidationFailed, tc.framework)
	}
	return nil
}

// skippableRunError classifies run errors that skip validation rather than
// fail the task: the runner binary is absent or the suite timed out.
func skippableRunError(err error) (bool, string) {
	if errors.Is(err, exec.ErrNotFound) {
		return true, "runner not installed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "suite timed out"
	}
	return false, ""
}
