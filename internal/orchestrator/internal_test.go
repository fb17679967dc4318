package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

type stubDeployer struct {
	res   domain.DeployResult
	calls int
}

func (d *stubDeployer) Deploy(ctx domain.Context, p *domain.Project) domain.DeployResult {
	d.calls++
	return d.res
}

type captureBus struct {
	events []domain.Event
}

func (b *captureBus) Publish(ctx domain.Context, ev domain.Event) error {
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) Subscribe(ctx domain.Context, recipients ...string) (<-chan domain.Event, error) {
	return make(chan domain.Event), nil
}

func (b *captureBus) messages() []string {
	var out []string
	for _, ev := range b.events {
		if msg, ok := ev.Content["message"].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

func hasMessage(msgs []string, want string) bool {
	for _, m := range msgs {
		if m == want {
			return true
		}
	}
	return false
}

func TestDetectStack(t *testing.T) {
	touch := func(t *testing.T, dir string, names ...string) string {
		t.Helper()
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		return dir
	}

	if got := DetectStack(touch(t, t.TempDir(), "requirements.txt")); got != "python" {
		t.Fatalf("python project detected as %q", got)
	}
	if got := DetectStack(touch(t, t.TempDir(), "pyproject.toml")); got != "python" {
		t.Fatalf("pyproject project detected as %q", got)
	}
	if got := DetectStack(touch(t, t.TempDir(), "package.json")); got != "node" {
		t.Fatalf("node project detected as %q", got)
	}
	if got := DetectStack(touch(t, t.TempDir(), "requirements.txt", "package.json")); got != "fullstack" {
		t.Fatalf("mixed project detected as %q", got)
	}
	if got := DetectStack(touch(t, t.TempDir(), "go.mod")); got != "go" {
		t.Fatalf("go project detected as %q", got)
	}
	if got := DetectStack(t.TempDir()); got != "unknown" {
		t.Fatalf("empty project detected as %q", got)
	}
}

func TestWriteQAConfig(t *testing.T) {
	dir := t.TempDir()
	if err := writeQAConfig(dir, 85); err != nil {
		t.Fatalf("writeQAConfig: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, domain.QAConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		MinCoverage    int  `json:"min_coverage"`
		AutoReview     bool `json:"auto_review"`
		BlockOnFailure bool `json:"block_on_failure"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("config not json: %v", err)
	}
	if got.MinCoverage != 85 || !got.AutoReview || !got.BlockOnFailure {
		t.Fatalf("unexpected config: %+v", got)
	}
	if !strings.Contains(string(raw), "\n") {
		t.Fatal("config should be indented for human readers")
	}
}

func TestAutoDeploySuccessUpdatesProjectAndNotifies(t *testing.T) {
	ws := t.TempDir()
	reg := NewRegistry(ws)
	if err := reg.Add(domain.Project{
		Name:      "shop-api",
		Path:      filepath.Join(ws, "shop-api"),
		Repo:      "shop-api",
		Status:    domain.ProjectPipelineComplete,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	dep := &stubDeployer{res: domain.DeployResult{Success: true, URL: "https://shop-api.apps.example.com", Port: 3001}}
	bus := &captureBus{}
	o := &Orchestrator{reg: reg, deployer: dep, bus: bus, now: time.Now}

	o.autoDeploy(context.Background())

	if dep.calls != 1 {
		t.Fatalf("deployer called %d times, want 1", dep.calls)
	}
	p, _ := reg.Get("shop-api")
	if p.Status != domain.ProjectDeployed {
		t.Fatalf("status = %s, want deployed", p.Status)
	}
	if p.DeployURL != "https://shop-api.apps.example.com" {
		t.Fatalf("deploy url = %q", p.DeployURL)
	}
	want := "🎉 **All tasks complete!** `shop-api` has been deployed.\n🌐 Live at: https://shop-api.apps.example.com"
	if !hasMessage(bus.messages(), want) {
		t.Fatalf("missing success broadcast, got %q", bus.messages())
	}
}

func TestAutoDeployFailureKeepsProjectAndTruncatesError(t *testing.T) {
	ws := t.TempDir()
	reg := NewRegistry(ws)
	if err := reg.Add(domain.Project{
		Name:      "shop-api",
		Path:      filepath.Join(ws, "shop-api"),
		Status:    domain.ProjectPipelineComplete,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	longErr := strings.Repeat("x", 300)
	dep := &stubDeployer{res: domain.DeployResult{Success: false, Error: longErr}}
	bus := &captureBus{}
	o := &Orchestrator{reg: reg, deployer: dep, bus: bus, now: time.Now}

	o.autoDeploy(context.Background())

	p, _ := reg.Get("shop-api")
	if p.Status != domain.ProjectPipelineComplete || p.DeployURL != "" {
		t.Fatalf("failed deploy must not touch the project: %+v", p)
	}
	want := "✅ **All tasks complete** for `shop-api`, but auto-deploy failed: " + strings.Repeat("x", 200)
	if !hasMessage(bus.messages(), want) {
		t.Fatalf("missing failure broadcast, got %q", bus.messages())
	}
}

func TestAutoDeployFailureWithoutErrorTextFallsBack(t *testing.T) {
	ws := t.TempDir()
	reg := NewRegistry(ws)
	if err := reg.Add(domain.Project{
		Name:      "shop-api",
		Path:      filepath.Join(ws, "shop-api"),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	dep := &stubDeployer{res: domain.DeployResult{Success: false}}
	bus := &captureBus{}
	o := &Orchestrator{reg: reg, deployer: dep, bus: bus, now: time.Now}

	o.autoDeploy(context.Background())

	want := "✅ **All tasks complete** for `shop-api`, but auto-deploy failed: unknown error"
	if !hasMessage(bus.messages(), want) {
		t.Fatalf("missing fallback broadcast, got %q", bus.messages())
	}
}

func TestAutoDeployNoActiveProjectDoesNothing(t *testing.T) {
	dep := &stubDeployer{res: domain.DeployResult{Success: true, URL: "https://x"}}
	bus := &captureBus{}
	o := &Orchestrator{reg: NewRegistry(t.TempDir()), deployer: dep, bus: bus, now: time.Now}

	o.autoDeploy(context.Background())

	if dep.calls != 0 {
		t.Fatalf("deployer called %d times, want 0", dep.calls)
	}
	if len(bus.messages()) != 0 {
		t.Fatalf("unexpected broadcasts: %q", bus.messages())
	}
}
