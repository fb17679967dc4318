// Package deploy is the deployment finisher. It builds a container image
// from a project directory, runs it behind a host port from the persistent
// allocation file, and exposes it through the cloudflared tunnel (DNS route,
// ingress rule, daemon reload). Routing is best-effort: a deploy whose
// container is up reports success even when the tunnel steps fail, carrying
// the routing error in the result note.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/pkg/textx"
)

// internalPort is the fixed port generated apps listen on inside the container.
const internalPort = "8000/tcp"

const errExcerptLimit = 500

// engineAPI is the slice of the engine SDK client the deployer uses.
type engineAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	Close() error
}

// Deployer implements domain.Deployer on top of the container engine SDK and
// the cloudflared tunnel daemon.
type Deployer struct {
	engine      engineAPI
	ports       *PortAllocator
	ingressPath string
	domain      string
	tunnelName  string
	tunnelID    string

	buildTimeout  time.Duration
	runTimeout    time.Duration
	routeTimeout  time.Duration
	reloadTimeout time.Duration
}

// New connects to the local container engine via the environment
// (DOCKER_HOST et al) with API version negotiation.
func New(cfg config.Config) (*Deployer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine client: %w", err)
	}
	return NewWithEngine(cli, cfg), nil
}

// NewWithEngine builds a Deployer around an existing engine client.
func NewWithEngine(engine engineAPI, cfg config.Config) *Deployer {
	return &Deployer{
		engine:        engine,
		ports:         NewPortAllocator(cfg.PortAllocFile, cfg.DeployPortStart),
		ingressPath:   cfg.CloudflaredConfig,
		domain:        cfg.DeployDomain,
		tunnelName:    cfg.TunnelName,
		tunnelID:      cfg.TunnelID,
		buildTimeout:  cfg.DockerBuildTimeout,
		runTimeout:    cfg.DockerRunTimeout,
		routeTimeout:  cfg.CloudflaredTimeout,
		reloadTimeout: cfg.SystemctlTimeout,
	}
}

// Close releases the engine client.
func (d *Deployer) Close() error { return d.engine.Close() }

// Deploy builds and runs the project's container, then routes
// <name>.<domain> to it through the tunnel. The allocation file is updated
// even when routing fails so the port is never handed out twice.
func (d *Deployer) Deploy(ctx context.Context, p *domain.Project) domain.DeployResult {
	log := slog.With("project", p.Name)

	log.Info("deploy: building image", "path", p.Path)
	if err := d.buildImage(ctx, p.Path, p.Name); err != nil {
		log.Error("deploy: image build failed", "error", err)
		return domain.DeployResult{Error: err.Error()}
	}

	port := d.ports.NextFree()

	log.Info("deploy: starting container", "port", port)
	if err := d.runContainer(ctx, p.Name, port); err != nil {
		log.Error("deploy: container run failed", "error", err)
		return domain.DeployResult{Error: err.Error()}
	}

	note := ""
	if err := d.route(ctx, p.Name, port); err != nil {
		log.Warn("deploy: routing failed", "error", err)
		note = fmt.Sprintf("Container running on :%d but Cloudflare route failed: %v", port, err)
	}
	if err := d.ports.Save(p.Name, port); err != nil {
		log.Warn("deploy: persisting port allocation failed", "file", d.ports.path, "error", err)
	}

	url := fmt.Sprintf("https://%s.%s", p.Name, d.domain)
	log.Info("deploy: done", "url", url, "port", port)
	return domain.DeployResult{Success: true, URL: url, Port: port, Note: note}
}

// route makes <name>.<domain> reach the container: DNS route on the tunnel,
// ingress rule in the daemon config, daemon reload. The first failing step
// aborts the rest.
func (d *Deployer) route(ctx context.Context, name string, port int) error {
	hostname := name + "." + d.domain
	if err := d.routeDNS(ctx, hostname); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRouteFailed, err)
	}
	if err := d.updateIngress(hostname, port); err != nil {
		return fmt.Errorf("%w: ingress config: %v", domain.ErrRouteFailed, err)
	}
	if err := d.reloadTunnel(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRouteFailed, err)
	}
	return nil
}

func (d *Deployer) routeDNS(ctx context.Context, hostname string) error {
	out, err := d.runCmd(ctx, d.routeTimeout, "cloudflared", "tunnel", "route", "dns", d.tunnelName, hostname)
	if err != nil {
		// Re-deploys hit an existing DNS record; that route still works.
		if strings.Contains(strings.ToLower(out), "already exists") {
			return nil
		}
		return err
	}
	return nil
}

func (d *Deployer) reloadTunnel(ctx context.Context) error {
	_, err := d.runCmd(ctx, d.reloadTimeout, "systemctl", "reload", "cloudflared")
	return err
}

// runCmd executes name under its own timeout, returning combined output.
func (d *Deployer) runCmd(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	raw, err := cmd.CombinedOutput()
	out := string(raw)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%s timed out after %s", name, timeout)
		}
		detail := textx.Truncate(strings.TrimSpace(out), errExcerptLimit)
		if detail == "" {
			return out, fmt.Errorf("%s: %v", name, err)
		}
		return out, fmt.Errorf("%s: %v: %s", name, err, detail)
	}
	return out, nil
}
