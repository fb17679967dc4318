// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`

	// Broker
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379" validate:"required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Upstream code host
	GitHubToken   string `env:"GITHUB_TOKEN"`
	GitHubUser    string `env:"GITHUB_USERNAME"`
	GitHubOrg     string `env:"GITHUB_ORG"`
	GitHubAPIBase string `env:"GITHUB_API_BASE" envDefault:"https://api.github.com"`

	// Generation CLI
	GenCLIBin string `env:"GEN_CLI_BIN" envDefault:"claude"`
	// GenCLITimeout bounds one code-generation invocation end to end.
	GenCLITimeout   time.Duration `env:"GEN_CLI_TIMEOUT" envDefault:"300s"`
	DiagnoseTimeout time.Duration `env:"DIAGNOSE_TIMEOUT" envDefault:"60s"`

	// Worker pool and monitoring
	WorkerPollInterval  time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"10s"`
	MonitorPollInterval time.Duration `env:"MONITOR_POLL_INTERVAL" envDefault:"30s"`
	MaxFixAttempts      int           `env:"MAX_FIX_ATTEMPTS" envDefault:"3" validate:"min=1"`
	WorkerStallAfter    time.Duration `env:"WORKER_STALL_AFTER" envDefault:"10m"`

	// Validation gates
	TestRunTimeout  time.Duration `env:"TEST_RUN_TIMEOUT" envDefault:"120s"`
	MinTestCoverage int           `env:"MIN_TEST_COVERAGE" envDefault:"80" validate:"min=0,max=100"`

	// Local state
	ProjectsDir string `env:"PROJECTS_DIR" envDefault:"projects"`
	LogDir      string `env:"LOG_DIR" envDefault:"logs"`

	// Deployment
	DeployDomain string `env:"DEPLOY_DOMAIN" envDefault:"devbot.site"`
	// DeployPortStart is the lowest host port handed to deployed containers.
	DeployPortStart    int           `env:"DEPLOY_PORT_START" envDefault:"3000" validate:"min=1024"`
	PortAllocFile      string        `env:"PORT_ALLOCATIONS_FILE"`
	CloudflaredConfig  string        `env:"CLOUDFLARED_CONFIG"`
	TunnelName         string        `env:"CLOUDFLARE_TUNNEL_NAME" envDefault:"devbot-pipeline"`
	TunnelID           string        `env:"CLOUDFLARE_TUNNEL_ID"`
	DockerBuildTimeout time.Duration `env:"DOCKER_BUILD_TIMEOUT" envDefault:"300s"`
	DockerRunTimeout   time.Duration `env:"DOCKER_RUN_TIMEOUT" envDefault:"60s"`
	CloudflaredTimeout time.Duration `env:"CLOUDFLARED_TIMEOUT" envDefault:"30s"`
	SystemctlTimeout   time.Duration `env:"SYSTEMCTL_TIMEOUT" envDefault:"15s"`
	GitCommandTimeout  time.Duration `env:"GIT_COMMAND_TIMEOUT" envDefault:"120s"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-dev-pipeline"`

	// Control API
	AdminUsername         string        `env:"ADMIN_USERNAME"`
	AdminPassword         string        `env:"ADMIN_PASSWORD"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Retry Configuration
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	// Rate-limit waits are far longer than ordinary retries.
	RateLimitMaxRetries int           `env:"RATELIMIT_MAX_RETRIES" envDefault:"5"`
	RateLimitBaseDelay  time.Duration `env:"RATELIMIT_BASE_DELAY" envDefault:"60s"`
	RateLimitMaxDelay   time.Duration `env:"RATELIMIT_MAX_DELAY" envDefault:"300s"`
}

// AdminEnabled returns true if the control API admin guard should be enabled.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}

// Load parses environment variables into a Config and fills home-relative
// path defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.PortAllocFile == "" {
		cfg.PortAllocFile = filepath.Join(homeDir(), ".ai-dev-pipeline", "port_allocations.json")
	}
	if cfg.CloudflaredConfig == "" {
		cfg.CloudflaredConfig = filepath.Join(homeDir(), ".cloudflared", "config.yml")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: validate: %w", err)
	}
	return cfg, nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetGenCLITimeouts returns subprocess timeouts appropriate for the current
// environment. Test environments use much shorter timeouts.
func (c Config) GetGenCLITimeouts() (run, diagnose time.Duration) {
	if c.IsTest() {
		return 5 * time.Second, 1 * time.Second
	}
	return c.GenCLITimeout, c.DiagnoseTimeout
}
