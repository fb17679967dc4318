// Command orchestrator starts the pipeline daemon: worker pool, CI
// monitors, and the HTTP control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/deploy"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/forge"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/gencli"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/gitrepo"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/httpserver"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/logstore"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/observability"
	"github.com/devbotlabs/ai-dev-pipeline/internal/adapter/redisq"
	"github.com/devbotlabs/ai-dev-pipeline/internal/agent"
	"github.com/devbotlabs/ai-dev-pipeline/internal/app"
	"github.com/devbotlabs/ai-dev-pipeline/internal/config"
	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
	"github.com/devbotlabs/ai-dev-pipeline/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes task, queue, and HTTP instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Broker. The assignment store is the only cross-goroutine shared state;
	// an unreachable broker is fatal at startup.
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	store := redisq.NewStore(rdb)
	bus := redisq.NewBus(rdb)
	interactions := logstore.New(cfg.LogDir)
	defer interactions.Close()

	forgeClient := forge.New(cfg, interactions)
	pusher := gitrepo.New(cfg)

	runTimeout, diagTimeout := cfg.GetGenCLITimeouts()
	genFor := func(kind domain.AgentKind) domain.GenRunner {
		return gencli.New(gencli.Options{
			Bin:             cfg.GenCLIBin,
			Agent:           kind,
			DefaultTimeout:  runTimeout,
			DiagnoseTimeout: diagTimeout,
			HealPolicy: domain.RetryPolicy{
				MaxAttempts: cfg.RetryMaxRetries,
				BaseDelay:   cfg.RetryInitialDelay,
				MaxDelay:    cfg.RetryMaxDelay,
				Multiplier:  cfg.RetryMultiplier,
			},
		}, interactions)
	}

	deployer, err := deploy.New(cfg)
	if err != nil {
		slog.Error("container engine unavailable", slog.Any("error", err))
		os.Exit(1)
	}

	agents := agent.NewRegistry(agent.Deps{
		Forge:  forgeClient,
		GenFor: genFor,
		Pusher: pusher,
		Bus:    bus,
		Store:  store,
		Cfg:    cfg,
	})

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Agents:   agents,
		Store:    store,
		Forge:    forgeClient,
		Pusher:   pusher,
		Bus:      bus,
		Deployer: deployer,
		Log:      interactions,
		GenFor:   genFor,
	})
	if n, err := orch.Restore(); err != nil {
		slog.Error("project restore failed", slog.Any("error", err))
		os.Exit(1)
	} else {
		slog.Info("projects restored", slog.Int("count", n))
	}
	defer orch.Close()

	redisCheck := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	srv := httpserver.NewServer(cfg, orch, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
