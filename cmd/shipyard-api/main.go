package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/catalog"
	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/integrations/docker"
	"github.com/splax/shipyard/internal/integrations/pipeline"
	"github.com/splax/shipyard/internal/integrations/scm"
	"github.com/splax/shipyard/internal/integrations/terraform"
	"github.com/splax/shipyard/internal/integrations/tracker"
	"github.com/splax/shipyard/internal/integrations/verify"
	"github.com/splax/shipyard/internal/integrations/workspace"
	"github.com/splax/shipyard/internal/policy"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/memory"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/resolver"
	"github.com/splax/shipyard/internal/service/infra"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/release"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("shipyard-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	res, err := resolver.New(cat, resolver.Options{Transitive: cfg.TransitiveResolving})
	if err != nil {
		log.Error("invalid project dependency graph", "error", err)
		os.Exit(1)
	}
	gate := policy.New(cat)

	store, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logHub := ws.NewHub()
	defer logHub.Close()
	registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "api",
		Name:      "log_stream_dropped_total",
		Help:      "Log lines not delivered to a stream subscriber because its queue was full",
	}, func() float64 { return float64(logHub.Dropped()) }))
	logSvc := logs.New(store, logHub, log)

	tf := terraform.New(cfg.TerraformBin, cfg.TerraformRoot, log)
	infraSvc := infra.New(cat, res, gate, tf, log)

	integ, closeIntegrations := buildIntegrations(ctx, cfg, infraSvc, log)
	defer closeIntegrations()

	releaseSvc := release.New(store, cat, logSvc, integ, release.Config{
		DeployTimeout: cfg.DeployTimeout,
		SourceBranch:  cfg.SCMSourceBranch,
		Metrics:       release.NewMetrics(registry),
	}, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Releases: releaseSvc,
		Infra:    infraSvc,
		Policy:   gate,
		Logs:     logSvc,
	}, httpx.Config{
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		RateLimits: httpx.RateLimits{
			Read:    cfg.RateLimitRead,
			Write:   cfg.RateLimitWrite,
			Execute: cfg.RateLimitExecute,
			Stream:  cfg.RateLimitStream,
			Window:  cfg.RateLimitWindow,
		},
		DBHealth: dbHealth,
		Registry: registry,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment, "store", cfg.StoreDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := releaseSvc.Wait(shutdownCtx); err != nil {
			log.Warn("background releases still running at shutdown", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// openStore returns the configured repository with its health probe and closer.
func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (repository.Store, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store; releases are lost on restart")
		return memory.New(), nil, func() {}, nil
	}

	if cfg.AutoMigrate {
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, nil, nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return postgres.New(pool), pool.Ping, pool.Close, nil
}

// buildIntegrations wires only the external systems that are configured.
// Steps whose integration stays nil fail with a "not configured" error.
func buildIntegrations(ctx context.Context, cfg config.ServerConfig, infraSvc infra.Service, log *slog.Logger) (release.Integrations, func()) {
	integ := release.Integrations{Infra: infraSvc}
	closers := []func(){}
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	if cfg.SCMRepoURL != "" {
		ws, err := workspace.New(cfg.SCMWorkdir)
		if err != nil {
			log.Warn("scm workspace unavailable", "error", err)
		} else if git, err := scm.New(cfg.SCMRepoURL, ws, log); err != nil {
			log.Warn("scm integration disabled", "error", err)
		} else {
			integ.SourceControl = git
		}
	}

	if cfg.TrackerURL != "" {
		if client, err := tracker.New(cfg.TrackerURL, cfg.TrackerToken, nil); err != nil {
			log.Warn("tracker integration disabled", "error", err)
		} else {
			integ.Tracker = client
		}
	}

	if cfg.PipelineURL != "" {
		if client, err := pipeline.New(cfg.PipelineURL, cfg.PipelineToken, cfg.DeployPollInterval, nil, log); err != nil {
			log.Warn("pipeline integration disabled", "error", err)
		} else {
			integ.Deployer = client
		}
	}

	if cfg.VerifyURLTemplate != "" {
		if verifier, err := verify.New(cfg.VerifyURLTemplate, cfg.VerifyTimeout, nil); err != nil {
			log.Warn("verification disabled", "error", err)
		} else {
			integ.Verifier = verifier
		}
	}

	if builder, closeDocker := dockerBuilder(ctx, cfg, log); builder != nil {
		integ.Builder = builder
		closers = append(closers, closeDocker)
	}
	return integ, closeAll
}

func dockerBuilder(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (*docker.ServiceBuilder, func()) {
	client, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker client unavailable; service builds disabled", "error", err)
		return nil, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Warn("docker daemon unreachable; service builds disabled", "error", err)
		_ = client.Close()
		return nil, nil
	}
	ws, err := workspace.New(cfg.BuildWorkdir)
	if err != nil {
		log.Warn("build workspace unavailable; service builds disabled", "error", err)
		_ = client.Close()
		return nil, nil
	}
	builder := docker.NewServiceBuilder(client, ws, scm.Clone, cfg.DockerRegistry, log)
	return builder, func() { _ = client.Close() }
}
