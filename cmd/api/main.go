package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/config"
	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/git"
	httpx "github.com/splax/launchpad/internal/http"
	"github.com/splax/launchpad/internal/lock"
	"github.com/splax/launchpad/internal/logger"
	"github.com/splax/launchpad/internal/repository/postgres"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/domains"
	"github.com/splax/launchpad/internal/service/ingress"
	"github.com/splax/launchpad/internal/service/webhook"
	"github.com/splax/launchpad/internal/traefik"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.EnsureNetwork(ctx, cfg.DockerNetwork); err != nil {
		log.Warn("docker network unavailable", "network", cfg.DockerNetwork, "error", err)
	}

	workspaces, err := workspace.New(cfg.GitWorkspace)
	if err != nil {
		log.Error("failed to prepare git workspace", "path", cfg.GitWorkspace, "error", err)
		os.Exit(1)
	}
	gitSvc := git.New(workspaces, nil, cfg.GitTimeout, log)
	go gitSvc.RunCleanupLoop(ctx, cfg.WorkspaceSweep, cfg.GitRetention)

	repo := postgres.New(pool)
	hub := ws.NewHub(log)
	locks := lock.NewKeyed()

	store := traefik.NewStore(cfg.TraefikDynamicConfigPath, log)
	ingressSvc := ingress.New(store, repo, repo, cfg.TraefikCertResolver, cfg.TraefikAPIURL, log)
	if cfg.TraefikHTTPSRedirect {
		if err := ingressSvc.EnableHTTPSRedirect(ctx); err != nil {
			log.Warn("https redirect middleware not stored", "error", err)
		}
	}
	if synced, err := ingressSvc.SyncAllDomains(ctx); err != nil {
		log.Warn("initial domain sync failed", "error", err)
	} else {
		log.Info("initial domain sync completed", "synced", synced)
	}

	builder := build.NewDefault(dockerClient, cfg.ImagePrefix, log)
	deploySvc := deploy.New(deploy.Dependencies{
		Projects:    repo,
		Deployments: repo,
		Containers:  repo,
		Builder:     builder,
		Runtime:     dockerClient,
		Source:      gitSvc,
		Routes:      ingressSvc,
		Events:      hub,
		Locks:       locks,
	}, deploySettings(cfg), log)
	releases := bluegreen.New(repo, repo, dockerClient, ingressSvc, locks, releaseSettings(cfg), log)
	webhookSvc := webhook.New(repo, repo, repo, deploySvc, cfg.EncryptionKey, cfg.WebhookSecret, log)
	domainSvc := domains.New(repo, repo, ingressSvc, log)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Deployments: deploySvc,
		Detector:    builder,
		Releases:    releases,
		Webhooks:    webhookSvc,
		Domains:     domainSvc,
		Events:      hub,
		Projects:    repo,
		Limiter:     limiter,
		HealthChecks: map[string]func(context.Context) error{
			"database": pool.Ping,
			"docker":   dockerClient.Ping,
		},
	}, httpx.Settings{
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		PublicURL:   cfg.PublicURL,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("waiting for running pipelines")
		router.Close()
		deploySvc.Wait()
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func deploySettings(cfg config.Config) deploy.Settings {
	return deploy.Settings{
		Network:       cfg.DockerNetwork,
		EncryptionKey: cfg.EncryptionKey,
		StopTimeout:   cfg.StopTimeout,
		BuildTimeout:  cfg.BuildTimeout,
	}
}

// releaseSettings shares the container settings of the deploy pipeline so
// both paths stop containers the same way.
func releaseSettings(cfg config.Config) bluegreen.Settings {
	return bluegreen.Settings{
		Network:       cfg.DockerNetwork,
		EncryptionKey: cfg.EncryptionKey,
		StopTimeout:   cfg.StopTimeout,
	}
}
