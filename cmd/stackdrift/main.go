package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/halverson/stackdrift/internal/app/migrate"
	"github.com/halverson/stackdrift/internal/compose"
	"github.com/halverson/stackdrift/internal/deploy"
	"github.com/halverson/stackdrift/internal/drift"
	httpx "github.com/halverson/stackdrift/internal/http"
	"github.com/halverson/stackdrift/internal/registry"
	"github.com/halverson/stackdrift/internal/repository/postgres"
	"github.com/halverson/stackdrift/internal/runtime"
	"github.com/halverson/stackdrift/internal/scan"
	"github.com/halverson/stackdrift/internal/secret"
	"github.com/halverson/stackdrift/internal/ws"
	"github.com/halverson/stackdrift/pkg/config"
	"github.com/halverson/stackdrift/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", logger.LevelFromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
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

	repo := postgres.New(pool)

	keyring, err := secret.NewKeyring(cfg.AgeKey, cfg.AgeKeyFile)
	switch {
	case errors.Is(err, secret.ErrNoKey):
		// Unencrypted stacks still work; any SOPS content will fail to
		// resolve with a clear error.
		log.Warn("no age key configured, encrypted files cannot be decrypted")
		keyring = &secret.Keyring{}
	case err != nil:
		log.Error("failed to load age key", "error", err)
		os.Exit(1)
	}
	defer keyring.Close()

	if err := os.MkdirAll(cfg.StageDir, 0o700); err != nil {
		log.Error("failed to create stage dir", "dir", cfg.StageDir, "error", err)
		os.Exit(1)
	}

	resolver := secret.NewResolver(keyring, log)
	renderer := compose.NewRenderer(resolver, cfg.StageDir, log)

	scanner := scan.NewScanner(cfg.IacRoot, repo, repo, cfg.KnownHosts, log)
	reg := registry.NewService(repo, repo, repo, repo, scanner, autoDevOpsDefault(cfg.AutoDevOpsDefault), log)

	docker, err := runtime.NewClient(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable, drift and deploys will degrade", "error", err)
	}
	composeRunner := &runtime.CLIRunner{Bin: cfg.ComposeBin, Host: cfg.DockerHost}

	var (
		verdictSink   drift.VerdictSink
		verdictReader httpx.VerdictReader
	)
	if addr := strings.TrimSpace(cfg.VerdictRedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.VerdictRedisPass,
			DB:       cfg.VerdictRedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("verdict cache unavailable", "error", err)
		} else {
			cache := drift.NewRedisVerdictCache(rdb, cfg.VerdictCacheTTL)
			verdictSink = cache
			verdictReader = cache
		}
	}

	detector := drift.NewDetector(scanner, renderer, docker, repo, verdictSink, cfg.DriftTimeout, log)
	hub := ws.NewHub()
	orchestrator := deploy.NewOrchestrator(
		scanner, resolver, renderer, composeRunner,
		repo, repo, reg, hub,
		cfg.StageDir, cfg.DeployTimeout, cfg.EventBuffer, log,
	)

	if res, err := scanner.Scan(ctx); err != nil {
		log.Error("initial scan failed", "error", err)
	} else {
		log.Info("initial scan complete", "stacks", res.Stacks, "files", res.Files, "pruned", res.Pruned)
	}
	watcher := scan.NewWatcher(cfg.IacRoot, cfg.ScanDebounce, func(ctx context.Context) {
		if _, err := scanner.Scan(ctx); err != nil {
			log.Error("rescan failed", "error", err)
		}
	}, log)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("iac watcher stopped", "error", err)
		}
	}()

	router := httpx.NewRouter(log, reg, scanner, renderer, detector, orchestrator, verdictReader, scanner, resolver, scanner, hub, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine starting", "addr", cfg.Addr, "iac_root", cfg.IacRoot)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func autoDevOpsDefault(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return v
}
