// Package app wires the router's infrastructure (database, Redis, store,
// registry, event hub, audit writer, ops notifier) into a running HTTP
// server. It is the single place Run is orchestrated.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/mcprouter/internal/audit"
	"github.com/wisbric/mcprouter/internal/auth"
	"github.com/wisbric/mcprouter/internal/config"
	"github.com/wisbric/mcprouter/internal/crypto"
	"github.com/wisbric/mcprouter/internal/eventhub"
	"github.com/wisbric/mcprouter/internal/httpserver"
	"github.com/wisbric/mcprouter/internal/opsnotify"
	"github.com/wisbric/mcprouter/internal/platform"
	"github.com/wisbric/mcprouter/internal/registry"
	"github.com/wisbric/mcprouter/internal/router"
	"github.com/wisbric/mcprouter/internal/store"
	"github.com/wisbric/mcprouter/internal/telemetry"
)

// Run reads config, connects to infrastructure, bootstraps the router core,
// and serves HTTP until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting mcprouter", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	encryptor, err := crypto.NewFromEnv(logger, cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("initializing encryptor: %w", err)
	}

	st := store.New(db, encryptor, logger)
	reg := registry.New()
	hub := eventhub.New()
	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)

	if notifier.IsEnabled() {
		logger.Info("ops notifications enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("ops notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	manifest, err := router.LoadManifest(cfg.UpstreamsFile)
	if err != nil {
		return fmt.Errorf("loading upstream manifest: %w", err)
	}

	rt, err := router.New(ctx, manifest, reg, st, hub, notifier, logger)
	if err != nil {
		return fmt.Errorf("bootstrapping router: %w", err)
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	rateLimiter := auth.NewRateLimiter(rdb, auth.MaxFailedAttempts, auth.LockoutWindow)
	auditHandler := audit.NewHandler(db, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, rt, hub, st, rateLimiter, auditWriter, auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
