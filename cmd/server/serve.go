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

	"dropbeam/internal/server/api"
	"dropbeam/internal/server/service"
	"dropbeam/internal/server/storage"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the background sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"default_expiry_days", cfg.DefaultExpiryDays,
	)

	ctx := context.Background()
	a, err := bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()

	// Run migrations
	if err := a.db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		return err
	}
	slog.Info("database migrations complete")

	// Initialize services
	transfers := service.NewTransferService(a.repo, a.objects, a.emitter, service.TransferPolicy{
		DefaultExpiryDays: cfg.DefaultExpiryDays,
		MinExpiryDays:     cfg.MinExpiryDays,
		MaxExpiryDays:     cfg.MaxExpiryDays,
		BaseURL:           cfg.BaseURL,
	})
	finalizer := service.NewFinalizer(a.repo, a.tracker, a.objects, a.emitter, cfg.FinalizeMaxRetries)
	uploads := service.NewUploadService(transfers, a.tracker, finalizer)
	gate := service.NewAccessGate(transfers,
		service.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.AccessTokenTTL),
		service.NewAttemptLimiter(a.redis, cfg.PasswordAttempts, cfg.PasswordWindow),
		a.emitter,
	)
	sweeper := a.sweeper()

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(sweeper, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(api.HandlerConfig{
		Transfers:  transfers,
		Uploads:    uploads,
		Gate:       gate,
		Sweeper:    sweeper,
		BaseURL:    cfg.BaseURL,
		AdminToken: cfg.AdminToken,
		Checks: []api.HealthCheck{
			{Name: "database", Check: a.db.HealthCheck},
			{Name: "redis", Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }},
		},
	})
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err = <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
	return err
}
