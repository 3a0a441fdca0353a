package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/app"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/secrets"
)

func main() {
	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	appOpts := app.Options{}
	if keys, err := secrets.Open(); err != nil {
		logger.Warn("keyring unavailable", slog.Any("error", err))
	} else {
		appOpts.Keys = keys
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	service, err := app.New(startCtx, cfg, logger, appOpts)
	cancelStart()
	if err != nil {
		logger.Error("failed to initialize askdb", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = service.Close() }()

	deps := api.Dependencies{
		Logger:   logger,
		Sessions: service.Manager,
		Readiness: api.CombineReadinessChecks(
			api.PingCheck(service.DB),
			api.CheckObjectStoreConfig(cfg),
		),
		RefreshCatalog:    service.RefreshCatalog,
		DependencyTimeout: time.Second,
	}
	if service.Exporter != nil {
		deps.Exporter = service.Exporter
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
