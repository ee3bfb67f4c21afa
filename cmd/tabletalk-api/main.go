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

	"github.com/tabletalk/tabletalk/internal/api"
	"github.com/tabletalk/tabletalk/internal/archive"
	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/schema"
	"github.com/tabletalk/tabletalk/internal/session"
	s3store "github.com/tabletalk/tabletalk/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("tabletalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	gateway, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Model,
		Timeout: cfg.Model.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model gateway", slog.Any("error", err))
		os.Exit(1)
	}

	var archiver session.Archiver
	if cfg.Archive.Enabled {
		store, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize archive store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver, err = archive.New(store)
		if err != nil {
			logger.Error("failed to initialize archiver", slog.Any("error", err))
			os.Exit(1)
		}
	}

	manager, err := session.NewManager(session.ManagerConfig{
		Gateway:  gateway,
		Catalog:  schema.NewCatalog(),
		Ask:      cfg.Ask,
		Schema:   cfg.Schema,
		Model:    cfg.Model,
		Archiver: archiver,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to initialize session manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = manager.Close() }()

	if cfg.Bindings.Static != "" {
		bindings, err := session.ParseStaticBindings(cfg.Bindings.Static)
		if err != nil {
			logger.Error("failed to parse static bindings", slog.Any("error", err))
			os.Exit(1)
		}
		for _, binding := range bindings {
			if err := manager.AddBinding(context.Background(), binding); err != nil {
				logger.Error("failed to register binding",
					slog.String("binding", binding.Name), slog.Any("error", err))
				os.Exit(1)
			}
		}
	}

	deps := api.Dependencies{
		Logger:          logger,
		Sessions:        manager,
		AdminMiddleware: auth.RequireRole(auth.RoleAdmin),
		Readiness: api.CombineReadinessChecks(
			api.CheckModelConfig(cfg),
			api.CheckArchiveConfig(cfg),
		),
		DependencyTimeout: time.Second,
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
