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

	"github.com/hblaDCOM/sql-server-table-assistant/internal/config"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/history"
	s3store "github.com/hblaDCOM/sql-server-table-assistant/internal/history/s3"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/model"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/observability"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/respcache"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/schema"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/web"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/web/uistatic"
)

func main() {
	cfg, err := config.LoadFromEnv("tableassist-web")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	store, err := table.Open(context.Background(), table.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		TableSchema:     cfg.Database.TableSchema,
		TableName:       cfg.Database.TableName,
		MaxRows:         cfg.Database.MaxRows,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	client, err := model.NewOpenAIClient(model.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
		MaxRetries:  cfg.AI.MaxRetries,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	var archive history.ArchiveStore
	if cfg.Archive.Enabled {
		archive, err = s3store.New(context.Background(), s3store.Config{
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
			logger.Error("failed to initialize history archive", slog.Any("error", err))
			os.Exit(1)
		}
	}

	recorder, err := history.NewRecorder(history.RecorderOptions{
		Dir:        cfg.History.Dir,
		MemorySize: cfg.History.MemorySize,
		Archive:    archive,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to initialize history recorder", slog.Any("error", err))
		os.Exit(1)
	}

	schemaCache := schema.NewCache(store, logger)
	engine := session.NewEngine(session.EngineOptions{
		Model:         client,
		Store:         store,
		Schema:        schemaCache,
		Cache:         respcache.NewCache(cfg.Cache.Capacity),
		Logger:        logger,
		MaxIterations: cfg.Session.MaxRefinements,
		ExplainRowCap: cfg.Session.ExplainRowCap,
	})

	handler := web.NewHandler(cfg, web.Dependencies{
		Logger:      logger,
		Readiness:   store.Ping,
		Engine:      engine,
		Schema:      schemaCache,
		History:     recorder,
		Preview:     store,
		PreviewRows: cfg.Database.PreviewRows,
		UI:          uistatic.Handler(),
	})

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
		logger.Info("starting web server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("web server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down web server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
