package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/cli/assistant"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/config"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/diag"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/history"
	s3store "github.com/hblaDCOM/sql-server-table-assistant/internal/history/s3"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/model"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/observability"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/respcache"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/schema"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
	"github.com/hblaDCOM/sql-server-table-assistant/internal/table"
)

func main() {
	cfg, err := config.LoadFromEnv("tableassist")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays clean for the interactive loop.
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := table.Open(ctx, table.Options{
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
		archive, err = s3store.New(ctx, s3store.Config{
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

	code := assistant.Run(ctx, assistant.Options{
		Engine:      engine,
		Schema:      schemaCache,
		History:     recorder,
		Diagnostics: diag.NewRunner(store, schemaCache, logger),
		Preview:     store,
		Logger:      logger,
		PreviewRows: cfg.Database.PreviewRows,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	})
	os.Exit(code)
}
