package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/receiptvault/ingest/internal/async"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/export"
	"github.com/receiptvault/ingest/internal/extract"
	"github.com/receiptvault/ingest/internal/ocr"
	"github.com/receiptvault/ingest/internal/pipeline"
	"github.com/receiptvault/ingest/internal/repository"
	"github.com/receiptvault/ingest/internal/server"
	"github.com/receiptvault/ingest/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repository.HealthCheck(ctx, pool, cfg.Database.DialTimeout, logger); err != nil {
		logger.Error("database health failed", "error", err)
		os.Exit(1)
	}

	s3c, err := storage.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		logger.Error("object store client failed", "error", err)
		os.Exit(1)
	}
	store := storage.NewS3Store(s3c, cfg.Storage, logger)

	analyzer := ocr.NewClient(
		ocr.Config{
			BaseURL: cfg.OCR.BaseURL,
			APIKey:  cfg.OCR.APIKey,
			Timeout: cfg.OCR.Timeout,
		},
		ocr.RetryPolicy{
			MaxAttempts: cfg.OCR.MaxAttempts,
			BaseDelay:   cfg.OCR.BaseDelay,
			Retry404:    cfg.OCR.Retry404,
		},
		logger,
	)

	repo := repository.NewReceiptRepository(pool, logger)
	extractor := extract.NewExtractor(extract.NewHeuristicLocator(), cfg.Pipeline.LocationMinConfidence, logger)
	proc := pipeline.NewProcessor(repo, store, analyzer, extractor, "analysis-api", cfg.Pipeline.MinConfidence, logger)

	queue := async.NewProcessorQueue(proc, logger,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
	)

	exporter := export.NewService(repo, logger)
	svc := server.NewService(proc, queue, repo, exporter, logger)
	app := server.NewApp(svc)

	go func() {
		logger.Info("http serving", "addr", cfg.Server.HTTPAddr)
		if err := app.Listen(cfg.Server.HTTPAddr); err != nil {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	queue.Shutdown(shutdownCtx)
	cancel()

	logger.Info("stopped")
}
