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

	"pdfcast/internal/api"
	"pdfcast/internal/config"
	"pdfcast/internal/logging"
	"pdfcast/internal/pipeline"
	"pdfcast/internal/redis"
	"pdfcast/internal/service/inference"
	"pdfcast/internal/service/ingest"
	"pdfcast/internal/service/synthesis"
	"pdfcast/internal/storage"
	"pdfcast/internal/store"
	"pdfcast/internal/usage"
	"pdfcast/internal/watcher"
	"pdfcast/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.BasicConfig.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("PDFCAST_DB")
	if dbType == "" {
		dbType = storage.DriverSQLite
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	ledger, err := usage.NewLedger(db, dbType,
		usage.WithLocation(cfg.BasicConfig.Location()),
		usage.WithLogger(logger.With("component", "usage")),
	)
	if err != nil {
		return fmt.Errorf("init usage ledger: %w", err)
	}
	var reportCache usage.Cache
	if rdb != nil {
		reportCache = rdb
	}
	reporter := usage.NewReporter(ledger, cfg.Usage.DailyCap, reportCache,
		time.Duration(cfg.Usage.ReportCacheTTLSec)*time.Second, logger.With("component", "usage"))

	documents := store.NewDocumentStore()
	artifacts := store.NewArtifactStore(cfg.BasicConfig.AudioDir)
	if err := os.MkdirAll(cfg.BasicConfig.AudioDir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	ingester := ingest.NewService(cfg.BasicConfig.DocumentDir, cfg.BasicConfig.MaxUploadBytes, documents, logger.With("component", "ingest"))

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	oracle, err := inference.NewOracle(ctx, cfg, httpClient, logger.With("component", "inference"))
	if err != nil {
		return fmt.Errorf("init inference oracle: %w", err)
	}
	gateway := inference.NewGateway(oracle, ledger, inference.Models{
		Classify:  cfg.Inference.ClassifyModel,
		Summarize: cfg.Inference.SummarizeModel,
	}, logger.With("component", "inference"))

	engine, err := newSynthesisEngine(ctx, cfg, httpClient)
	if err != nil {
		return fmt.Errorf("init synthesis engine: %w", err)
	}
	speech := synthesis.NewGateway(engine, logger.With("component", "synthesis"))

	orchestrator := pipeline.New(pipeline.Deps{
		Documents:             documents,
		Inference:             gateway,
		Synthesis:             speech,
		Artifacts:             artifacts,
		AllowGeneralSummaries: cfg.Inference.AllowGeneralSummaries,
		Logger:                logger.With("component", "pipeline"),
	})

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger.With("component", "worker"))

	if cfg.BasicConfig.InboxDir != "" {
		inbox, err := watcher.New(cfg.BasicConfig.InboxDir, func(ctx context.Context, path string) error {
			_, err := ingester.IngestFile(ctx, path)
			return err
		}, logger.With("component", "watcher"), cfg.BasicConfig.MaxWorkers, 0)
		if err != nil {
			return fmt.Errorf("init inbox watcher: %w", err)
		}
		defer inbox.Stop()
		go func() {
			if err := inbox.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("inbox watcher exited", "err", err)
			}
		}()
	}

	handler := api.NewHandler(api.Deps{
		Ingest:          ingester,
		Documents:       documents,
		Artifacts:       artifacts,
		Pipeline:        orchestrator,
		Workers:         dispatcher,
		Usage:           reporter,
		MaxUploadBytes:  cfg.BasicConfig.MaxUploadBytes,
		DefaultWindow:   cfg.Usage.WindowDays,
		PipelineTimeout: time.Duration(cfg.BasicConfig.PipelineTimeout) * time.Minute,
		AllowedOrigins:  cfg.BasicConfig.AllowedOrigins,
		Logger:          logger.With("component", "api"),
	})

	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", "err", err)
	}
	return nil
}

func newSynthesisEngine(ctx context.Context, cfg *config.Config, httpClient *http.Client) (synthesis.Engine, error) {
	provider := cfg.Synthesis.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	switch provider {
	case "gemini":
		return synthesis.NewGeminiEngine(ctx, provCfg, cfg.Synthesis, httpClient)
	default:
		return nil, fmt.Errorf("provider %s cannot synthesize speech", provider)
	}
}
