package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/app"
	"carbon-scribe/agri-credit/internal/config"
	"carbon-scribe/agri-credit/internal/observability/logger"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// each worker replica needs its own batch id node
	nodeID := int64(2)
	if v := os.Getenv("WORKER_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = n
		}
	}

	buildCtx, buildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	pipeline, err := app.Build(buildCtx, cfg, nodeID, prometheus.NewRegistry(), log)
	buildCancel()
	if err != nil {
		log.Fatal("Failed to build pipeline", zap.Error(err))
	}
	defer pipeline.Close()

	scheduler, err := settlement.NewScheduler(pipeline.Services.Settlement, cfg.Settlement.Schedule, log)
	if err != nil {
		log.Fatal("Failed to create settlement scheduler", zap.Error(err))
	}

	worker := NewPipelineWorker(pipeline.Services.Workflow, pipeline.Services.Anchoring, pipeline.Services.Signer,
		log, DefaultPipelineWorkerConfig())

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutdown signal received")
		cancel()
	}()

	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start settlement scheduler", zap.Error(err))
	}
	log.Info("Settlement scheduler started", zap.String("schedule", cfg.Settlement.Schedule))

	if err := worker.Start(ctx); err != nil {
		log.Error("Worker error", zap.Error(err))
	}

	scheduler.Stop()
	log.Info("Workers stopped")
}
