package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/verification"
	"carbon-scribe/agri-credit/pkg/ledger"
)

// PipelineWorker routes unassigned verification requests and anchors approved results
// that were left unanchored by an earlier ledger failure.
type PipelineWorker struct {
	workflow  *verification.Workflow
	anchoring *anchoring.Service
	signer    ledger.Signer
	logger    *zap.Logger
	config    PipelineWorkerConfig
	done      chan struct{}
	stopOnce  sync.Once
}

// PipelineWorkerConfig configuration for the pipeline worker
type PipelineWorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	PassTimeout  time.Duration
}

// DefaultPipelineWorkerConfig returns default configuration
func DefaultPipelineWorkerConfig() PipelineWorkerConfig {
	return PipelineWorkerConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		PassTimeout:  5 * time.Minute,
	}
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(workflow *verification.Workflow, anchor *anchoring.Service, signer ledger.Signer, logger *zap.Logger, config PipelineWorkerConfig) *PipelineWorker {
	return &PipelineWorker{
		workflow:  workflow,
		anchoring: anchor,
		signer:    signer,
		logger:    logger,
		config:    config,
		done:      make(chan struct{}),
	}
}

// Start runs passes until ctx is cancelled or Stop is called
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting pipeline worker",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize))

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Pipeline worker shutting down")
			return nil
		case <-w.done:
			w.logger.Info("Pipeline worker stopped")
			return nil
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

// Stop stops the pipeline worker
func (w *PipelineWorker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *PipelineWorker) runPass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.config.PassTimeout)
	defer cancel()

	placed, err := w.workflow.AssignPending(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("Failed to assign pending verifications", zap.Error(err))
	} else if placed > 0 {
		w.logger.Info("Assigned pending verifications", zap.Int("placed", placed))
	}

	anchored, err := w.anchoring.Reconcile(ctx, w.signer, w.config.BatchSize)
	if err != nil {
		w.logger.Error("Anchor reconciliation finished with failures", zap.Int("anchored", anchored), zap.Error(err))
	} else if anchored > 0 {
		w.logger.Info("Anchored pending results", zap.Int("anchored", anchored))
	}
}
