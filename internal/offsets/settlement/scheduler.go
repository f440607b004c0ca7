package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs settlement and minting on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler registers the settlement job. The schedule uses six fields (with seconds).
func NewScheduler(service *Service, schedule string, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		service: service,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid settlement schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("settlement scheduler already running")
	}
	s.running = true

	s.logger.Info("Starting settlement scheduler")
	s.cron.Start()
	return nil
}

// Stop waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.logger.Info("Stopping settlement scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// RunOnce runs one settlement pass, one mint pass and a sweep of stale minting batches
func (s *Scheduler) RunOnce(ctx context.Context) {
	if _, err := s.service.RunSettlement(ctx); err != nil {
		s.logger.Error("Settlement pass failed", zap.Error(err))
	}
	if _, err := s.service.RunMint(ctx); err != nil {
		s.logger.Error("Mint pass finished with failures", zap.Error(err))
	}
	if _, err := s.service.ReconcileMints(ctx); err != nil {
		s.logger.Error("Mint reconciliation finished with failures", zap.Error(err))
	}
}
