package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowplan/flowplan/internal/config"
	"github.com/flowplan/flowplan/internal/workflow"
)

// RetentionSweeper purges terminal runs (with their node rows and logs)
// older than the configured retention window on a cron schedule.
type RetentionSweeper struct {
	repo   *workflow.Repository
	cfg    config.RetentionConfig
	logger *slog.Logger
	cron   *cron.Cron

	running bool
	mu      sync.Mutex
}

// NewRetentionSweeper creates a retention sweeper
func NewRetentionSweeper(repo *workflow.Repository, cfg config.RetentionConfig, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the sweep. A disabled sweeper is a no-op.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.sweep(ctx)
	}); err != nil {
		s.logger.Error("failed to schedule retention sweep", "error", err)
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("retention sweeper started",
		"schedule", s.cfg.Schedule,
		"retention_days", s.cfg.RetentionDays,
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep
func (s *RetentionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention sweeper stopped")
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.repo.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep removed executions",
			"deleted", deleted,
			"cutoff", cutoff,
		)
	}
}
