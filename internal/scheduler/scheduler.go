// Package scheduler owns the orchestrator's background maintenance jobs. It
// wraps gocron with two tasks: an hourly sweep that removes the workspaces of
// terminal jobs past retention, and the daily log archival run when S3
// archival is configured. Both run in singleton mode so a slow pass never
// overlaps with the next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/archive"
	"github.com/waaall/opencode-agent/internal/config"
	"github.com/waaall/opencode-agent/internal/orchestrator"
)

// retentionSweepInterval is how often expired workspaces are swept.
const retentionSweepInterval = time.Hour

// Scheduler wraps gocron and coordinates the maintenance tasks.
type Scheduler struct {
	cron     gocron.Scheduler
	service  *orchestrator.Service
	archiver *archive.Archiver
	cfg      *config.Config
	logger   *zap.Logger
}

// New creates and configures a new Scheduler. Archiver may be nil, in which
// case only the retention sweep is scheduled. Call Start to begin processing.
func New(cfg *config.Config, service *orchestrator.Service, archiver *archive.Archiver, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cron,
		service:  service,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the underlying gocron
// scheduler. It should be called once at server startup.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(retentionSweepInterval),
		gocron.NewTask(s.sweepWorkspaces),
		gocron.WithName("workspace-retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register retention sweep: %w", err)
	}

	if s.archiver != nil {
		_, err = s.cron.NewJob(
			gocron.CronJob(s.cfg.ArchiveCron, false),
			gocron.NewTask(s.archiveLogs),
			gocron.WithName("log-archival"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduler: register log archival (cron %q): %w", s.cfg.ArchiveCron, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("retention_sweep_interval", retentionSweepInterval),
		zap.Bool("archival_enabled", s.archiver != nil))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any in-flight task to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	return nil
}

func (s *Scheduler) sweepWorkspaces() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	removed, err := s.service.CleanupExpiredWorkspaces(ctx)
	if err != nil {
		s.logger.Warn("workspace retention sweep failed",
			zap.Int("removed_before_failure", removed), zap.Error(err))
	}
}

func (s *Scheduler) archiveLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.archiver.Run(ctx); err != nil {
		s.logger.Warn("log archival run failed", zap.Error(err))
	}
}
