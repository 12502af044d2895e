// Package jobs runs periodic housekeeping for AI usage counters and support threads.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/splax/resellermentor/pkg/config"
)

const jobTimeout = 2 * time.Minute

// UsagePruner deletes usage counters of past periods.
type UsagePruner interface {
	PruneUsage(ctx context.Context) (int64, error)
}

// ThreadSweeper deletes idle support threads.
type ThreadSweeper interface {
	SweepThreads(ctx context.Context) (int64, error)
}

// Scheduler runs housekeeping jobs on a cron spec.
type Scheduler struct {
	spec    string
	usage   UsagePruner
	threads ThreadSweeper
	logger  *slog.Logger
	cron    *cron.Cron
}

// New validates the schedule and returns a Scheduler. Either job may be nil.
func New(usage UsagePruner, threads ThreadSweeper, logger *slog.Logger, cfg config.APIConfig) (*Scheduler, error) {
	s := &Scheduler{
		spec:    cfg.UsageResetCron,
		usage:   usage,
		threads: threads,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := s.cron.AddFunc(s.spec, s.runOnceBackground); err != nil {
		return nil, fmt.Errorf("schedule housekeeping %q: %w", s.spec, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.cron.Start()
	s.logger.Info("housekeeping scheduler started", "schedule", s.spec)

	<-ctx.Done()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(jobTimeout):
		s.logger.Warn("housekeeping job still running at shutdown")
	}
	s.logger.Info("housekeeping scheduler stopped")
}

// RunOnce executes every job immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	if s.usage != nil {
		if n, err := s.usage.PruneUsage(opCtx); err != nil {
			s.logger.Warn("failed to prune ai usage", "error", err)
		} else {
			s.logger.Info("ai usage pruned", "rows", n)
		}
	}
	if s.threads != nil {
		if n, err := s.threads.SweepThreads(opCtx); err != nil {
			s.logger.Warn("failed to sweep chat threads", "error", err)
		} else {
			s.logger.Info("chat threads swept", "rows", n)
		}
	}
}

func (s *Scheduler) runOnceBackground() {
	s.RunOnce(context.Background())
}
