package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/api"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// TriggerSchedule marks runs submitted by the Scheduler.
const TriggerSchedule = "schedule"

// Scheduler submits a run at start and then once per interval.
type Scheduler struct {
	submit   api.Submitter
	ids      crawler.IDGenerator
	clock    crawler.Clock
	interval time.Duration
	sources  []string
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler. A non-positive interval disables it.
func NewScheduler(
	submit api.Submitter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	interval time.Duration,
	sources []string,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		submit:   submit,
		ids:      ids,
		clock:    clock,
		interval: interval,
		sources:  sources,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		return
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate run id failed", zap.Error(err))
		return
	}
	req := crawler.RunRequest{
		RunID:     id,
		SourceIDs: s.sources,
		Trigger:   TriggerSchedule,
		Submitted: s.clock.Now(),
	}
	if err := s.submit.Submit(ctx, req); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("scheduled run not submitted", zap.String("run_id", id), zap.Error(err))
		}
		return
	}
	s.logger.Info("scheduled run submitted", zap.String("run_id", id))
}
