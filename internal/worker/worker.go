// Package worker consumes run requests and executes them through the pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// Runner executes one run. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, runID string, sources []crawler.Source) (crawler.RunSummary, error)
}

// Config controls Worker behavior.
type Config struct {
	// RunTimeout bounds a single run; zero means no limit.
	RunTimeout time.Duration
}

// Worker consumes queued run requests one at a time.
type Worker struct {
	queue   crawler.Queue
	catalog *crawler.Catalog
	runner  Runner
	runs    crawler.RunStore
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	catalog *crawler.Catalog,
	runner Runner,
	runs crawler.RunStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		catalog: catalog,
		runner:  runner,
		runs:    runs,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming requests until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", req.RunID))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req crawler.RunRequest) {
	logger := w.logger.With(zap.String("run_id", req.RunID), zap.String("trigger", req.Trigger))
	sources, err := w.catalog.Resolve(req.SourceIDs)
	if err != nil {
		logger.Error("run rejected", zap.Error(err))
		w.markFailed(ctx, req, err)
		return
	}

	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RunTimeout)
		defer cancel()
	}
	summary, err := w.runner.Run(ctx, req.RunID, sources)
	if err != nil {
		logger.Warn("run ended with error",
			zap.String("state", string(summary.State)),
			zap.Bool("partial", summary.Partial),
			zap.Error(err),
		)
		return
	}
	logger.Info("run completed", zap.Int("persisted", summary.Persisted), zap.Int("skipped", summary.Skipped))
}

func (w *Worker) markFailed(ctx context.Context, req crawler.RunRequest, cause error) {
	if w.runs == nil {
		return
	}
	summary := crawler.RunSummary{State: crawler.RunFailed, Error: cause.Error()}
	if w.clock != nil {
		summary.StartedAt = w.clock.Now()
		summary.FinishedAt = summary.StartedAt
	}
	err := w.runs.UpdateRun(context.WithoutCancel(ctx), req.RunID, crawler.RunFailed, summary)
	if err != nil {
		w.logger.Warn("record rejected run failed", zap.String("run_id", req.RunID), zap.Error(err))
	}
}
