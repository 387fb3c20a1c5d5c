// Package dispatcher records submitted runs and fans queued work out to workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	runs    crawler.RunStore
	workers []*worker.Worker
}

// New creates a Dispatcher. runs may be nil when run history is not kept.
func New(queue crawler.Queue, runs crawler.RunStore, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		runs:    runs,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit records the run as PENDING and queues it. A run that cannot be
// queued is marked FAILED.
func (d *Dispatcher) Submit(ctx context.Context, req crawler.RunRequest) error {
	if req.RunID == "" {
		return errors.New("run id is required")
	}
	if d.runs != nil {
		err := d.runs.CreateRun(ctx, crawler.Run{
			ID:        req.RunID,
			Trigger:   req.Trigger,
			State:     crawler.RunPending,
			Sources:   req.SourceIDs,
			Submitted: req.Submitted,
		})
		if err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		if d.runs != nil {
			_ = d.runs.UpdateRun(context.WithoutCancel(ctx), req.RunID, crawler.RunFailed,
				crawler.RunSummary{State: crawler.RunFailed, Error: err.Error()})
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
