package pipeline

import (
	"sync"
	"time"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// RunContext holds the mutable state of one run. Every run gets its own, so
// runs may execute concurrently in one process.
type RunContext struct {
	ID      string
	Sources []string

	mu      sync.Mutex
	state   crawler.RunState
	summary crawler.RunSummary

	// notifyMu keeps state announcements in transition order.
	notifyMu sync.Mutex
}

func newRunContext(id string, sources []string, started time.Time) *RunContext {
	return &RunContext{
		ID:      id,
		Sources: sources,
		state:   crawler.RunPending,
		summary: crawler.RunSummary{State: crawler.RunPending, StartedAt: started},
	}
}

// State returns the current run state.
func (rc *RunContext) State() crawler.RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Summary returns a copy of the current counters.
func (rc *RunContext) Summary() crawler.RunSummary {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.summary
}

func (rc *RunContext) update(fn func(*crawler.RunSummary)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(&rc.summary)
}

// advance moves to next when it lies ahead of the current state. Stages of
// different sources overlap, so a request for an earlier stage is ignored
// rather than treated as an error. It reports whether the state changed.
func (rc *RunContext) advance(next crawler.RunState) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == next || !rc.state.CanTransition(next) {
		return false
	}
	rc.state = next
	rc.summary.State = next
	return true
}

// finish moves to a terminal state. It returns crawler.ErrInvalidTransition
// when the run already ended.
func (rc *RunContext) finish(state crawler.RunState, partial bool, errText string, at time.Time) (crawler.RunSummary, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	next, err := rc.state.Transition(state)
	if err != nil {
		return rc.summary, err
	}
	rc.state = next
	rc.summary.State = next
	rc.summary.Partial = partial
	rc.summary.Error = errText
	rc.summary.FinishedAt = at
	return rc.summary, nil
}
