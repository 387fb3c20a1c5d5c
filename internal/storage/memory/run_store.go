package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// RunStore keeps run history in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// CreateRun stores a new run. IDs must be unique.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.State == "" {
		run.State = crawler.RunPending
	}
	run.Sources = append([]string(nil), run.Sources...)
	s.runs[run.ID] = run
	return nil
}

// UpdateRun records a state change and the latest summary. Illegal state
// changes are rejected with crawler.ErrInvalidTransition.
func (s *RunStore) UpdateRun(_ context.Context, runID string, state crawler.RunState, summary crawler.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	next, err := run.State.Transition(state)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	run.State = next
	summary.State = next
	run.Summary = summary
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]crawler.Run, error) {
	s.mu.RLock()
	runs := make([]crawler.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Submitted.Equal(runs[j].Submitted) {
			return runs[i].Submitted.After(runs[j].Submitted)
		}
		return runs[i].ID > runs[j].ID
	})
	if offset > len(runs) {
		offset = len(runs)
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}
