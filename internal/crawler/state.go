package crawler

import "fmt"

// RunState is a stage of the per-run state machine.
type RunState string

// Run states. DONE and FAILED are terminal.
const (
	RunPending     RunState = "PENDING"
	RunFetching    RunState = "FETCHING"
	RunParsing     RunState = "PARSING"
	RunNormalizing RunState = "NORMALIZING"
	RunPersisting  RunState = "PERSISTING"
	RunDone        RunState = "DONE"
	RunFailed      RunState = "FAILED"
)

var runStateOrder = map[RunState]int{
	RunPending:     0,
	RunFetching:    1,
	RunParsing:     2,
	RunNormalizing: 3,
	RunPersisting:  4,
	RunDone:        5,
}

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunDone || s == RunFailed
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	if s == RunFailed {
		return true
	}
	_, ok := runStateOrder[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal. Stages only
// move forward, a stage may be skipped (an empty run goes straight from
// FETCHING to DONE), and FAILED is reachable from every non-terminal state.
// Re-entering the current stage is a no-op and allowed.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == RunFailed {
		return true
	}
	return runStateOrder[next] >= runStateOrder[s]
}

// Transition returns next when the move is legal and ErrInvalidTransition otherwise.
func (s RunState) Transition(next RunState) (RunState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}
