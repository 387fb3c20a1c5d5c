package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunStateForwardTransitions(t *testing.T) {
	t.Parallel()

	state := RunPending
	for _, next := range []RunState{RunFetching, RunParsing, RunNormalizing, RunPersisting, RunDone} {
		var err error
		state, err = state.Transition(next)
		require.NoError(t, err)
	}
	require.Equal(t, RunDone, state)
	require.True(t, state.Terminal())
}

func TestRunStateRejectsBackwardsAndTerminal(t *testing.T) {
	t.Parallel()

	_, err := RunParsing.Transition(RunFetching)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = RunDone.Transition(RunFailed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = RunFailed.Transition(RunDone)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = RunPending.Transition(RunState("BOGUS"))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRunStateFailedFromAnyStage(t *testing.T) {
	t.Parallel()

	for _, s := range []RunState{RunPending, RunFetching, RunParsing, RunNormalizing, RunPersisting} {
		next, err := s.Transition(RunFailed)
		require.NoError(t, err, s)
		require.Equal(t, RunFailed, next)
	}
}

func TestRunStateSkipsAndReentry(t *testing.T) {
	t.Parallel()

	require.True(t, RunFetching.CanTransition(RunDone))
	require.True(t, RunParsing.CanTransition(RunParsing))
}
