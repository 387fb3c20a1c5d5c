package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitEnforcesInterval(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Register("aoc", 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "aoc"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "aoc"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 100*time.Millisecond, l.Interval("aoc"))
}

func TestLimiter_SourcesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, time.Second, l.Interval("b"))
}

func TestLimiter_WaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Register("slow", time.Hour)
	require.NoError(t, l.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "slow"))
}

func TestLimiter_NegativeIntervalDisables(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Second})
	l.Register("free", -1)
	require.Zero(t, l.Interval("free"))
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), "free"))
	}
}
