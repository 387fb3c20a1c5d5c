package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/clock/system"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []crawler.RunRequest
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, req crawler.RunRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + string(rune('0'+s.n)), nil
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestSchedulerSubmitsAtStartAndOnTick(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s := NewScheduler(sub, &sequenceIDs{}, system.NewManual(start), 20*time.Millisecond, []string{"board"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sub.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	sub.mu.Lock()
	defer sub.mu.Unlock()
	first := sub.reqs[0]
	require.Equal(t, "run-1", first.RunID)
	require.Equal(t, TriggerSchedule, first.Trigger)
	require.Equal(t, []string{"board"}, first.SourceIDs)
	require.Equal(t, start, first.Submitted)
	require.Equal(t, "run-2", sub.reqs[1].RunID)
}

func TestSchedulerDisabled(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	s := NewScheduler(sub, &sequenceIDs{}, system.NewManual(start), 0, nil, nil)
	s.Run(context.Background())
	require.Zero(t, sub.count())
}

func TestSchedulerKeepsGoingAfterSubmitError(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{err: errors.New("queue full")}
	s := NewScheduler(sub, &sequenceIDs{}, system.NewManual(start), 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return sub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
