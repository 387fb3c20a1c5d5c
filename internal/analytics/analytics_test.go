package analytics

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/storage/memory"
)

var extracted = time.Date(2025, 12, 4, 6, 0, 0, 0, time.UTC)

func row(login, campus string, points float64, streak, gold, silver, days int64) crawler.CanonicalRow {
	return crawler.CanonicalRow{
		Record: crawler.Record{
			NaturalKey: "aoc_ranking:" + login,
			SourceID:   "aoc-es",
			Schema:     "aoc_ranking",
			Attributes: map[string]any{
				"login":          login,
				"campus":         campus,
				"points":         points,
				"streak":         streak,
				"gold_stars":     gold,
				"silver_stars":   silver,
				"total_stars":    gold + silver,
				"completed_days": days,
			},
			ExtractedAt: extracted,
		},
		SchemaVersion: 1,
	}
}

func seeded(t *testing.T) *memory.RowStore {
	t.Helper()
	store := memory.NewRowStore()
	_, err := store.Upsert(context.Background(), []crawler.CanonicalRow{
		row("alice", "BCN", 120, 4, 3, 1, 4),
		row("bob", "MAD", 40, 1, 1, 0, 1),
		row("carol", "BCN", 120, 2, 2, 0, 2),
		row("dave", "MAD", 80, 3, 2, 1, 3),
	})
	require.NoError(t, err)
	return store
}

func TestTopNSortsByPoints(t *testing.T) {
	top, err := TopN(context.Background(), seeded(t), crawler.Predicate{}, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)

	require.Equal(t, "alice", top[0].Login)
	require.Equal(t, 1, top[0].Rank)
	require.Equal(t, "carol", top[1].Login)
	require.Equal(t, 1, top[1].Rank)
	require.Equal(t, "dave", top[2].Login)
	require.Equal(t, 3, top[2].Rank)
	require.Equal(t, int64(3), top[2].GoldStars)
}

func TestTopNAllWithFilter(t *testing.T) {
	top, err := TopN(context.Background(), seeded(t), crawler.Predicate{Equals: map[string]string{"campus": "mad"}}, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "dave", top[0].Login)
	require.Equal(t, "bob", top[1].Login)
}

func TestCampusSummary(t *testing.T) {
	s, err := CampusSummary(context.Background(), seeded(t), crawler.Predicate{}, LatestDay)
	require.NoError(t, err)
	require.Equal(t, 4, s.Day)

	require.Equal(t, 4, s.Global.Participants)
	require.InDelta(t, 90.0, s.Global.AvgPoints, 1e-9)
	require.InDelta(t, 120.0, s.Global.MaxPoints, 0)
	require.InDelta(t, 2.5, s.Global.AvgStreak, 1e-9)
	require.Equal(t, int64(4), s.Global.MaxStreak)
	require.Equal(t, int64(8), s.Global.GoldStars)
	require.Equal(t, int64(2), s.Global.SilverStars)
	// 10 stars over 4 participants × 2 × 4 days.
	require.InDelta(t, 31.25, s.Global.CompletionRate, 1e-9)

	require.Len(t, s.Campuses, 2)
	bcn := s.Campuses[0]
	require.Equal(t, "BCN", bcn.Campus)
	require.Equal(t, 2, bcn.Participants)
	require.InDelta(t, 120.0, bcn.AvgPoints, 1e-9)
	require.Equal(t, int64(6), bcn.TotalStars)
	require.InDelta(t, 37.5, bcn.CompletionRate, 1e-9)
	require.Equal(t, "MAD", s.Campuses[1].Campus)
}

func TestCampusSummaryExplicitDay(t *testing.T) {
	s, err := CampusSummary(context.Background(), seeded(t), crawler.Predicate{}, 5)
	require.NoError(t, err)
	require.Equal(t, 5, s.Day)
	require.InDelta(t, 25.0, s.Global.CompletionRate, 1e-9)
}

func TestCampusSummaryDefaultsToEveryDay(t *testing.T) {
	s, err := CampusSummary(context.Background(), seeded(t), crawler.Predicate{}, 0)
	require.NoError(t, err)
	require.Equal(t, 25, s.Day)
	// 10 stars over 4 participants × 2 × 25 days.
	require.InDelta(t, 5.0, s.Global.CompletionRate, 1e-9)
}

func TestCampusSummaryActiveParticipants(t *testing.T) {
	store := seeded(t)
	_, err := store.Upsert(context.Background(), []crawler.CanonicalRow{
		row("erin", "BCN", 0, 0, 0, 0, 0),
		row("frank", "BCN", 0, 0, 0, 0, 0),
	})
	require.NoError(t, err)

	s, err := CampusSummary(context.Background(), store, crawler.Predicate{}, 5)
	require.NoError(t, err)
	require.Equal(t, 6, s.Global.Participants)
	require.Equal(t, 4, s.Global.Active)
	require.InDelta(t, 400.0/6, s.Global.ParticipationRate, 1e-9)
	// 10 stars over 4 active × 2 × 5 days.
	require.InDelta(t, 25.0, s.Global.ActiveCompletionRate, 1e-9)

	bcn := s.Campuses[0]
	require.Equal(t, "BCN", bcn.Campus)
	require.Equal(t, 4, bcn.Participants)
	require.Equal(t, 2, bcn.Active)
	require.InDelta(t, 50.0, bcn.ParticipationRate, 1e-9)
	// 6 stars over 4 participants × 2 × 5 days, and over 2 active.
	require.InDelta(t, 15.0, bcn.CompletionRate, 1e-9)
	require.InDelta(t, 30.0, bcn.ActiveCompletionRate, 1e-9)

	mad := s.Campuses[1]
	require.Equal(t, 2, mad.Active)
	require.InDelta(t, 100.0, mad.ParticipationRate, 1e-9)
}

func withDays(r crawler.CanonicalRow, stars ...int64) crawler.CanonicalRow {
	for i, n := range stars {
		r.Attributes[fmt.Sprintf("day_%d", i+1)] = n
	}
	return r
}

func TestDailySuccess(t *testing.T) {
	store := memory.NewRowStore()
	_, err := store.Upsert(context.Background(), []crawler.CanonicalRow{
		withDays(row("alice", "BCN", 50, 2, 1, 1, 2), 2, 1),
		withDays(row("bob", "BCN", 20, 1, 0, 1, 1), 1),
		withDays(row("carol", "BCN", 0, 0, 0, 0, 0)),
		withDays(row("dave", "MAD", 30, 2, 2, 0, 2), 2, 2),
	})
	require.NoError(t, err)

	d, err := DailySuccess(context.Background(), store, crawler.Predicate{}, 3)
	require.NoError(t, err)
	require.Equal(t, 3, d.Day)
	require.Len(t, d.Campuses, 2)

	bcn := d.Campuses[0]
	require.Equal(t, "BCN", bcn.Campus)
	require.Equal(t, 3, bcn.Participants)
	require.Len(t, bcn.Days, 3)
	require.Equal(t, DayStats{Day: 1, Solvers: 2, OneStar: 1, TwoStars: 1, Stars: 3, SuccessRate: 50}, bcn.Days[0])
	require.Equal(t, 1, bcn.Days[1].OneStar)
	require.Equal(t, int64(1), bcn.Days[1].Stars)
	require.InDelta(t, 100.0/6, bcn.Days[1].SuccessRate, 1e-9)
	require.Equal(t, DayStats{Day: 3}, bcn.Days[2])

	mad := d.Campuses[1]
	require.Equal(t, "MAD", mad.Campus)
	require.Equal(t, DayStats{Day: 2, Solvers: 1, TwoStars: 1, Stars: 2, SuccessRate: 100}, mad.Days[1])
}

func TestDailySuccessResolvesDay(t *testing.T) {
	store := memory.NewRowStore()
	_, err := store.Upsert(context.Background(), []crawler.CanonicalRow{withDays(row("alice", "BCN", 10, 1, 0, 2, 2), 1, 1)})
	require.NoError(t, err)

	d, err := DailySuccess(context.Background(), store, crawler.Predicate{}, 0)
	require.NoError(t, err)
	require.Equal(t, 25, d.Day)
	require.Len(t, d.Campuses[0].Days, 25)

	d, err = DailySuccess(context.Background(), store, crawler.Predicate{}, LatestDay)
	require.NoError(t, err)
	require.Equal(t, 2, d.Day)
	require.Len(t, d.Campuses[0].Days, 2)

	d, err = DailySuccess(context.Background(), memory.NewRowStore(), crawler.Predicate{}, 0)
	require.NoError(t, err)
	require.Empty(t, d.Campuses)
}

func TestCampusSummaryEmpty(t *testing.T) {
	s, err := CampusSummary(context.Background(), memory.NewRowStore(), crawler.Predicate{}, LatestDay)
	require.NoError(t, err)
	require.Equal(t, aocDays, s.Day)
	require.Zero(t, s.Global.Participants)
	require.Empty(t, s.Campuses)
}

type brokenReader struct{}

func (brokenReader) Query(context.Context, crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error] {
	return func(yield func(crawler.CanonicalRow, error) bool) {
		yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: errors.New("closed")})
	}
}

func TestQueryErrorsPropagate(t *testing.T) {
	_, err := TopN(context.Background(), brokenReader{}, crawler.Predicate{}, 10)
	var se *crawler.StoreError
	require.ErrorAs(t, err, &se)

	_, err = CampusSummary(context.Background(), brokenReader{}, crawler.Predicate{}, 0)
	require.ErrorAs(t, err, &se)

	_, err = DailySuccess(context.Background(), brokenReader{}, crawler.Predicate{}, 0)
	require.ErrorAs(t, err, &se)
}
