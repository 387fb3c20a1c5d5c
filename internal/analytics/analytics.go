// Package analytics computes leaderboard views over stored ranking rows.
package analytics

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// aocDays is the number of puzzle days in an event.
const aocDays = 25

// LatestDay asks for the highest completed day among the participants instead
// of a fixed event day.
const LatestDay = -1

// RowReader is the read side of crawler.RowStore.
type RowReader interface {
	Query(ctx context.Context, pred crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error]
}

// Entry is one participant on the leaderboard.
type Entry struct {
	Rank          int     `json:"rank"`
	NaturalKey    string  `json:"natural_key"`
	Login         string  `json:"login"`
	Campus        string  `json:"campus"`
	Points        float64 `json:"points"`
	Streak        int64   `json:"streak"`
	GoldStars     int64   `json:"gold_stars"`
	SilverStars   int64   `json:"silver_stars"`
	TotalStars    int64   `json:"total_stars"`
	CompletedDays int64   `json:"completed_days"`

	days [aocDays]int64
}

func entryFromRow(row crawler.CanonicalRow) Entry {
	a := row.Attributes
	e := Entry{
		NaturalKey: row.NaturalKey,
		Login:      crawler.AttrString(a["login"]),
		Campus:     crawler.AttrString(a["campus"]),
	}
	e.Points, _ = crawler.AttrFloat(a["points"])
	e.Streak, _ = crawler.AttrInt(a["streak"])
	e.GoldStars, _ = crawler.AttrInt(a["gold_stars"])
	e.SilverStars, _ = crawler.AttrInt(a["silver_stars"])
	e.TotalStars, _ = crawler.AttrInt(a["total_stars"])
	e.CompletedDays, _ = crawler.AttrInt(a["completed_days"])
	for i := range e.days {
		e.days[i], _ = crawler.AttrInt(a[fmt.Sprintf("day_%d", i+1)])
	}
	return e
}

func collect(ctx context.Context, rows RowReader, pred crawler.Predicate) ([]Entry, error) {
	var out []Entry
	for row, err := range rows.Query(ctx, pred) {
		if err != nil {
			return nil, fmt.Errorf("query rows: %w", err)
		}
		out = append(out, entryFromRow(row))
	}
	return out, nil
}

// byPoints orders entries by points descending, then login ascending.
func byPoints(a, b Entry) int {
	if c := cmp.Compare(b.Points, a.Points); c != 0 {
		return c
	}
	return cmp.Compare(a.Login, b.Login)
}

// TopN returns the n highest scoring participants matching pred, ranked from
// 1. Participants with equal points share a rank. n <= 0 returns everyone.
func TopN(ctx context.Context, rows RowReader, pred crawler.Predicate, n int) ([]Entry, error) {
	entries, err := collect(ctx, rows, pred)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, byPoints)
	for i := range entries {
		if i > 0 && entries[i].Points == entries[i-1].Points {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Stats summarizes a group of participants.
type Stats struct {
	Campus       string `json:"campus"`
	Participants int    `json:"participants"`
	// Active counts participants with more than zero points.
	Active            int     `json:"active"`
	ParticipationRate float64 `json:"participation_rate"`
	AvgPoints         float64 `json:"avg_points"`
	MaxPoints         float64 `json:"max_points"`
	AvgStreak         float64 `json:"avg_streak"`
	MaxStreak         int64   `json:"max_streak"`
	GoldStars         int64   `json:"gold_stars"`
	SilverStars       int64   `json:"silver_stars"`
	TotalStars        int64   `json:"total_stars"`
	// CompletionRate is the percentage of stars earned out of
	// participants × 2 × Day. ActiveCompletionRate divides by the active
	// participants instead.
	CompletionRate       float64 `json:"completion_rate"`
	ActiveCompletionRate float64 `json:"active_completion_rate"`
}

// Summary holds the global figures and one Stats per campus, sorted by name.
type Summary struct {
	Day      int     `json:"day"`
	Global   Stats   `json:"global"`
	Campuses []Stats `json:"campuses"`
}

// CampusSummary aggregates the participants matching pred. day is the event
// day used for the completion rates: zero means every day column (25),
// LatestDay the highest completed day seen.
func CampusSummary(ctx context.Context, rows RowReader, pred crawler.Predicate, day int) (Summary, error) {
	entries, err := collect(ctx, rows, pred)
	if err != nil {
		return Summary{}, err
	}
	day = resolveDay(entries, day)

	campuses, groups := byCampus(entries)
	s := Summary{Day: day, Global: aggregate("", entries, day), Campuses: make([]Stats, 0, len(campuses))}
	for _, c := range campuses {
		s.Campuses = append(s.Campuses, aggregate(c, groups[c], day))
	}
	return s, nil
}

func byCampus(entries []Entry) ([]string, map[string][]Entry) {
	groups := make(map[string][]Entry)
	for _, e := range entries {
		groups[e.Campus] = append(groups[e.Campus], e)
	}
	campuses := make([]string, 0, len(groups))
	for c := range groups {
		campuses = append(campuses, c)
	}
	slices.Sort(campuses)
	return campuses, groups
}

func resolveDay(entries []Entry, day int) int {
	switch {
	case day == LatestDay:
		return latestDay(entries)
	case day <= 0 || day > aocDays:
		return aocDays
	default:
		return day
	}
}

func latestDay(entries []Entry) int {
	var best int64
	for _, e := range entries {
		best = max(best, e.CompletedDays)
	}
	if best == 0 {
		return aocDays
	}
	return int(min(best, aocDays))
}

func aggregate(campus string, entries []Entry, day int) Stats {
	st := Stats{Campus: campus, Participants: len(entries)}
	if len(entries) == 0 {
		return st
	}
	var points, streak float64
	st.MaxPoints = entries[0].Points
	st.MaxStreak = entries[0].Streak
	for _, e := range entries {
		points += e.Points
		streak += float64(e.Streak)
		st.MaxPoints = max(st.MaxPoints, e.Points)
		st.MaxStreak = max(st.MaxStreak, e.Streak)
		st.GoldStars += e.GoldStars
		st.SilverStars += e.SilverStars
		st.TotalStars += e.TotalStars
		if e.Points > 0 {
			st.Active++
		}
	}
	n := float64(len(entries))
	st.AvgPoints = points / n
	st.AvgStreak = streak / n
	st.ParticipationRate = float64(st.Active) / n * 100
	if day > 0 {
		st.CompletionRate = float64(st.TotalStars) / (n * 2 * float64(day)) * 100
		if st.Active > 0 {
			st.ActiveCompletionRate = float64(st.TotalStars) / (float64(st.Active) * 2 * float64(day)) * 100
		}
	}
	return st
}

// DayStats is one campus's result on one puzzle day.
type DayStats struct {
	Day int `json:"day"`
	// Solvers earned at least one star that day.
	Solvers  int   `json:"solvers"`
	OneStar  int   `json:"one_star"`
	TwoStars int   `json:"two_stars"`
	Stars    int64 `json:"stars"`
	// SuccessRate is the percentage of Stars out of participants × 2.
	SuccessRate float64 `json:"success_rate"`
}

// CampusDaily is the day-by-day record of one campus.
type CampusDaily struct {
	Campus       string     `json:"campus"`
	Participants int        `json:"participants"`
	Days         []DayStats `json:"days"`
}

// Daily holds CampusDaily per campus, sorted by name, for days 1 through Day.
type Daily struct {
	Day      int           `json:"day"`
	Campuses []CampusDaily `json:"campuses"`
}

// DailySuccess counts one- and two-star participants per campus and puzzle
// day. day bounds the days reported and resolves as for CampusSummary.
func DailySuccess(ctx context.Context, rows RowReader, pred crawler.Predicate, day int) (Daily, error) {
	entries, err := collect(ctx, rows, pred)
	if err != nil {
		return Daily{}, err
	}
	day = resolveDay(entries, day)

	campuses, groups := byCampus(entries)
	out := Daily{Day: day, Campuses: make([]CampusDaily, 0, len(campuses))}
	for _, c := range campuses {
		members := groups[c]
		cd := CampusDaily{Campus: c, Participants: len(members), Days: make([]DayStats, 0, day)}
		for d := 1; d <= day; d++ {
			ds := DayStats{Day: d}
			for _, e := range members {
				switch e.days[d-1] {
				case 1:
					ds.OneStar++
				case 2:
					ds.TwoStars++
				}
			}
			ds.Solvers = ds.OneStar + ds.TwoStars
			ds.Stars = int64(ds.OneStar) + 2*int64(ds.TwoStars)
			ds.SuccessRate = float64(ds.Stars) / float64(len(members)*2) * 100
			cd.Days = append(cd.Days, ds)
		}
		out.Campuses = append(out.Campuses, cd)
	}
	return out, nil
}
