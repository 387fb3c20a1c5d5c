package normalizer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

var t0 = time.Date(2025, 12, 5, 9, 0, 0, 0, time.UTC)

func rankingRecord(login string, at time.Time, points string, stars ...int) crawler.Record {
	attrs := map[string]any{
		"login":  login,
		"campus": "Barcelona",
		"streak": "3",
		"points": points,
	}
	for i := 1; i <= 25; i++ {
		n := 0
		if i <= len(stars) {
			n = stars[i-1]
		}
		attrs[fmt.Sprintf("day_%d", i)] = fmt.Sprint(n)
	}
	return crawler.Record{
		NaturalKey:  parser.NaturalKey(parser.SchemaAoCRanking, login),
		SourceID:    "aoc-es",
		Schema:      parser.SchemaAoCRanking,
		Attributes:  attrs,
		ExtractedAt: at,
	}
}

func newNormalizer() *Normalizer {
	return New(parser.NewRegistry(), nil)
}

func TestNormalizeCoercesAndDerives(t *testing.T) {
	rows, report := newNormalizer().Normalize([]crawler.Record{
		rankingRecord("alice", t0, "120.5", 2, 2, 1, 0, 2),
	})
	require.Len(t, rows, 1)
	require.Zero(t, report.Dropped)

	row := rows[0]
	require.Equal(t, 1, row.SchemaVersion)
	require.Equal(t, int64(3), row.Attributes["streak"])
	require.Equal(t, 120.5, row.Attributes["points"])
	require.Equal(t, int64(2), row.Attributes["day_1"])
	require.Equal(t, int64(5), row.Attributes["completed_days"])
	require.Equal(t, int64(3), row.Attributes["gold_stars"])
	require.Equal(t, int64(1), row.Attributes["silver_stars"])
	require.Equal(t, int64(4), row.Attributes["total_stars"])
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := newNormalizer()
	first, _ := n.Normalize([]crawler.Record{
		rankingRecord("bob", t0, "40", 1),
		rankingRecord("alice", t0, "120", 2, 2),
	})

	again := make([]crawler.Record, len(first))
	for i, r := range first {
		again[i] = r.Record
	}
	second, report := n.Normalize(again)
	require.Zero(t, report.Dropped)
	require.Zero(t, report.Deduplicated)
	require.Equal(t, first, second)
}

func TestNormalizeDedupeLatestWins(t *testing.T) {
	t1, t2 := t0, t0.Add(time.Minute)
	rows, report := newNormalizer().Normalize([]crawler.Record{
		rankingRecord("alice", t2, "200"),
		rankingRecord("alice", t1, "100"),
	})
	require.Len(t, rows, 1)
	require.Equal(t, 1, report.Deduplicated)
	require.Equal(t, 200.0, rows[0].Attributes["points"])
	require.Equal(t, t2, rows[0].ExtractedAt)
}

func TestNormalizeDedupeTieKeepsLater(t *testing.T) {
	rows, report := newNormalizer().Normalize([]crawler.Record{
		rankingRecord("alice", t0, "1"),
		rankingRecord("alice", t0, "2"),
	})
	require.Len(t, rows, 1)
	require.Equal(t, 1, report.Deduplicated)
	require.Equal(t, 2.0, rows[0].Attributes["points"])
}

func TestNormalizeDropsInvalidRecords(t *testing.T) {
	badPoints := rankingRecord("carol", t0, "lots")
	badStars := rankingRecord("dave", t0, "1", 3)
	unknown := crawler.Record{NaturalKey: "x:1", Schema: "nope", Attributes: map[string]any{}}

	rows, report := newNormalizer().Normalize([]crawler.Record{
		badPoints, badStars, unknown, rankingRecord("erin", t0, "1"),
	})
	require.Len(t, rows, 1)
	require.Equal(t, 3, report.Dropped)
	require.Len(t, report.Errors, 3)

	var ve *crawler.ValidationError
	require.ErrorAs(t, report.Errors[0], &ve)
	require.Equal(t, "points", ve.Field)
	require.Equal(t, "lots", ve.Value)
	require.ErrorAs(t, report.Errors[1], &ve)
	require.Equal(t, "day_1", ve.Field)
	require.ErrorIs(t, report.Errors[2], crawler.ErrUnknownSchema)
}

func TestNormalizeEmptyOptionalBecomesNil(t *testing.T) {
	rec := rankingRecord("frank", t0, "")
	rec.Attributes["campus"] = "  "
	delete(rec.Attributes, "streak")

	rows, report := newNormalizer().Normalize([]crawler.Record{rec})
	require.Zero(t, report.Dropped)
	require.Nil(t, rows[0].Attributes["campus"])
	require.Nil(t, rows[0].Attributes["points"])
	require.Contains(t, rows[0].Attributes, "streak")
	require.Nil(t, rows[0].Attributes["streak"])
}

func TestNormalizeSortedByKeyAndInputUntouched(t *testing.T) {
	in := []crawler.Record{rankingRecord("zed", t0, "1"), rankingRecord("amy", t0, "2")}
	rows, _ := newNormalizer().Normalize(in)
	require.Equal(t, "aoc_ranking:amy", rows[0].NaturalKey)
	require.Equal(t, "aoc_ranking:zed", rows[1].NaturalKey)
	require.Equal(t, "1", in[0].Attributes["points"])
}

func TestNormalizeLeaderboardDates(t *testing.T) {
	rec := crawler.Record{
		NaturalKey: "aoc_private_leaderboard:42",
		Schema:     parser.SchemaAoCLeaderboard,
		Attributes: map[string]any{
			"id": "42", "login": "Alice", "points": "310", "last_star_at": "1764924000", "day_1": "2",
		},
		ExtractedAt: t0,
	}
	rows, report := newNormalizer().Normalize([]crawler.Record{rec})
	require.Zero(t, report.Dropped)
	require.Equal(t, time.Unix(1764924000, 0).UTC(), rows[0].Attributes["last_star_at"])
	require.Nil(t, rows[0].Attributes["day_2"])
	require.Equal(t, int64(1), rows[0].Attributes["total_stars"])
}

func TestRegisterDerivation(t *testing.T) {
	reg := parser.NewRegistry()
	require.NoError(t, reg.Register(parser.Schema{
		Name: "pairs", Version: 3, Format: crawler.FormatJSON, RowSelector: "rows",
		KeyFields: []string{"k"},
		Fields:    []parser.FieldSpec{{Name: "k", Kind: parser.KindString}, {Name: "v", Kind: parser.KindInt}},
		Derive:    "double",
		Derived:   []parser.FieldSpec{{Name: "v2", Kind: parser.KindInt}},
	}))
	n := New(reg, nil)
	n.RegisterDerivation("double", func(_ parser.Schema, attrs map[string]any) {
		v, _ := attrs["v"].(int64)
		attrs["v2"] = v * 2
	})

	rows, report := n.Normalize([]crawler.Record{{Schema: "pairs", Attributes: map[string]any{"k": "A", "v": "21"}}})
	require.Zero(t, report.Dropped)
	require.Equal(t, "pairs:a", rows[0].NaturalKey)
	require.Equal(t, 3, rows[0].SchemaVersion)
	require.Equal(t, int64(42), rows[0].Attributes["v2"])
}
