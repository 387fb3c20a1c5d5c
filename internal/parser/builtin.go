package parser

import "github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"

// Names of the schemas registered by NewRegistry.
const (
	SchemaAoCRanking     = "aoc_ranking"
	SchemaAoCLeaderboard = "aoc_private_leaderboard"
)

// DeriveAoCStars names the derivation that fills the star summary columns.
const DeriveAoCStars = "aoc_stars"

// aocDays is the number of puzzle days in an event.
const aocDays = 25

var aocDerived = []FieldSpec{
	{Name: "completed_days", Kind: KindInt, Description: "Highest day number with at least one star"},
	{Name: "gold_stars", Kind: KindInt, Description: "Days with both stars"},
	{Name: "silver_stars", Kind: KindInt, Description: "Days with exactly one star"},
	{Name: "total_stars", Kind: KindInt, Description: "Days with at least one star (silver + gold)"},
}

// AoCRanking is the school ranking table: one <tr> per participant with login,
// campus, streak, points, then one cell per day holding a span.star1 per star.
func AoCRanking() Schema {
	return Schema{
		Name:        SchemaAoCRanking,
		Version:     1,
		Format:      crawler.FormatHTML,
		Container:   "#rankingTable",
		RowSelector: "#rankingTable tbody tr",
		MinCells:    5,
		KeyFields:   []string{"login"},
		Fields: []FieldSpec{
			{Name: "login", Cell: 0, Kind: KindString, Required: true, Description: "User login name"},
			{Name: "campus", Cell: 1, Kind: KindString, Description: "Campus name"},
			{Name: "streak", Cell: 2, Kind: KindInt, Description: "Current streak of consecutive days completed"},
			{Name: "points", Cell: 3, Kind: KindFloat, Description: "Total points earned"},
			{
				Name:          "day",
				Cell:          4,
				Repeat:        aocDays,
				CountSelector: "span.star1",
				Kind:          KindStars,
				Description:   "Day {n} completion (0=none, 1=silver star, 2=gold stars)",
			},
		},
		Derive:      DeriveAoCStars,
		Derived:     aocDerived,
		Description: "Advent of Code school ranking table",
	}
}

// AoCPrivateLeaderboard is the JSON export of a private leaderboard, where
// members is an object keyed by member ID.
func AoCPrivateLeaderboard() Schema {
	return Schema{
		Name:        SchemaAoCLeaderboard,
		Version:     1,
		Format:      crawler.FormatJSON,
		RowSelector: "members",
		KeyFields:   []string{"id"},
		Fields: []FieldSpec{
			{Name: "id", JSONPath: "id", Kind: KindString, Required: true, Description: "Member ID"},
			{Name: "login", JSONPath: "name", Kind: KindString, Description: "Display name"},
			{Name: "points", JSONPath: "local_score", Kind: KindFloat, Description: "Local score"},
			{Name: "last_star_at", JSONPath: "last_star_ts", Kind: KindDate, Description: "Time of the last star"},
			{
				Name:        "day",
				JSONPath:    "completion_day_level.{n}",
				Repeat:      aocDays,
				Kind:        KindStars,
				Description: "Day {n} completion (0=none, 1=silver star, 2=gold stars)",
			},
		},
		Derive:      DeriveAoCStars,
		Derived:     aocDerived,
		Description: "Advent of Code private leaderboard JSON",
	}
}
