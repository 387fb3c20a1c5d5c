package normalizer

import "github.com/JakeFAU/aoc-ranking-crawler/internal/parser"

// Derivation fills computed columns of a coerced attribute map in place.
type Derivation func(schema parser.Schema, attrs map[string]any)

// aocStars summarises the per-day star columns. Days are the stars-kind
// columns in declaration order; a nil day counts as no stars.
func aocStars(schema parser.Schema, attrs map[string]any) {
	var completed, gold, silver int64
	day := int64(0)
	for _, col := range schema.Columns() {
		if col.Kind != parser.KindStars {
			continue
		}
		day++
		n, _ := attrs[col.Name].(int64)
		switch n {
		case 2:
			gold++
		case 1:
			silver++
		}
		if n > 0 {
			completed = day
		}
	}
	attrs["completed_days"] = completed
	attrs["gold_stars"] = gold
	attrs["silver_stars"] = silver
	attrs["total_stars"] = gold + silver
}
