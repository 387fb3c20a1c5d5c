// Package normalizer turns parsed records into canonical, schema-versioned
// rows: attributes are coerced to their declared kinds, invalid records are
// dropped, duplicates collapse to the latest extraction, and derived columns
// are filled in.
package normalizer

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

// SchemaSource resolves schemas by name.
type SchemaSource interface {
	Get(name string) (parser.Schema, error)
}

// Report describes what Normalize did to a batch.
type Report struct {
	Input        int
	Dropped      int
	Deduplicated int
	// Errors holds one *crawler.ValidationError per dropped record.
	Errors []error
}

// Normalizer is safe for concurrent use once configured.
type Normalizer struct {
	schemas     SchemaSource
	derivations map[string]Derivation
	logger      *zap.Logger
}

// New builds a Normalizer with the built-in derivations registered.
func New(schemas SchemaSource, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		schemas:     schemas,
		derivations: map[string]Derivation{parser.DeriveAoCStars: aocStars},
		logger:      logger,
	}
}

// RegisterDerivation adds or replaces a named derivation. It must be called
// before the Normalizer is shared.
func (n *Normalizer) RegisterDerivation(name string, fn Derivation) {
	n.derivations[name] = fn
}

// Normalize coerces, validates, deduplicates, and version-stamps records. The
// output is sorted by natural key then schema version, and the input is not
// modified. Feeding the output records back in yields the same rows.
func (n *Normalizer) Normalize(records []crawler.Record) ([]crawler.CanonicalRow, Report) {
	report := Report{Input: len(records)}
	index := make(map[crawler.RowKey]int, len(records))
	rows := make([]crawler.CanonicalRow, 0, len(records))

	for _, rec := range records {
		row, err := n.canonical(rec)
		if err != nil {
			report.Dropped++
			report.Errors = append(report.Errors, err)
			n.logger.Debug("record dropped", zap.String("key", rec.NaturalKey), zap.Error(err))
			continue
		}
		key := row.Key()
		if i, seen := index[key]; seen {
			report.Deduplicated++
			if !row.ExtractedAt.Before(rows[i].ExtractedAt) {
				rows[i] = row
			}
			continue
		}
		index[key] = len(rows)
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].NaturalKey != rows[j].NaturalKey {
			return rows[i].NaturalKey < rows[j].NaturalKey
		}
		return rows[i].SchemaVersion < rows[j].SchemaVersion
	})
	return rows, report
}

func (n *Normalizer) canonical(rec crawler.Record) (crawler.CanonicalRow, error) {
	schema, err := n.schemas.Get(rec.Schema)
	if err != nil {
		return crawler.CanonicalRow{}, &crawler.ValidationError{NaturalKey: rec.NaturalKey, Field: "schema", Value: rec.Schema, Err: err}
	}

	cols := schema.Columns()
	attrs := make(map[string]any, len(cols))
	for _, col := range cols {
		raw := rec.Attributes[col.Name]
		v, err := coerce(col.Kind, raw)
		if err != nil {
			return crawler.CanonicalRow{}, &crawler.ValidationError{NaturalKey: rec.NaturalKey, Field: col.Name, Value: raw, Err: err}
		}
		if v == nil && (col.Required || isKey(schema, col.Name)) {
			return crawler.CanonicalRow{}, &crawler.ValidationError{
				NaturalKey: rec.NaturalKey,
				Field:      col.Name,
				Value:      raw,
				Err:        errors.New("required value missing"),
			}
		}
		attrs[col.Name] = v
	}

	if schema.Derive != "" {
		derive, ok := n.derivations[schema.Derive]
		if !ok {
			return crawler.CanonicalRow{}, &crawler.ValidationError{
				NaturalKey: rec.NaturalKey,
				Field:      "derive",
				Value:      schema.Derive,
				Err:        fmt.Errorf("unknown derivation %q", schema.Derive),
			}
		}
		derive(schema, attrs)
	}

	out := rec
	out.Attributes = attrs
	out.Schema = schema.Name
	if out.NaturalKey == "" {
		keys := make([]string, len(schema.KeyFields))
		for i, k := range schema.KeyFields {
			keys[i] = fmt.Sprint(attrs[k])
		}
		out.NaturalKey = parser.NaturalKey(schema.Name, keys...)
	}
	out.ExtractedAt = out.ExtractedAt.UTC()
	return crawler.CanonicalRow{Record: out, SchemaVersion: schema.Version}, nil
}

func isKey(s parser.Schema, name string) bool {
	for _, k := range s.KeyFields {
		if k == name {
			return true
		}
	}
	return false
}
