package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// RowStore keeps canonical rows in one table keyed by (natural_key,
// schema_version) with attributes in a JSONB column.
type RowStore struct {
	db    DB
	table string
	types crawler.AttrTypes
}

// NewRowStore wraps an open pool. An empty table name defaults to canonical_rows.
func NewRowStore(db DB, table string) (*RowStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "canonical_rows")
	if err != nil {
		return nil, err
	}
	return &RowStore{db: db, table: name}, nil
}

// WithAttrTypes makes Query restore attributes with the types their schema
// declares instead of the untyped JSON decoding.
func (s *RowStore) WithAttrTypes(types crawler.AttrTypes) *RowStore {
	s.types = types
	return s
}

// EnsureSchema creates the table and its indexes when missing.
func (s *RowStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	natural_key    TEXT        NOT NULL,
	schema_version INTEGER     NOT NULL,
	schema_name    TEXT        NOT NULL,
	source_id      TEXT        NOT NULL,
	attributes     JSONB       NOT NULL,
	extracted_at   TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (natural_key, schema_version)
);
CREATE INDEX IF NOT EXISTS %[1]s_extracted_at_idx ON %[1]s (extracted_at);
CREATE INDEX IF NOT EXISTS %[1]s_source_idx ON %[1]s (source_id)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return &crawler.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *RowStore) upsertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %[1]s (natural_key, schema_version, schema_name, source_id, attributes, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (natural_key, schema_version) DO UPDATE SET
	schema_name  = EXCLUDED.schema_name,
	source_id    = EXCLUDED.source_id,
	attributes   = EXCLUDED.attributes,
	extracted_at = EXCLUDED.extracted_at,
	updated_at   = now()
WHERE %[1]s.extracted_at <= EXCLUDED.extracted_at
	AND (%[1]s.attributes, %[1]s.source_id, %[1]s.extracted_at)
		IS DISTINCT FROM (EXCLUDED.attributes, EXCLUDED.source_id, EXCLUDED.extracted_at)
RETURNING (xmax = 0) AS inserted`, s.table)
}

// Upsert writes rows in one transaction. Each row is an independent
// insert-or-replace; a row older than the stored one leaves it untouched.
func (s *RowStore) Upsert(ctx context.Context, rows []crawler.CanonicalRow) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("begin: %w", err)}
	}
	fail := func(err error) (crawler.UpsertResult, error) {
		_ = tx.Rollback(ctx)
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: err}
	}

	query := s.upsertSQL()
	for _, row := range rows {
		attrs, err := crawler.EncodeAttributes(row.Attributes)
		if err != nil {
			return fail(err)
		}
		var inserted bool
		err = tx.QueryRow(ctx, query,
			row.NaturalKey,
			row.SchemaVersion,
			row.Schema,
			row.SourceID,
			attrs,
			row.ExtractedAt.UTC(),
		).Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Unchanged++
		case err != nil:
			return fail(fmt.Errorf("row %s: %w", row.NaturalKey, err))
		case inserted:
			res.Inserted++
		default:
			res.Updated++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("commit: %w", err)}
	}
	return res, nil
}

// buildQuery renders pred as SQL with positional arguments.
func (s *RowStore) buildQuery(pred crawler.Predicate) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if pred.SchemaVersion != 0 {
		where = append(where, "schema_version = "+arg(pred.SchemaVersion))
	}
	if pred.SourceID != "" {
		where = append(where, "source_id = "+arg(pred.SourceID))
	}
	if pred.KeyPrefix != "" {
		where = append(where, "starts_with(natural_key, "+arg(pred.KeyPrefix)+")")
	}
	if !pred.Since.IsZero() {
		where = append(where, "extracted_at >= "+arg(pred.Since.UTC()))
	}
	for _, field := range sortedKeys(pred.Equals) {
		where = append(where, fmt.Sprintf("lower(attributes->>%s) = lower(%s)", arg(field), arg(pred.Equals[field])))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT natural_key, schema_version, schema_name, source_id, attributes, extracted_at FROM %s", s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY natural_key, schema_version")
	if pred.Limit > 0 {
		b.WriteString(" LIMIT " + arg(pred.Limit))
	}
	return b.String(), args
}

// Query streams matching rows ordered by natural key.
func (s *RowStore) Query(ctx context.Context, pred crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error] {
	return func(yield func(crawler.CanonicalRow, error) bool) {
		sql, args := s.buildQuery(pred)
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: err})
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				row   crawler.CanonicalRow
				attrs []byte
			)
			if err := rows.Scan(&row.NaturalKey, &row.SchemaVersion, &row.Schema, &row.SourceID, &attrs, &row.ExtractedAt); err != nil {
				yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: fmt.Errorf("scan: %w", err)})
				return
			}
			row.Attributes, err = crawler.DecodeAttributes(attrs, crawler.ResolveAttrTypes(s.types, row.Schema))
			if err != nil {
				yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: err})
				return
			}
			row.ExtractedAt = row.ExtractedAt.UTC()
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: err})
		}
	}
}

// DeleteOlderThan removes rows extracted before cutoff.
func (s *RowStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE extracted_at < $1", s.table), cutoff.UTC())
	if err != nil {
		return 0, &crawler.StoreError{Op: "delete", Err: err}
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (s *RowStore) Close() error {
	s.db.Close()
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
