// Package duckdb provides a RowStore in a single DuckDB file, convenient for
// ad-hoc analytics over the collected rows.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RowStore persists canonical rows through database/sql.
type RowStore struct {
	db    *sql.DB
	table string
	types crawler.AttrTypes
}

// Open opens (or creates) the database file at path and ensures the table
// exists. An empty path opens an in-memory database.
func Open(ctx context.Context, path, table string) (*RowStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	store, err := NewRowStore(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewRowStore wraps an open handle. An empty table name defaults to canonical_rows.
func NewRowStore(db *sql.DB, table string) (*RowStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "canonical_rows"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RowStore{db: db, table: table}, nil
}

// WithAttrTypes makes Query restore attributes with the types their schema
// declares instead of the untyped JSON decoding.
func (s *RowStore) WithAttrTypes(types crawler.AttrTypes) *RowStore {
	s.types = types
	return s
}

// EnsureSchema creates the rows table when missing.
func (s *RowStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	natural_key    VARCHAR     NOT NULL,
	schema_version INTEGER     NOT NULL,
	schema_name    VARCHAR     NOT NULL,
	source_id      VARCHAR     NOT NULL,
	attributes     VARCHAR     NOT NULL,
	extracted_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (natural_key, schema_version)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return &crawler.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

// Upsert applies rows in one transaction with last-write-wins on extracted_at.
func (s *RowStore) Upsert(ctx context.Context, rows []crawler.CanonicalRow) (crawler.UpsertResult, error) {
	var res crawler.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("begin: %w", err)}
	}
	for _, row := range rows {
		outcome, err := s.upsertOne(ctx, tx, row)
		if err != nil {
			_ = tx.Rollback()
			return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("row %s: %w", row.NaturalKey, err)}
		}
		res.Add(outcome)
	}
	if err := tx.Commit(); err != nil {
		return crawler.UpsertResult{}, &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("commit: %w", err)}
	}
	return res, nil
}

func (s *RowStore) upsertOne(ctx context.Context, tx *sql.Tx, row crawler.CanonicalRow) (crawler.UpsertResult, error) {
	attrs, err := crawler.EncodeAttributes(row.Attributes)
	if err != nil {
		return crawler.UpsertResult{}, err
	}
	// TIMESTAMPTZ keeps microseconds.
	extracted := row.ExtractedAt.UTC().Truncate(time.Microsecond)

	var (
		curAt     time.Time
		curSource string
		curAttrs  string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT extracted_at, source_id, attributes FROM %s WHERE natural_key = ? AND schema_version = ?", s.table),
		row.NaturalKey, row.SchemaVersion,
	).Scan(&curAt, &curSource, &curAttrs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (natural_key, schema_version, schema_name, source_id, attributes, extracted_at)
VALUES (?, ?, ?, ?, ?, ?)`, s.table),
			row.NaturalKey, row.SchemaVersion, row.Schema, row.SourceID, string(attrs), extracted)
		if err != nil {
			return crawler.UpsertResult{}, fmt.Errorf("insert: %w", err)
		}
		return crawler.UpsertResult{Inserted: 1}, nil
	case err != nil:
		return crawler.UpsertResult{}, fmt.Errorf("select: %w", err)
	}

	curAt = curAt.Truncate(time.Microsecond)
	if extracted.Before(curAt) ||
		(extracted.Equal(curAt) && curSource == row.SourceID && curAttrs == string(attrs)) {
		return crawler.UpsertResult{Unchanged: 1}, nil
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET schema_name = ?, source_id = ?, attributes = ?, extracted_at = ?
WHERE natural_key = ? AND schema_version = ?`, s.table),
		row.Schema, row.SourceID, string(attrs), extracted, row.NaturalKey, row.SchemaVersion)
	if err != nil {
		return crawler.UpsertResult{}, fmt.Errorf("update: %w", err)
	}
	return crawler.UpsertResult{Updated: 1}, nil
}

func (s *RowStore) buildQuery(pred crawler.Predicate) (string, []any) {
	var (
		where []string
		args  []any
	)
	if pred.SchemaVersion != 0 {
		where = append(where, "schema_version = ?")
		args = append(args, pred.SchemaVersion)
	}
	if pred.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, pred.SourceID)
	}
	if pred.KeyPrefix != "" {
		where = append(where, "starts_with(natural_key, ?)")
		args = append(args, pred.KeyPrefix)
	}
	if !pred.Since.IsZero() {
		where = append(where, "extracted_at >= ?")
		args = append(args, pred.Since.UTC())
	}
	fields := make([]string, 0, len(pred.Equals))
	for f := range pred.Equals {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		where = append(where, "lower(json_extract_string(attributes, '$.' || ?)) = lower(?)")
		args = append(args, f, pred.Equals[f])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT natural_key, schema_version, schema_name, source_id, attributes, extracted_at FROM %s", s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY natural_key, schema_version")
	if pred.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, pred.Limit)
	}
	return b.String(), args
}

// Query streams matching rows ordered by natural key.
func (s *RowStore) Query(ctx context.Context, pred crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error] {
	return func(yield func(crawler.CanonicalRow, error) bool) {
		query, args := s.buildQuery(pred)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: err})
			return
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				row   crawler.CanonicalRow
				attrs string
			)
			if err := rows.Scan(&row.NaturalKey, &row.SchemaVersion, &row.Schema, &row.SourceID, &attrs, &row.ExtractedAt); err != nil {
				yield(crawler.CanonicalRow{}, &crawler.StoreError{Op: "query", Err: fmt.Errorf("scan: %w", err)})
				return
			}
			if row.Attributes, err = crawler.DecodeAttributes([]byte(attrs), crawler.ResolveAttrTypes(s.types, row.Schema)); err != nil {
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
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE extracted_at < ?", s.table), cutoff.UTC())
	if err != nil {
		return 0, &crawler.StoreError{Op: "delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &crawler.StoreError{Op: "delete", Err: err}
	}
	return n, nil
}

// Close closes the database handle.
func (s *RowStore) Close() error {
	return s.db.Close()
}
