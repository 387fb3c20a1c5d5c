package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

// RunStore keeps run history in Postgres. The summary is stored as JSONB.
type RunStore struct {
	db    DB
	table string
}

// NewRunStore wraps an open pool. An empty table name defaults to pipeline_runs.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "pipeline_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: name}, nil
}

// EnsureSchema creates the runs table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT        PRIMARY KEY,
	trigger      TEXT        NOT NULL,
	state        TEXT        NOT NULL,
	sources      TEXT[]      NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	summary      JSONB       NOT NULL DEFAULT '{}'
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return &crawler.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

// CreateRun inserts a new run in its initial state.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	if run.State == "" {
		run.State = crawler.RunPending
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, trigger, state, sources, submitted_at, summary)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	_, err = s.db.Exec(ctx, query, run.ID, run.Trigger, string(run.State), run.Sources, run.Submitted.UTC(), summary)
	if err != nil {
		return &crawler.StoreError{Op: "create run", Err: err}
	}
	return nil
}

// UpdateRun applies a state transition and stores the summary. The current
// state is locked for the duration of the check.
func (s *RunStore) UpdateRun(ctx context.Context, runID string, state crawler.RunState, summary crawler.RunSummary) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &crawler.StoreError{Op: "update run", Err: err}
	}
	abort := func(err error) error {
		_ = tx.Rollback(ctx)
		return err
	}

	var current string
	err = tx.QueryRow(ctx, fmt.Sprintf("SELECT state FROM %s WHERE id = $1 FOR UPDATE", s.table), runID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return abort(fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound))
	}
	if err != nil {
		return abort(&crawler.StoreError{Op: "update run", Err: err})
	}
	next, err := crawler.RunState(current).Transition(state)
	if err != nil {
		return abort(fmt.Errorf("run %s: %w", runID, err))
	}
	summary.State = next
	payload, err := json.Marshal(summary)
	if err != nil {
		return abort(fmt.Errorf("marshal summary: %w", err))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET state = $1, summary = $2 WHERE id = $3", s.table),
		string(next), payload, runID); err != nil {
		return abort(&crawler.StoreError{Op: "update run", Err: err})
	}
	if err := tx.Commit(ctx); err != nil {
		return &crawler.StoreError{Op: "update run", Err: err}
	}
	return nil
}

// GetRun retrieves a single run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	query := fmt.Sprintf(`SELECT id, trigger, state, sources, submitted_at, summary FROM %s WHERE id = $1`, s.table)
	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Run{}, &crawler.StoreError{Op: "get run", Err: err}
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]crawler.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, trigger, state, sources, submitted_at, summary FROM %s
ORDER BY submitted_at DESC, id DESC LIMIT $1 OFFSET $2`, s.table)
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, &crawler.StoreError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []crawler.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &crawler.StoreError{Op: "list runs", Err: err}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &crawler.StoreError{Op: "list runs", Err: err}
	}
	return runs, nil
}

func scanRun(row pgx.Row) (crawler.Run, error) {
	var (
		run     crawler.Run
		state   string
		summary []byte
	)
	if err := row.Scan(&run.ID, &run.Trigger, &state, &run.Sources, &run.Submitted, &summary); err != nil {
		return crawler.Run{}, err
	}
	run.State = crawler.RunState(state)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return crawler.Run{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	run.Submitted = run.Submitted.UTC()
	return run, nil
}

