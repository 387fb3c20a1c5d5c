package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

func newMockRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewRunStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	defer mock.Close()
	run := crawler.Run{ID: "run-1", Trigger: "schedule", Sources: []string{"aoc-es"}, Submitted: t0}

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs("run-1", "schedule", "PENDING", []string{"aoc-es"}, t0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunTransitions(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM pipeline_runs").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("PERSISTING"))
	mock.ExpectExec("UPDATE pipeline_runs").WithArgs("DONE", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.UpdateRun(context.Background(), "run-1", crawler.RunDone, crawler.RunSummary{Persisted: 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunRejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM pipeline_runs").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("DONE"))
	mock.ExpectRollback()

	err := store.UpdateRun(context.Background(), "run-1", crawler.RunFetching, crawler.RunSummary{})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM pipeline_runs").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateRun(context.Background(), "nope", crawler.RunDone, crawler.RunSummary{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndListRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	defer mock.Close()
	cols := []string{"id", "trigger", "state", "sources", "submitted_at", "summary"}

	mock.ExpectQuery("SELECT id, trigger").WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("run-1", "manual", "DONE", []string{"aoc-es"}, t0, []byte(`{"persisted":7,"state":"DONE"}`)))
	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunDone, run.State)
	require.Equal(t, 7, run.Summary.Persisted)
	require.Equal(t, []string{"aoc-es"}, run.Sources)

	mock.ExpectQuery("SELECT id, trigger").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	mock.ExpectQuery("ORDER BY submitted_at DESC").WithArgs(50, 0).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("run-2", "schedule", "FAILED", []string{"aoc-es"}, t0, []byte(`{}`)).
			AddRow("run-1", "manual", "DONE", []string{"aoc-es"}, t0, []byte(`{}`)))
	runs, err := store.ListRuns(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, crawler.RunFailed, runs[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}
