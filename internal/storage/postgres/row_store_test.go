package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

var t0 = time.Date(2025, 12, 5, 9, 0, 0, 0, time.UTC)

func sampleRow(login string, points float64) crawler.CanonicalRow {
	return crawler.CanonicalRow{
		Record: crawler.Record{
			NaturalKey:  "aoc_ranking:" + login,
			SourceID:    "aoc-es",
			Schema:      "aoc_ranking",
			Attributes:  map[string]any{"login": login, "points": points},
			ExtractedAt: t0,
		},
		SchemaVersion: 1,
	}
}

func newMockRowStore(t *testing.T) (*RowStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewRowStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewRowStoreValidates(t *testing.T) {
	_, err := NewRowStore(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRowStore(mock, "rows; DROP TABLE x")
	require.Error(t, err)
}

func TestUpsertConvergence(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()
	row := sampleRow("alice", 10)
	attrs := []byte(`{"login":"alice","points":10}`)

	// The second write of an identical row matches the WHERE guard nowhere
	// and returns no row.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_rows").
		WithArgs(row.NaturalKey, 1, "aoc_ranking", "aoc-es", attrs, t0).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO canonical_rows").
		WithArgs(row.NaturalKey, 1, "aoc_ranking", "aoc-es", attrs, t0).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), []crawler.CanonicalRow{row, row})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertResult{Inserted: 1, Unchanged: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("ON CONFLICT").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), []crawler.CanonicalRow{sampleRow("bob", 3)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFailureRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_rows").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	_, err := store.Upsert(context.Background(), []crawler.CanonicalRow{sampleRow("carol", 1)})
	var se *crawler.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "upsert", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmptyBatch(t *testing.T) {
	store, mock := newMockRowStore(t)
	defer mock.Close()
	res, err := store.Upsert(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQuery(t *testing.T) {
	store := &RowStore{table: "canonical_rows"}
	sql, args := store.buildQuery(crawler.Predicate{
		SchemaVersion: 1,
		SourceID:      "aoc-es",
		KeyPrefix:     "aoc_ranking:",
		Equals:        map[string]string{"campus": "Barcelona"},
		Since:         t0,
		Limit:         10,
	})
	require.Equal(t, "SELECT natural_key, schema_version, schema_name, source_id, attributes, extracted_at FROM canonical_rows"+
		" WHERE schema_version = $1 AND source_id = $2 AND starts_with(natural_key, $3) AND extracted_at >= $4"+
		" AND lower(attributes->>$5) = lower($6) ORDER BY natural_key, schema_version LIMIT $7", sql)
	require.Equal(t, []any{1, "aoc-es", "aoc_ranking:", t0, "campus", "Barcelona", 10}, args)

	sql, args = store.buildQuery(crawler.Predicate{})
	require.NotContains(t, sql, "WHERE")
	require.Empty(t, args)
}

func TestQueryStreamsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"natural_key", "schema_version", "schema_name", "source_id", "attributes", "extracted_at"}).
		AddRow("aoc_ranking:alice", 1, "aoc_ranking", "aoc-es", []byte(`{"login":"alice","points":12.5,"streak":3}`), t0).
		AddRow("aoc_ranking:bob", 1, "aoc_ranking", "aoc-es", []byte(`{"login":"bob","points":4}`), t0)
	mock.ExpectQuery("SELECT natural_key").WithArgs("aoc-es").WillReturnRows(rows)

	var got []crawler.CanonicalRow
	for row, err := range store.Query(context.Background(), crawler.Predicate{SourceID: "aoc-es"}) {
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 2)
	require.Equal(t, 12.5, got[0].Attributes["points"])
	require.Equal(t, int64(3), got[0].Attributes["streak"])
	require.Equal(t, "aoc_ranking:bob", got[1].NaturalKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRestoresSchemaTypes(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()
	store.WithAttrTypes(parser.NewRegistry())
	starAt := time.Date(2025, 12, 5, 5, 12, 34, 0, time.UTC)
	attrs := []byte(`{"id":"42","last_star_at":"2025-12-05T05:12:34Z","login":"Alice","points":42}`)

	mock.ExpectQuery("SELECT natural_key").WillReturnRows(
		pgxmock.NewRows([]string{"natural_key", "schema_version", "schema_name", "source_id", "attributes", "extracted_at"}).
			AddRow("aoc_private_leaderboard:42", 1, parser.SchemaAoCLeaderboard, "aoc-private", attrs, t0))

	var got []crawler.CanonicalRow
	for row, err := range store.Query(context.Background(), crawler.Predicate{}) {
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 1)
	require.Equal(t, 42.0, got[0].Attributes["points"])
	require.Equal(t, starAt, got[0].Attributes["last_star_at"])

	// Writing the restored row back sends the same JSONB and finds nothing to change.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_rows").
		WithArgs("aoc_private_leaderboard:42", 1, parser.SchemaAoCLeaderboard, "aoc-private", attrs, t0).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), got)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertResult{Unchanged: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()
	mock.ExpectQuery("SELECT natural_key").WillReturnError(errors.New("boom"))

	for _, err := range store.Query(context.Background(), crawler.Predicate{}) {
		var se *crawler.StoreError
		require.ErrorAs(t, err, &se)
		require.Equal(t, "query", se.Op)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()

	store, mock := newMockRowStore(t)
	defer mock.Close()
	mock.ExpectExec("DELETE FROM canonical_rows").WithArgs(t0).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := store.DeleteOlderThan(context.Background(), t0)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockRowStore(t)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS canonical_rows").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
