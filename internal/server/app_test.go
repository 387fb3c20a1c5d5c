package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/clock/system"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/config"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
)

const leaderboardJSON = `{
  "event": "2025",
  "members": {
    "42": {"id": 42, "name": "Alice", "local_score": 310, "last_star_ts": 1764924000,
           "completion_day_level": {"1": {"1": {}, "2": {}}, "2": {"1": {}}}},
    "7":  {"id": 7, "name": "Bob", "local_score": 12, "last_star_ts": 0,
           "completion_day_level": {}}
  }
}`

var start = time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)

func leaderboardServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(leaderboardJSON))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second},
		Pipeline: config.PipelineConfig{Concurrency: 2, WriteBuffer: 4, Workers: 1, QueueDepth: 4},
		HTTP:     config.HTTPConfig{UserAgent: "rankcrawler-test", TimeoutSeconds: 5},
		Storage:  config.StorageConfig{Backend: config.BackendMemory},
		Blob:     config.BlobConfig{Backend: config.BlobNone, ArchivePrefix: "raw"},
		Sources: []crawler.Source{{
			ID:     "board",
			URL:    url + "/leaderboard.json",
			Format: crawler.FormatJSON,
			Schema: parser.SchemaAoCLeaderboard,
		}},
	}
}

func buildApp(t *testing.T, cfg config.Config, clock crawler.Clock) *App {
	t.Helper()
	require.NoError(t, cfg.Validate())
	app, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
		Clock:      clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func countRows(t *testing.T, rows crawler.RowStore) int {
	t.Helper()
	n := 0
	for _, err := range rows.Query(context.Background(), crawler.Predicate{}) {
		require.NoError(t, err)
		n++
	}
	return n
}

func TestRunOnceMemoryBackend(t *testing.T) {
	srv := leaderboardServer(t)
	clock := system.NewManual(start)
	app := buildApp(t, testConfig(srv.URL), clock)

	runID, summary, err := app.RunOnce(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Equal(t, crawler.RunDone, summary.State)
	require.Equal(t, 1, summary.Fetched)
	require.Equal(t, 2, summary.Persisted)
	require.Equal(t, 2, countRows(t, app.Rows()))

	run, err := app.Runs().GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, crawler.RunDone, run.State)

	clock.Advance(48 * time.Hour)
	deleted, err := app.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
	require.Zero(t, countRows(t, app.Rows()))
}

func TestRunOnceUnknownSource(t *testing.T) {
	app := buildApp(t, testConfig("http://127.0.0.1:1"), nil)
	_, _, err := app.RunOnce(context.Background(), []string{"missing"})
	require.ErrorIs(t, err, crawler.ErrUnknownSource)
}

func TestPruneNeedsRetention(t *testing.T) {
	app := buildApp(t, testConfig("http://127.0.0.1:1"), nil)
	_, err := app.Prune(context.Background(), 0)
	require.ErrorContains(t, err, "retention")
}

func TestRunOnceEncryptedBackendArchivesRaw(t *testing.T) {
	srv := leaderboardServer(t)
	cfg := testConfig(srv.URL)
	dir := t.TempDir()
	cfg.Storage = config.StorageConfig{
		Backend: config.BackendEncrypted,
		Encrypted: config.EncryptedConfig{
			KeyFile:  filepath.Join(dir, "rows.key"),
			Snapshot: "snapshots/rows.enc",
		},
	}
	cfg.Blob = config.BlobConfig{Backend: config.BlobLocal, LocalDir: filepath.Join(dir, "blobs"), ArchiveRaw: true, ArchivePrefix: "raw"}

	app := buildApp(t, cfg, system.NewManual(start))
	_, summary, err := app.RunOnce(context.Background(), []string{"board"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Persisted)
	require.FileExists(t, filepath.Join(dir, "blobs", "snapshots", "rows.enc"))
	require.NoError(t, app.Close(context.Background()))

	reopened := buildApp(t, cfg, system.NewManual(start))
	require.Equal(t, 2, countRows(t, reopened.Rows()))

	// Restored rows keep their types, so the identical crawl changes nothing.
	_, summary, err = reopened.RunOnce(context.Background(), []string{"board"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Normalized)
	require.Zero(t, summary.Persisted)
}

func TestBuildRejectsUnknownScheduleSource(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Schedule.Sources = []string{"missing"}
	_, err := Build(context.Background(), cfg, Options{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()})
	require.ErrorIs(t, err, crawler.ErrUnknownSource)
}

func TestHandlerServesHealthAndRuns(t *testing.T) {
	app := buildApp(t, testConfig("http://127.0.0.1:1"), nil)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServeRunsScheduledRun(t *testing.T) {
	srv := leaderboardServer(t)
	cfg := testConfig(srv.URL)
	cfg.Schedule.Interval = time.Hour
	app := buildApp(t, cfg, nil)

	lis, err := newLocalListener()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		runs, err := app.Runs().ListRuns(context.Background(), 10, 0)
		return err == nil && len(runs) == 1 && runs[0].State == crawler.RunDone
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 2, countRows(t, app.Rows()))
}
