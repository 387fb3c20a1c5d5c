package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/config"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

type fakeApp struct {
	sources   []string
	summary   crawler.RunSummary
	runErr    error
	olderThan time.Duration
	served    bool
	closed    int
}

func (f *fakeApp) RunOnce(_ context.Context, sourceIDs []string) (string, crawler.RunSummary, error) {
	f.sources = sourceIDs
	return "run-1", f.summary, f.runErr
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 3, nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the factories for the duration of the test. Tests using
// it must not run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) *string {
	t.Helper()
	var gotPath string
	origLoad, origNew := loadConfig, newApp
	loadConfig = func(path string, _ ...string) (config.Config, error) {
		gotPath = path
		return config.Config{}, nil
	}
	newApp = func(context.Context, config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { loadConfig, newApp = origLoad, origNew })
	return &gotPath
}

func TestRunCommandPrintsSummary(t *testing.T) {
	app := &fakeApp{summary: crawler.RunSummary{State: crawler.RunDone, Persisted: 5}}
	path := withFakeApp(t, app)

	var out bytes.Buffer
	err := execute(context.Background(), []string{"--config", "cfg.yaml", "run", "--source", "a", "--source", "b"}, &out)
	require.NoError(t, err)
	require.Equal(t, "cfg.yaml", *path)
	require.Equal(t, []string{"a", "b"}, app.sources)
	require.Equal(t, 1, app.closed)

	var got runOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, crawler.RunDone, got.Summary.State)
	require.Equal(t, 5, got.Summary.Persisted)
}

func TestRunCommandFailureStillCloses(t *testing.T) {
	app := &fakeApp{
		summary: crawler.RunSummary{State: crawler.RunFailed},
		runErr:  errors.New("boom"),
	}
	withFakeApp(t, app)

	var out bytes.Buffer
	err := execute(context.Background(), []string{"run"}, &out)
	require.ErrorContains(t, err, "boom")
	require.Contains(t, out.String(), `"state": "FAILED"`)
	require.Equal(t, 1, app.closed)
}

func TestPruneCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"prune", "--older-than", "72h"}, &out))
	require.Equal(t, 72*time.Hour, app.olderThan)
	require.Equal(t, "deleted 3 rows\n", out.String())
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	require.NoError(t, execute(context.Background(), []string{"serve"}, &bytes.Buffer{}))
	require.True(t, app.served)
	require.Equal(t, 1, app.closed)
}

func TestConfigErrorSkipsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)
	loadConfig = func(string, ...string) (config.Config, error) {
		return config.Config{}, errors.New("bad yaml")
	}

	err := execute(context.Background(), []string{"run"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "load config: bad yaml")
	require.Zero(t, app.closed)
}
