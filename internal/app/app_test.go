package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/scheduler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Harvest.RespectRobots = false
	cfg.Harvest.FetchTimeout = 5 * time.Second
	cfg.Retry.MaxAttempts = 1
	cfg.Web.ProbeSubdomains = false
	cfg.RateLimit.PerHostRPS = 100
	cfg.RateLimit.Burst = 100
	return cfg
}

func TestNewWithDefaultsServesHealth(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/snapshots", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"snapshots":[]}`, rec.Body.String())

	a.Close()
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Projects = []harvest.Project{{ID: "dup"}, {ID: "dup"}}

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "catalog")
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{name: "store", mutate: func(c *config.Config) { c.Store.Provider = "redis" }, want: "unknown store provider"},
		{name: "archive", mutate: func(c *config.Config) { c.Archive.Provider = "s3" }, want: "unknown archive provider"},
		{name: "publisher", mutate: func(c *config.Config) { c.Publisher.Provider = "kafka" }, want: "unknown publisher provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, nil)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewWithSQLiteAndLocalArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Store.Provider = "sqlite"
	cfg.Store.SQLite.Path = filepath.Join(dir, "docharvest.db")
	cfg.Archive.Provider = "local"
	cfg.Archive.BaseDir = filepath.Join(dir, "archive")
	cfg.Publisher.Provider = "memory"

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.DirExists(t, cfg.Archive.BaseDir)
	require.FileExists(t, cfg.Store.SQLite.Path)
	a.Close()
}

func docsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Protocol Docs</title></head><body><main>
<h1>Getting started</h1><p>Deploy the vault contracts and configure the oracle.</p>
</main></body></html>`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Protocol</title></head><body><main>
<h1>Protocol</h1><p>A lending market.</p><a href="/docs">Documentation</a>
</main></body></html>`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHarvestOnceWebsite(t *testing.T) {
	server := docsServer(t)
	cfg := testConfig(t)
	cfg.Archive.Provider = "memory"
	cfg.Publisher.Provider = "memory"
	cfg.Projects = []harvest.Project{{
		ID:      "lendr",
		Name:    "Lendr",
		Sources: []harvest.SourceReference{{ID: "site", Kind: harvest.KindWebsite, Location: server.URL}},
	}}

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	items, err := a.HarvestOnce(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, harvest.WorkCompleted, items[0].State)
	require.Equal(t, 2, items[0].Result.Counts()[harvest.DocumentNew])
	require.Equal(t, 2, items[0].Result.ChangeEvents)

	views, err := a.Engine().Query(ctx, harvest.Filter{ProjectID: "lendr"})
	require.NoError(t, err)
	require.Len(t, views, 2)

	again, err := a.HarvestOnce(ctx, "lendr", "site")
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Result.Counts()[harvest.DocumentUnchanged])
	require.Zero(t, again[0].Result.ChangeEvents)
}

func TestHarvestOnceUnknownProject(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.HarvestOnce(context.Background(), "missing", "")
	require.ErrorIs(t, err, scheduler.ErrUnknownProject)
}

func TestPreviewYieldsArtifactsWithoutStoring(t *testing.T) {
	server := docsServer(t)
	cfg := testConfig(t)
	cfg.Projects = []harvest.Project{{
		ID:      "lendr",
		Name:    "Lendr",
		Sources: []harvest.SourceReference{{ID: "site", Kind: harvest.KindWebsite, Location: server.URL}},
	}}

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifacts, err := a.Preview(ctx, "lendr", "site")
	require.NoError(t, err)
	var bodies []string
	for artifact, err := range artifacts {
		require.NoError(t, err)
		require.Equal(t, "lendr", artifact.ProjectID)
		require.Equal(t, "site", artifact.SourceID)
		bodies = append(bodies, string(artifact.Body))
	}
	require.Len(t, bodies, 2)
	require.Contains(t, bodies[0]+bodies[1], "Deploy the vault contracts")

	views, err := a.Engine().Query(ctx, harvest.Filter{ProjectID: "lendr"})
	require.NoError(t, err)
	require.Empty(t, views)

	_, err = a.Preview(ctx, "lendr", "wiki")
	require.ErrorIs(t, err, scheduler.ErrUnknownSource)
	_, err = a.Preview(ctx, "missing", "site")
	require.ErrorIs(t, err, scheduler.ErrUnknownProject)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Harvest.TickInterval = 10 * time.Millisecond

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
