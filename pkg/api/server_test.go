package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/catalog"
	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/leeoohoo/mcp-subagent-router/pkg/events"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

type fixture struct {
	server  *Server
	jobs    *services.JobService
	bus     *events.Bus
	catalog *catalog.Catalog
	dir     string
}

// stubCanceller flips jobs to cancelled without any process supervision.
type stubCanceller struct {
	jobs *services.JobService
}

func (sc *stubCanceller) CancelJob(ctx context.Context, jobID string) (*models.Job, bool, error) {
	job, err := sc.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.Terminal() {
		return job, false, nil
	}
	updated, err := sc.jobs.MarkCancelled(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	client, err := database.Open(context.Background(), filepath.Join(dir, "admin.db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	manifestPath := filepath.Join(dir, "marketplace.json")
	pluginsRoot := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(pluginsRoot, 0o755))

	jobs := services.NewJobService(client.DB(), "ses_admin", "run_admin")
	cat := catalog.New(manifestPath, pluginsRoot, filepath.Join(dir, "subagents.json"))
	cat.Reload()
	bus := events.NewBus()

	srv := NewServer(Config{
		DB:           client,
		Settings:     services.NewSettingsService(client.DB()),
		Servers:      services.NewMcpServerService(client.DB()),
		Marketplaces: services.NewMarketplaceService(client.DB(), manifestPath),
		Jobs:         jobs,
		Catalog:      cat,
		Bus:          bus,
		Canceller:    &stubCanceller{jobs: jobs},
	})
	return &fixture{server: srv, jobs: jobs, bus: bus, catalog: cat, dir: dir}
}

// do runs one request through the routing tree and returns the recorder.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a recorded JSON response body.
func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string `json:"status"`
		Database struct {
			Status string `json:"status"`
		} `json:"database"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Database.Status)
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/nonsense", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
