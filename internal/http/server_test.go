package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/scheduler"
	"github.com/fyrsmithlabs/dispatchd/internal/services"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, *services.Registry) {
	t.Helper()

	cfg := &config.Config{
		State: config.StateConfig{Dir: t.TempDir()},
		Workspace: config.WorkspaceConfig{
			Root:         filepath.Join(t.TempDir(), "worktrees"),
			TrunkBranch:  "main",
			BranchPrefix: "dispatchd/",
		},
		Scheduler: config.SchedulerConfig{
			MaxConcurrency: 1,
			GraceWindow:    config.Duration(100 * time.Millisecond),
		},
	}

	promReg := prometheus.NewRegistry()
	reg, err := services.NewRegistry(services.Options{
		Config:    cfg,
		Providers: provider.NewRegistry(nil),
		Metrics:   scheduler.NewMetrics(promReg),
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	_, err = reg.AddProject(context.Background(), "demo", "/repos/demo")
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Services: reg,
		Config:   config.ServerConfig{Host: "localhost", Port: 0},
		Version:  "test",
		Gatherer: promReg,
	})
	require.NoError(t, err)
	return srv, reg
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatchd_scheduler")
}

func TestServer_ListProjects(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	projects := decode[[]ProjectResponse](t, rec)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].ID)
}

func TestServer_UnknownProject(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/v1/projects/nope/features", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateFeature(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{
		Title:       "add search",
		Description: "full text search over notes",
		Priority:    3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	f := decode[feature.Feature](t, rec)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "add search", f.Title)
	assert.Equal(t, feature.StatusBacklog, f.Status)
	assert.Equal(t, 3, f.Priority)
}

func TestServer_CreateFeatureDuplicateTitle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "same"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "Same"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CreateFeatureEmptyTitle(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateFeatureUnknownDependency(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{
		Title:        "dependent",
		Dependencies: []string{"no-such-id"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetFeature(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "one"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/features/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[feature.Feature](t, rec)
	assert.Equal(t, created.ID, got.ID)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/features/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListFeaturesFilterByStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{
			Title: fmt.Sprintf("feature %d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/projects/demo/features?status=backlog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]feature.Feature](t, rec), 3)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/features?status=verified", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]feature.Feature](t, rec))
}

func TestServer_UpdateFeature(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "old title"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	title := "new title"
	priority := 7
	rec = do(t, srv, http.MethodPatch, "/api/v1/projects/demo/features/"+created.ID, UpdateFeatureRequest{
		Title:    &title,
		Priority: &priority,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[feature.Feature](t, rec)
	assert.Equal(t, "new title", got.Title)
	assert.Equal(t, 7, got.Priority)
}

func TestServer_UpdateFeatureIllegalStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "f"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	status := "verified"
	rec = do(t, srv, http.MethodPatch, "/api/v1/projects/demo/features/"+created.ID, UpdateFeatureRequest{
		Status: &status,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_DeleteFeature(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "doomed"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	rec = do(t, srv, http.MethodDelete, "/api/v1/projects/demo/features/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/features/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_BulkDelete(t *testing.T) {
	srv, _ := newTestServer(t)

	ids := make([]string, 0, 2)
	for _, title := range []string{"a", "b"} {
		rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: title})
		require.Equal(t, http.StatusCreated, rec.Code)
		ids = append(ids, decode[feature.Feature](t, rec).ID)
	}
	ids = append(ids, "missing")

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features:bulk-delete", BulkDeleteRequest{IDs: ids})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decode[[]scheduler.DeleteResult](t, rec)
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[2].Error)
}

func TestServer_BulkDeleteRequiresIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features:bulk-delete", BulkDeleteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ApproveRequiresParkedPlan(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "f"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/features/"+created.ID+"/approve", ApproveRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ResetRequiresTerminalFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/features", CreateFeatureRequest{Title: "f"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[feature.Feature](t, rec)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/features/"+created.ID+"/reset", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_SchedulerStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/v1/projects/demo/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[scheduler.Status](t, rec)
	assert.Equal(t, "demo", st.ProjectID)
	assert.Equal(t, 1, st.MaxConcurrency)
	assert.Equal(t, 0, st.InFlight)
}

func TestServer_SchedulerConcurrency(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/scheduler/concurrency", ConcurrencyRequest{Max: 4})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[scheduler.Status](t, rec).MaxConcurrency)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/scheduler/concurrency", ConcurrencyRequest{Max: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SchedulerStartStop(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/scheduler/status", nil)
	assert.True(t, decode[scheduler.Status](t, rec).Auto)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/scheduler/status", nil)
	assert.False(t, decode[scheduler.Status](t, rec).Auto)
}

func TestServer_AbortAll(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/scheduler/abort-all", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_WorkspaceValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/workspace", CreateWorkspaceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/projects/demo/workspace/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/workspace/merge", MergeWorkspaceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/projects/demo/workspace/destroy", WorkspacePathRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WorkspaceCreateOnNonRepo(t *testing.T) {
	srv, _ := newTestServer(t)

	// /repos/demo is not a git repository.
	rec := do(t, srv, http.MethodPost, "/api/v1/projects/demo/workspace", CreateWorkspaceRequest{Branch: "dispatchd/x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RequestMetricsUseInjectedMeter(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	metrics := NewHTTPMetrics(tel.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(metrics.Middleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.CollectMetrics(context.Background(), &rm))

	names := make([]string, 0)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names = append(names, m.Name)
		}
	}
	assert.Contains(t, names, "dispatchd.http.requests_total")
	assert.Contains(t, names, "dispatchd.http.request_duration_seconds")
}
