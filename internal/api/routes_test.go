package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/cache"
	"github.com/libsize/server/internal/metrics"
	"github.com/libsize/server/internal/pipeline"
	"github.com/libsize/server/internal/render"
	"github.com/libsize/server/internal/resultstore"
	"github.com/libsize/server/internal/service"
	"github.com/libsize/server/internal/synth"
)

// testServer holds the router and its dependencies
type testServer struct {
	router  http.Handler
	svc     *service.AnalysisService
	jobs    *JobManager
	metrics *metrics.Metrics
	store   *resultstore.Store
}

// setupTestServer analyses two synthetic samples and wires the full router.
func setupTestServer(t *testing.T, analyse bool) *testServer {
	t.Helper()

	sc := synth.EndToEnd(17)
	sc.Samples = []string{"s1", "s2"}
	pcfg := pipeline.DefaultConfig()
	pcfg.Bin.Resolution = synth.Resolution(sc)

	cacheManager, err := cache.NewManager(cache.Config{
		MapCacheSizeMB: 16,
		MapTTL:         time.Minute,
		QueryCacheSize: 100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	svc := service.NewAnalysisService(service.Config{
		DatasetID:     "mouse",
		Title:         "Mouse brain",
		Pipeline:      pcfg,
		MaxConcurrent: 2,
	}, service.Deps{
		Logger:   zerolog.Nop(),
		Cache:    cacheManager,
		Renderer: render.NewMapRenderer(render.Config{TileSize: 128, DefaultColormap: "viridis"}),
		Store:    store,
		Observer: m.Observer("mouse"),
	})
	svc.SetDetections(synth.Detections(sc))
	if analyse {
		if _, err := svc.Analyse(context.Background(), nil); err != nil {
			t.Fatalf("Analyse failed: %v", err)
		}
	}

	registry := NewDatasetRegistry("mouse", []string{"mouse"}, "")
	registry.Register("mouse", svc)

	jobs := NewJobManager(registry, JobManagerConfig{Logger: zerolog.Nop()})
	jobs.Start()
	t.Cleanup(jobs.Stop)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jobs,
		Cache:       cacheManager,
		Metrics:     m.Handler(),
		Logger:      zerolog.Nop(),
	})
	return &testServer{router: router, svc: svc, jobs: jobs, metrics: m, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode JSON: %v\n%s", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestDatasets(t *testing.T) {
	ts := setupTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/datasets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Default  string        `json:"default"`
		Title    string        `json:"title"`
		Datasets []DatasetInfo `json:"datasets"`
	}
	decodeJSON(t, rec, &payload)
	if payload.Default != "mouse" || payload.Title != "libsize" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.Datasets) != 1 || payload.Datasets[0].Name != "Mouse brain" || !payload.Datasets[0].Status.Ready {
		t.Errorf("datasets = %+v", payload.Datasets)
	}
}

func TestNotReady(t *testing.T) {
	ts := setupTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/d/mouse/api/samples", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSampleEndpoints(t *testing.T) {
	ts := setupTestServer(t, true)

	tests := []struct {
		path string
		code int
	}{
		{"/d/mouse/api/status", http.StatusOK},
		{"/d/mouse/api/samples", http.StatusOK},
		{"/d/mouse/api/samples/s1", http.StatusOK},
		{"/d/mouse/api/samples/s1/bins", http.StatusOK},
		{"/d/mouse/api/samples/s1/model", http.StatusOK},
		{"/d/mouse/api/samples/s1/residuals", http.StatusOK},
		{"/d/mouse/api/samples/s1/effects", http.StatusOK},
		{"/d/mouse/api/samples/s1/anova", http.StatusOK},
		{"/d/mouse/api/effects", http.StatusOK},
		{"/d/mouse/api/failures", http.StatusOK},
		{"/d/mouse/api/runs", http.StatusOK},
		{"/d/mouse/api/samples/nope/model", http.StatusNotFound},
		{"/d/human/api/samples", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if !json.Valid(rec.Body.Bytes()) {
				t.Errorf("invalid JSON: %s", rec.Body.String())
			}
		})
	}
}

func TestModelPayload(t *testing.T) {
	ts := setupTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/d/mouse/api/samples/s1/model", "")
	var model service.ModelView
	decodeJSON(t, rec, &model)
	if !model.Converged || len(model.Coefficients) != 4 {
		t.Fatalf("model = %+v", model)
	}
	if model.Coefficients[1].Term != "region=Cortex" || model.Coefficients[1].Estimate == nil {
		t.Errorf("coefficient = %+v", model.Coefficients[1])
	}

	// Second request is served from the query cache.
	again := ts.do(t, http.MethodGet, "/d/mouse/api/samples/s1/model", "")
	if !bytes.Equal(rec.Body.Bytes(), again.Body.Bytes()) {
		t.Error("cached response differs")
	}

	rec = ts.do(t, http.MethodGet, "/d/mouse/api/samples/s1/anova", "")
	var rows []service.ANOVAView
	decodeJSON(t, rec, &rows)
	if len(rows) != 3 || rows[1].Term != "region" || rows[1].PValue == nil || *rows[1].PValue >= 0.01 {
		t.Errorf("anova = %+v", rows)
	}
}

func TestMapEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/d/mouse/maps/s1/pearson.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if rec := ts.do(t, http.MethodGet, "/d/mouse/maps/s1/hexagons.png", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown layer status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/d/mouse/maps/zz/region.png", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown sample status = %d", rec.Code)
	}
}

func TestSubmitRun(t *testing.T) {
	ts := setupTestServer(t, true)
	before := ts.svc.Generation()

	rec := ts.do(t, http.MethodPost, "/d/mouse/api/runs", `{"resolution": 20, "anova_test": "F"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var job Job
	decodeJSON(t, rec, &job)
	if job.Status != JobStatusQueued || job.Overrides == nil || job.Overrides.Resolution != 20 {
		t.Fatalf("job = %+v", job)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		rec = ts.do(t, http.MethodGet, "/d/mouse/api/jobs/"+job.ID, "")
		decodeJSON(t, rec, &job)
		if job.Status == JobStatusCompleted || job.Status == JobStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != JobStatusCompleted || job.Result == nil || job.Result.Resolution != 20 {
		t.Fatalf("job = %+v", job)
	}
	if ts.svc.Generation() != before+1 {
		t.Errorf("generation = %d, want %d", ts.svc.Generation(), before+1)
	}
	if rec := ts.do(t, http.MethodDelete, "/d/mouse/api/jobs/"+job.ID, ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel finished job status = %d", rec.Code)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	ts := setupTestServer(t, true)
	for _, body := range []string{`{"anova_test": "Wald"}`, `{"resolution": -1}`, `{not json`} {
		if rec := ts.do(t, http.MethodPost, "/d/mouse/api/runs", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodGet, "/d/mouse/api/jobs/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `libsize_samples_total{dataset="mouse",status="ok"} 2`) {
		t.Errorf("metrics missing sample counter:\n%s", rec.Body.String())
	}
}

func TestDeleteRunEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)
	runID := ts.svc.Status().RunID
	if runID == "" {
		t.Fatal("analysis did not record a run")
	}

	if rec := ts.do(t, http.MethodDelete, "/d/mouse/api/runs/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d", rec.Code)
	}
	rec := ts.do(t, http.MethodDelete, "/d/mouse/api/runs/"+runID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if run, err := ts.store.GetRun(runID); err != nil || run != nil {
		t.Errorf("run still stored: %+v, %v", run, err)
	}

	var runs []resultstore.Run
	rec = ts.do(t, http.MethodGet, "/d/mouse/api/runs", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 0 {
		t.Errorf("runs after delete = %s (%v)", rec.Body.String(), err)
	}
	if rec := ts.do(t, http.MethodDelete, "/d/mouse/api/runs/"+runID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}
