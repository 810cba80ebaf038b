package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/cache"
	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/pipeline"
	"github.com/libsize/server/internal/render"
	"github.com/libsize/server/internal/resultstore"
	"github.com/libsize/server/internal/synth"
)

func newTestService(t *testing.T, store *resultstore.Store) *AnalysisService {
	t.Helper()
	sc := synth.EndToEnd(7)
	sc.Samples = []string{"a", "b"}
	cfg := pipeline.DefaultConfig()
	cfg.Bin.Resolution = synth.Resolution(sc)

	cm, err := cache.NewManager(cache.Config{MapCacheSizeMB: 16, MapTTL: time.Minute, QueryCacheSize: 10})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	svc := NewAnalysisService(Config{
		DatasetID:     "mouse",
		Pipeline:      cfg,
		MaxConcurrent: 2,
		Expected:      []string{"ghost"},
	}, Deps{
		Logger:   zerolog.Nop(),
		Cache:    cm,
		Renderer: render.NewMapRenderer(render.Config{TileSize: 128}),
		Store:    store,
	})
	svc.SetDetections(synth.Detections(sc))
	return svc
}

func TestNotReadyBeforeAnalyse(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.Samples(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Samples error = %v, want ErrNotReady", err)
	}
	if st := svc.Status(); st.Ready || st.Detections == 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestAnalyse(t *testing.T) {
	svc := newTestService(t, nil)
	st, err := svc.Analyse(context.Background(), nil)
	if err != nil {
		t.Fatalf("Analyse failed: %v", err)
	}
	if !st.Ready || st.Samples != 3 || st.Failed != 1 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Formula) != 3 || st.Formula[2] != "ncells:region" {
		t.Errorf("formula = %v", st.Formula)
	}

	samples, err := svc.Samples()
	if err != nil {
		t.Fatal(err)
	}
	if samples[0].SampleID != "a" || samples[0].Status != "ok" || !samples[0].Converged {
		t.Errorf("sample a = %+v", samples[0])
	}
	if samples[2].SampleID != "ghost" || samples[2].Status != "failed" || samples[2].Kind != pipeline.KindEmptyInput {
		t.Errorf("sample ghost = %+v", samples[2])
	}

	m, err := svc.Model("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Coefficients) != 4 || m.Coefficients[0].Term != "ncells" || m.Coefficients[0].Estimate == nil {
		t.Errorf("model = %+v", m)
	}
	res, err := svc.Residuals("a")
	if err != nil || len(res) == 0 || res[0].Fitted == nil {
		t.Errorf("residuals = %d rows, %v", len(res), err)
	}
	if es, _ := svc.Effects("a"); len(es) != 2 {
		t.Errorf("effects = %+v", es)
	}
	if rows, _ := svc.ANOVA("a"); len(rows) != 3 {
		t.Errorf("anova = %+v", rows)
	}
	be, err := svc.BatchEffects()
	if err != nil || len(be.Effects) != 4 || len(be.Regions) != 2 {
		t.Errorf("batch effects = %+v, %v", be, err)
	}
	if f, _ := svc.Failures(); len(f) != 1 || f[0].SampleID != "ghost" {
		t.Errorf("failures = %+v", f)
	}

	if _, err := svc.Model("ghost"); !errors.Is(err, ErrNoModel) {
		t.Errorf("ghost model error = %v", err)
	}
	if _, err := svc.Bins("nope"); !errors.Is(err, ErrUnknownSample) {
		t.Errorf("unknown sample error = %v", err)
	}
	if bins, err := svc.Bins("ghost"); err != nil || bins == nil {
		t.Errorf("ghost bins = %v, %v", bins, err)
	}
}

func TestViewsEncodeNonFinite(t *testing.T) {
	sc := synth.EndToEnd(3)
	sc.Samples = []string{"only"}
	svc := newTestService(t, nil)
	svc.SetDetections(synth.Detections(sc))
	if _, err := svc.Analyse(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	// A single sample leaves the cross-sample SD undefined.
	be, err := svc.BatchEffects()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(be)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"sd_log_slope":null`)) {
		t.Errorf("expected null SD in %s", data)
	}
	if num(1.5) == nil || *num(1.5) != 1.5 {
		t.Error("num should keep finite values")
	}
}

func TestMapLayers(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.Analyse(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for _, layer := range Layers {
		t.Run(layer, func(t *testing.T) {
			data, err := svc.Map("a", layer, "")
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if _, err := png.Decode(bytes.NewReader(data)); err != nil {
				t.Fatalf("invalid PNG: %v", err)
			}
			again, _ := svc.Map("a", layer, "")
			if !bytes.Equal(data, again) {
				t.Error("cached map differs")
			}
		})
	}
	if _, err := svc.Map("a", "square", ""); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("unknown layer error = %v", err)
	}
	if _, err := svc.Map("ghost", LayerPearson, ""); !errors.Is(err, ErrNoModel) {
		t.Errorf("ghost pearson error = %v", err)
	}
	if data, err := svc.EmptyMap(); err != nil || len(data) == 0 {
		t.Errorf("EmptyMap = %d bytes, %v", len(data), err)
	}
}

func TestMapMatchesPublishedGeneration(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	if _, err := svc.Analyse(ctx, nil); err != nil {
		t.Fatal(err)
	}
	base := svc.cfg.Pipeline.Bin.Resolution

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			res := base
			if i%2 == 0 {
				res = base / 2
			}
			if _, err := svc.Analyse(ctx, &Overrides{Resolution: res}); err != nil {
				t.Errorf("Analyse(%d) failed: %v", res, err)
				return
			}
		}
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			if _, err := svc.Map("a", LayerNTranscripts, ""); err != nil {
				t.Errorf("Map failed: %v", err)
				<-done
				return
			}
		}
	}

	// Whatever was cached for the final generation must come from the final batch.
	got, err := svc.Map("a", LayerNTranscripts, "")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := svc.snapshot()
	if err != nil {
		t.Fatal(err)
	}
	want, err := svc.renderLayer(b.Samples["a"], LayerNTranscripts, defaultColormap(LayerNTranscripts))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("cached map was rendered from a different analysis than the published one")
	}
}

func TestAnalyseWithOverridesAndStore(t *testing.T) {
	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	svc := newTestService(t, store)
	first, err := svc.Analyse(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	gen := svc.Generation()
	second, err := svc.Analyse(context.Background(), &Overrides{Resolution: 20, Test: "F"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Resolution != 20 || svc.Generation() != gen+1 {
		t.Errorf("status = %+v, generation %d", second, svc.Generation())
	}
	if first.RunID == "" || first.RunID == second.RunID {
		t.Errorf("run ids %q, %q", first.RunID, second.RunID)
	}
	rows, _ := svc.ANOVA("a")
	if len(rows) == 0 || rows[0].Test != "F" {
		t.Errorf("anova = %+v", rows)
	}
	runs, err := svc.Runs()
	if err != nil || len(runs) != 2 {
		t.Errorf("runs = %v, %v", runs, err)
	}
}

func TestDeleteRun(t *testing.T) {
	store, err := resultstore.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	svc := newTestService(t, store)
	st, err := svc.Analyse(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := store.SaveRun("human", nil, &pipeline.BatchResult{Samples: map[string]*pipeline.SampleResult{}})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteRun(other.ID); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("deleting another dataset's run: error = %v", err)
	}
	if err := svc.DeleteRun("nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("deleting unknown run: error = %v", err)
	}
	if err := svc.DeleteRun(st.RunID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if runs, _ := svc.Runs(); len(runs) != 0 {
		t.Errorf("runs after delete = %v", runs)
	}
	if got := svc.Status().RunID; got != "" {
		t.Errorf("status still points at deleted run %q", got)
	}
	if run, _ := store.GetRun(other.ID); run == nil {
		t.Error("other dataset's run was removed")
	}

	if err := newTestService(t, nil).DeleteRun(st.RunID); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("without store: error = %v", err)
	}
}

func TestAnalyseCancelledKeepsPrevious(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.Analyse(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Analyse(ctx, &Overrides{Resolution: 10}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if st := svc.Status(); !st.Ready || st.Resolution == 10 {
		t.Errorf("previous result should remain: %+v", st)
	}
}

func TestLoad(t *testing.T) {
	svc := NewAnalysisService(Config{DetectionsPath: filepath.Join(t.TempDir(), "missing.csv")}, Deps{Logger: zerolog.Nop()})
	if err := svc.Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
	if svc.DatasetID() != "default" {
		t.Errorf("dataset id = %q", svc.DatasetID())
	}
	svc.SetDetections([]transcripts.Detection{{SampleID: "s"}})
	if svc.Status().Detections != 1 {
		t.Error("SetDetections not applied")
	}
}
