package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/design"
	"github.com/libsize/server/internal/effects"
	"github.com/libsize/server/internal/glm"
	"github.com/libsize/server/internal/hexbin"
	"github.com/libsize/server/internal/synth"
)

func endToEndConfig(sc synth.Config) Config {
	cfg := DefaultConfig()
	cfg.Bin.Resolution = synth.Resolution(sc)
	return cfg
}

func TestEndToEnd(t *testing.T) {
	sc := synth.EndToEnd(2024)
	runner := NewRunner(endToEndConfig(sc), RunnerConfig{MaxConcurrent: 3, Logger: zerolog.Nop()})
	batch := runner.Run(context.Background(), synth.Detections(sc))

	if len(batch.Order) != 3 {
		t.Fatalf("order = %v, want 3 samples", batch.Order)
	}
	if f := batch.Failures(); len(f) != 0 {
		t.Fatalf("unexpected failures: %+v", f)
	}
	for _, id := range sc.Samples {
		res := batch.Samples[id]
		if res.Stage != StageDone {
			t.Fatalf("%s stopped at %s", id, res.Stage)
		}
		byRegion := make(map[string]effects.EffectSize)
		for _, e := range res.Effects {
			byRegion[e.Region] = e
		}
		cortex, fibre := byRegion["Cortex"], byRegion["Fibre"]
		if !(cortex.Slope > fibre.Slope) {
			t.Errorf("%s: slope Cortex %v <= Fibre %v", id, cortex.Slope, fibre.Slope)
		}
		if !(cortex.Intercept > fibre.Intercept) {
			t.Errorf("%s: intercept Cortex %v <= Fibre %v", id, cortex.Intercept, fibre.Intercept)
		}
		var regionP float64 = -1
		for _, row := range res.ANOVA {
			if row.Term == "region" {
				regionP = row.PValue
			}
		}
		if regionP < 0 || regionP >= 0.01 {
			t.Errorf("%s: region p-value = %v, want < 0.01", id, regionP)
		}
		for _, stage := range Stages {
			if _, ok := res.Durations[stage]; !ok {
				t.Errorf("%s: no duration for %s", id, stage)
			}
		}
	}

	summary := batch.Summary()
	if len(summary) != 6 {
		t.Errorf("summary rows = %d, want 6", len(summary))
	}
	stats := batch.RegionStats()
	if len(stats) != 2 || stats[0].Region != "Cortex" || stats[0].Samples != 3 {
		t.Errorf("region stats = %+v", stats)
	}
}

func TestBinsMatchGeneratedCounts(t *testing.T) {
	sc := synth.EndToEnd(5)
	sc.Samples = sc.Samples[:1]
	res := RunSample(context.Background(), "sample1", synth.Detections(sc), endToEndConfig(sc))
	if res.Failed() {
		t.Fatalf("sample failed: %v", res.Err)
	}
	want := make(map[hexbin.Cell]hexbin.Bin)
	for _, b := range synth.Bins(sc) {
		want[hexbin.Cell{Row: b.Row, Col: b.Col}] = b
	}
	for _, b := range res.Bins {
		w, ok := want[hexbin.Cell{Row: b.Row, Col: b.Col}]
		if !ok {
			if b.Region != "" {
				t.Errorf("unexpected annotated bin at (%d,%d)", b.Row, b.Col)
			}
			continue
		}
		if b.NTranscripts != w.NTranscripts || b.NCells != w.NCells || b.Region != w.Region {
			t.Errorf("bin (%d,%d) = %d/%d/%s, want %d/%d/%s", b.Row, b.Col,
				b.NTranscripts, b.NCells, b.Region, w.NTranscripts, w.NCells, w.Region)
		}
	}
}

func TestRunIndependentOfWorkerCount(t *testing.T) {
	sc := synth.EndToEnd(9)
	dets := synth.Detections(sc)
	cfg := endToEndConfig(sc)

	one := NewRunner(cfg, RunnerConfig{MaxConcurrent: 1, Logger: zerolog.Nop()}).Run(context.Background(), dets)
	many := NewRunner(cfg, RunnerConfig{MaxConcurrent: 8, Logger: zerolog.Nop()}).Run(context.Background(), dets)

	for _, id := range sc.Samples {
		a, b := one.Samples[id].Model, many.Samples[id].Model
		for j := range a.Coefficients {
			if a.Coefficients[j] != b.Coefficients[j] {
				t.Errorf("%s %s: %v vs %v", id, a.Names[j], a.Coefficients[j], b.Coefficients[j])
			}
		}
	}
	if fmt.Sprint(one.Order) != fmt.Sprint(many.Order) {
		t.Errorf("order differs: %v vs %v", one.Order, many.Order)
	}
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]ErrorKind
}

func (r *recorder) SampleDone(res *SampleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[res.SampleID] = res.Kind
}

func TestFailuresAreIsolated(t *testing.T) {
	sc := synth.EndToEnd(1)
	sc.Samples = []string{"good"}
	dets := synth.Detections(sc)

	// A sample with detections but no region annotations.
	for i := 0; i < 20; i++ {
		dets = append(dets, transcripts.Detection{
			SampleID: "unannotated", X: float64(i), Y: float64(i % 3),
			GeneType: transcripts.GeneTypeGene, Count: 1, Cell: fmt.Sprint(i),
		})
	}
	// A sample whose second region never yields transcripts.
	sep := synth.Config{
		Seed: 3, Samples: []string{"separated"}, BinsPerSample: 200, MeanCells: 5,
		Regions: []synth.Region{{Name: "A", Intercept: 30, Slope: 1.05}, {Name: "B", Intercept: 0, Slope: 1}},
	}
	dets = append(dets, synth.Detections(sep)...)

	rec := &recorder{seen: make(map[string]ErrorKind)}
	cfg := endToEndConfig(sc)
	runner := NewRunner(cfg, RunnerConfig{
		MaxConcurrent: 2,
		Expected:      []string{"missing"},
		Observer:      rec,
		Logger:        zerolog.Nop(),
	})
	batch := runner.Run(context.Background(), dets)

	want := map[string]struct {
		stage Stage
		kind  ErrorKind
	}{
		"good":        {StageDone, ""},
		"unannotated": {StageDesign, KindEmptyInput},
		"separated":   {StageFit, KindNonConvergence},
		"missing":     {StageBin, KindEmptyInput},
	}
	for id, w := range want {
		res := batch.Samples[id]
		if res == nil {
			t.Fatalf("no result for %s", id)
		}
		if res.Stage != w.stage || res.Kind != w.kind {
			t.Errorf("%s: stage %s kind %q, want %s %q (err %v)", id, res.Stage, res.Kind, w.stage, w.kind, res.Err)
		}
		if rec.seen[id] != w.kind {
			t.Errorf("observer saw %s as %q", id, rec.seen[id])
		}
	}
	if res := batch.Samples["separated"]; res.Model == nil || res.Model.Converged {
		t.Error("separated sample should keep its partial model")
	}

	failures := batch.Failures()
	if len(failures) != 3 {
		t.Errorf("failures = %+v", failures)
	}
	for _, row := range batch.Summary() {
		if row.SampleID != "good" {
			t.Errorf("failed sample %s leaked into summary", row.SampleID)
		}
	}
	if got := batch.Succeeded(); len(got) != 1 || got[0] != "good" {
		t.Errorf("succeeded = %v", got)
	}
}

func TestRunSampleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc := synth.EndToEnd(1)
	res := RunSample(ctx, "sample1", synth.Detections(sc), endToEndConfig(sc))
	if res.Kind != KindCancelled || res.Stage != StageBin {
		t.Errorf("stage %s kind %s, want bin cancelled", res.Stage, res.Kind)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", hexbin.ErrInvalidGeometry), KindInvalidGeometry},
		{hexbin.ErrEmptyInput, KindEmptyInput},
		{design.ErrNoObservations, KindEmptyInput},
		{&glm.NonConvergenceError{Iterations: 25}, KindNonConvergence},
		{effects.ErrMissingBaseline, KindMissingBaseline},
		{&glm.RankDeficiencyError{Names: []string{"x"}}, KindRankDeficiency},
		{context.Canceled, KindCancelled},
		{errors.New("boom"), KindError},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestInvalidGeometryFailsAtBinStage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bin.Geometry = "square"
	sc := synth.EndToEnd(1)
	res := RunSample(context.Background(), "sample1", synth.Detections(sc), cfg)
	if res.Kind != KindInvalidGeometry || res.Stage != StageBin {
		t.Errorf("stage %s kind %s", res.Stage, res.Kind)
	}
}

func TestObserversFanOut(t *testing.T) {
	a := &recorder{seen: make(map[string]ErrorKind)}
	b := &recorder{seen: make(map[string]ErrorKind)}
	obs := Observers{a, nil, b}
	obs.SampleDone(&SampleResult{SampleID: "s", Kind: KindNonConvergence})
	for i, r := range []*recorder{a, b} {
		if r.seen["s"] != KindNonConvergence {
			t.Errorf("observer %d saw %v", i, r.seen)
		}
	}
}
