package resultstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/pipeline"
	"github.com/libsize/server/internal/synth"
)

// testBatch runs two synthetic samples plus one expected sample with no detections.
func testBatch(t *testing.T) *pipeline.BatchResult {
	t.Helper()
	sc := synth.EndToEnd(11)
	sc.Samples = sc.Samples[:2]
	cfg := pipeline.DefaultConfig()
	cfg.Bin.Resolution = synth.Resolution(sc)
	runner := pipeline.NewRunner(cfg, pipeline.RunnerConfig{
		MaxConcurrent: 2,
		Expected:      []string{"absent"},
		Logger:        zerolog.Nop(),
	})
	return runner.Run(context.Background(), synth.Detections(sc))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "results.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveRun(t *testing.T) {
	batch := testBatch(t)
	s := newTestStore(t)

	run, err := s.SaveRun("mouse", map[string]int{"resolution": 40}, batch)
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if run.Samples != 3 || run.Failed != 1 {
		t.Errorf("run = %+v", run)
	}

	got, err := s.GetRun(run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun = %v, %v", got, err)
	}
	if got.DatasetID != "mouse" || string(got.Config) != `{"resolution":40}` {
		t.Errorf("stored run = %+v", got)
	}
	if missing, err := s.GetRun("nope"); err != nil || missing != nil {
		t.Errorf("GetRun(nope) = %v, %v", missing, err)
	}

	effects, err := s.Effects(run.ID)
	if err != nil {
		t.Fatalf("Effects failed: %v", err)
	}
	want := batch.Summary()
	if len(effects) != len(want) {
		t.Fatalf("effects = %d rows, want %d", len(effects), len(want))
	}
	for i := range want {
		if effects[i] != want[i] {
			t.Errorf("effect %d = %+v, want %+v", i, effects[i], want[i])
		}
	}

	failures, err := s.Failures(run.ID)
	if err != nil || len(failures) != 1 || failures[0].SampleID != "absent" {
		t.Errorf("failures = %+v, %v", failures, err)
	}

	var nBins, nCoef int
	for _, id := range batch.Order {
		nBins += len(batch.Samples[id].Bins)
	}
	for _, id := range batch.Succeeded() {
		nCoef += len(batch.Samples[id].Model.Names)
	}
	if n, _ := s.Count(run.ID, "bins"); n != nBins {
		t.Errorf("bins = %d, want %d", n, nBins)
	}
	if n, _ := s.Count(run.ID, "coefficients"); n != nCoef {
		t.Errorf("coefficients = %d, want %d", n, nCoef)
	}
	if _, err := s.Count(run.ID, "runs; DROP TABLE bins"); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestListAndDeleteRuns(t *testing.T) {
	batch := testBatch(t)
	s := newTestStore(t)

	first, err := s.SaveRun("d", nil, batch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SaveRun("d", nil, batch)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("run ids should be unique")
	}
	runs, err := s.ListRuns("d")
	if err != nil || len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}

	if err := s.DeleteRun(first.ID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if n, _ := s.Count(first.ID, "residuals"); n != 0 {
		t.Errorf("residuals left after delete: %d", n)
	}
	if runs, _ := s.ListRuns("d"); len(runs) != 1 {
		t.Errorf("runs after delete = %d", len(runs))
	}
}

func readTSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("invalid TSV: %v", err)
	}
	return recs
}

func TestExportTSV(t *testing.T) {
	batch := testBatch(t)
	dir := t.TempDir()

	paths, err := ExportTSV(dir, batch, ExportOptions{})
	if err != nil {
		t.Fatalf("ExportTSV failed: %v", err)
	}
	if len(paths) != len(Tables()) {
		t.Fatalf("wrote %d files", len(paths))
	}

	data, err := os.ReadFile(filepath.Join(dir, "effects.tsv"))
	if err != nil {
		t.Fatal(err)
	}
	recs := readTSV(t, data)
	if strings.Join(recs[0], ",") != "sample_id,region,slope,intercept,log_slope,log_intercept,estimable" {
		t.Errorf("header = %v", recs[0])
	}
	if len(recs)-1 != len(batch.Summary()) {
		t.Errorf("effects rows = %d, want %d", len(recs)-1, len(batch.Summary()))
	}

	data, _ = os.ReadFile(filepath.Join(dir, "failures.tsv"))
	recs = readTSV(t, data)
	if len(recs) != 2 || recs[1][0] != "absent" || recs[1][1] != "bin" {
		t.Errorf("failures = %v", recs)
	}
}

func TestExportGzip(t *testing.T) {
	batch := testBatch(t)
	dir := t.TempDir()
	if _, err := ExportTSV(dir, batch, ExportOptions{Gzip: true}); err != nil {
		t.Fatalf("ExportTSV failed: %v", err)
	}
	f, err := os.Open(filepath.Join(dir, "anova.tsv.gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gr); err != nil {
		t.Fatal(err)
	}
	recs := readTSV(t, buf.Bytes())
	if recs[0][1] != "term" || len(recs) < 2 {
		t.Errorf("anova = %v", recs)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{"", "NA"},
		{"Cortex", "Cortex"},
		{0.5, "0.5"},
		{math.NaN(), "NA"},
		{true, "TRUE"},
		{int32(-3), "-3"},
		{7, "7"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if err := WriteTable(&bytes.Buffer{}, "nope", &pipeline.BatchResult{}); err == nil {
		t.Error("expected error for unknown table")
	}
}
