// Command libsize runs the library-size analysis over every configured dataset and
// writes the result tables to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/config"
	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/logging"
	"github.com/libsize/server/internal/metrics"
	"github.com/libsize/server/internal/pipeline"
	"github.com/libsize/server/internal/resultstore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 1 for setup errors, 2 when any dataset or sample
// failed. Deferred cleanup runs before main exits.
func run(args []string) int {
	fs := flag.NewFlagSet("libsize", flag.ContinueOnError)
	configPath := fs.String("config", "config/server.yaml", "Path to configuration file")
	datasetID := fs.String("dataset", "", "Analyse only this dataset")
	outDir := fs.String("out", "", "Output directory (overrides output.dir)")
	gz := fs.Bool("gzip", false, "Gzip the exported tables")
	workers := fs.Int("workers", 0, "Concurrent samples (overrides analysis.max_concurrent)")
	metricsPath := fs.String("metrics", "", "Write Prometheus metrics to this textfile when done")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	logger := logging.Must(cfg.Log)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *workers > 0 {
		cfg.Analysis.MaxConcurrent = *workers
	}

	ids := cfg.Data.DatasetIDs()
	if *datasetID != "" {
		if _, ok := cfg.Data.Datasets[*datasetID]; !ok {
			logger.Error().Str("dataset", *datasetID).Msg("unknown dataset")
			return 1
		}
		ids = []string{*datasetID}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *resultstore.Store
	if cfg.Output.SQLitePath != "" {
		store, err = resultstore.NewStore(cfg.Output.SQLitePath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to open result store")
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close result store")
			}
		}()
	}

	m := metrics.New()
	failed := 0
	for _, id := range ids {
		n, err := analyse(ctx, cfg, id, store, m, *gz, logging.Component(logger, "pipeline"))
		if err != nil {
			logger.Error().Err(err).Str("dataset", id).Msg("dataset failed")
			failed++
			continue
		}
		failed += n
		if ctx.Err() != nil {
			break
		}
	}
	if *metricsPath != "" {
		if err := m.WriteTextfile(*metricsPath); err != nil {
			logger.Error().Err(err).Msg("failed to write metrics")
		}
	}
	if failed > 0 {
		return 2
	}
	return 0
}

// analyse runs one dataset and returns the number of failed samples.
func analyse(ctx context.Context, cfg *config.Config, id string, store *resultstore.Store, m *metrics.Metrics, gz bool, logger zerolog.Logger) (int, error) {
	ds := cfg.Data.Datasets[id]
	start := time.Now()
	dets, err := transcripts.Load(ctx, ds.DetectionsPath, cfg.S3.Transcripts(), cfg.ReadOptions(id))
	if err != nil {
		return 0, err
	}
	logger.Info().Str("dataset", id).Int("detections", len(dets)).Dur("elapsed", time.Since(start)).Msg("detections loaded")

	order, _ := transcripts.GroupBySample(dets)
	prog := &progress{total: len(order), logger: logger.With().Str("dataset", id).Logger()}
	for _, s := range ds.Samples {
		if !slices.Contains(order, s) {
			prog.total++
		}
	}

	pcfg := cfg.Pipeline(id)
	runner := pipeline.NewRunner(pcfg, pipeline.RunnerConfig{
		MaxConcurrent: cfg.Analysis.MaxConcurrent,
		Expected:      ds.Samples,
		Observer:      pipeline.Observers{m.Observer(id), prog},
		Logger:        logger.With().Str("dataset", id).Logger(),
	})
	batch := runner.Run(ctx, dets)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	paths, err := resultstore.ExportTSV(filepath.Join(cfg.Output.Dir, id), batch, resultstore.ExportOptions{Gzip: gz})
	if err != nil {
		return 0, err
	}
	if store != nil {
		run, err := store.SaveRun(id, pcfg, batch)
		if err != nil {
			return 0, err
		}
		logger.Info().Str("dataset", id).Str("run", run.ID).Msg("run saved")
	}

	failures := batch.Failures()
	for _, f := range failures {
		logger.Warn().
			Str("dataset", id).
			Str("sample", f.SampleID).
			Str("stage", string(f.Stage)).
			Str("kind", string(f.Kind)).
			Msg(f.Error)
	}
	for _, row := range batch.Summary() {
		logger.Info().
			Str("dataset", id).
			Str("sample", row.SampleID).
			Str("region", row.Region).
			Float64("slope", row.Slope).
			Float64("intercept", row.Intercept).
			Bool("estimable", row.Estimable).
			Msg("effect")
	}
	logger.Info().
		Str("dataset", id).
		Int("samples", len(batch.Order)).
		Int("failed", len(failures)).
		Strs("files", paths).
		Dur("elapsed", time.Since(start)).
		Msg("dataset analysed")
	return len(failures), nil
}

// progress logs each finished sample with a running count.
type progress struct {
	done   atomic.Int64
	total  int
	logger zerolog.Logger
}

func (p *progress) SampleDone(res *pipeline.SampleResult) {
	n := p.done.Add(1)
	status := "ok"
	if res.Failed() {
		status = "failed"
	}
	p.logger.Info().
		Str("sample", res.SampleID).
		Str("status", status).
		Msgf("sample %d/%d", n, p.total)
}
