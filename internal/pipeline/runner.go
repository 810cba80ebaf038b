package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/data/transcripts"
)

// Observer is notified after each sample finishes, from the worker goroutine.
type Observer interface {
	SampleDone(res *SampleResult)
}

// Observers fans each notification out to every non-nil observer in order.
type Observers []Observer

// SampleDone implements Observer.
func (os Observers) SampleDone(res *SampleResult) {
	for _, o := range os {
		if o != nil {
			o.SampleDone(res)
		}
	}
}

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	// MaxConcurrent is the number of workers; zero means runtime.NumCPU().
	MaxConcurrent int
	// Expected lists samples that must appear in the output even without detections.
	Expected []string
	Observer Observer
	Logger   zerolog.Logger
}

// Runner analyses samples in parallel. Output does not depend on worker count or
// scheduling.
type Runner struct {
	cfg    Config
	rcfg   RunnerConfig
	logger zerolog.Logger
}

// NewRunner creates a runner for one analysis configuration.
func NewRunner(cfg Config, rcfg RunnerConfig) *Runner {
	if rcfg.MaxConcurrent <= 0 {
		rcfg.MaxConcurrent = runtime.NumCPU()
	}
	return &Runner{cfg: cfg, rcfg: rcfg, logger: rcfg.Logger}
}

// BatchResult maps sample ids to results; Order is first-appearance order, followed by
// expected samples that had no detections.
type BatchResult struct {
	Order   []string
	Samples map[string]*SampleResult
}

// Run groups detections by sample and analyses each group.
func (r *Runner) Run(ctx context.Context, dets []transcripts.Detection) *BatchResult {
	order, groups := transcripts.GroupBySample(dets)
	for _, id := range r.rcfg.Expected {
		if _, ok := groups[id]; !ok {
			order = append(order, id)
			groups[id] = nil
		}
	}
	return r.RunGroups(ctx, order, groups)
}

// RunGroups analyses pre-grouped detections.
func (r *Runner) RunGroups(ctx context.Context, order []string, groups map[string][]transcripts.Detection) *BatchResult {
	batch := &BatchResult{
		Order:   append([]string(nil), order...),
		Samples: make(map[string]*SampleResult, len(order)),
	}

	queue := make(chan string, len(order))
	for _, id := range order {
		queue <- id
	}
	close(queue)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	workers := r.rcfg.MaxConcurrent
	if workers > len(order) {
		workers = len(order)
	}
	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				res := r.runOne(ctx, id, groups[id])
				mu.Lock()
				batch.Samples[id] = res
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	failed := len(batch.Failures())
	r.logger.Info().
		Int("samples", len(order)).
		Int("failed", failed).
		Int("workers", workers).
		Dur("elapsed", time.Since(start)).
		Msg("batch complete")
	return batch
}

func (r *Runner) runOne(ctx context.Context, id string, dets []transcripts.Detection) *SampleResult {
	res := RunSample(ctx, id, dets, r.cfg)
	if res.Failed() {
		r.logger.Warn().
			Str("sample", id).
			Str("stage", string(res.Stage)).
			Str("kind", string(res.Kind)).
			Err(res.Err).
			Msg("sample failed")
	} else {
		ev := r.logger.Debug().Str("sample", id).Int("bins", len(res.Bins))
		if res.Model != nil {
			ev = ev.Int("iterations", res.Model.Iterations).Float64("deviance", res.Model.Deviance)
		}
		ev.Msg("sample analysed")
	}
	for _, w := range res.Warnings {
		r.logger.Warn().Str("sample", id).Msg(w)
	}
	if r.rcfg.Observer != nil {
		r.rcfg.Observer.SampleDone(res)
	}
	return res
}
