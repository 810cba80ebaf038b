// Package pipeline runs the per-sample analysis (bin, build, fit, decompose, anova)
// and fans samples out over a worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libsize/server/internal/anova"
	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/design"
	"github.com/libsize/server/internal/effects"
	"github.com/libsize/server/internal/glm"
	"github.com/libsize/server/internal/hexbin"
)

// Stage names a pipeline step.
type Stage string

const (
	StageBin       Stage = "bin"
	StageDesign    Stage = "design"
	StageFit       Stage = "fit"
	StageDecompose Stage = "decompose"
	StageANOVA     Stage = "anova"
	StageDone      Stage = "done"
)

// Stages lists the steps in execution order.
var Stages = []Stage{StageBin, StageDesign, StageFit, StageDecompose, StageANOVA}

// ErrorKind classifies a sample failure.
type ErrorKind string

const (
	KindInvalidGeometry ErrorKind = "InvalidGeometryError"
	KindEmptyInput      ErrorKind = "EmptyInputError"
	KindNonConvergence  ErrorKind = "NonConvergenceError"
	KindMissingBaseline ErrorKind = "MissingBaselineError"
	KindRankDeficiency  ErrorKind = "RankDeficiencyError"
	KindCancelled       ErrorKind = "CancelledError"
	KindError           ErrorKind = "Error"
)

// Classify maps an error to its kind. A nil error has no kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, hexbin.ErrInvalidGeometry):
		return KindInvalidGeometry
	case errors.Is(err, hexbin.ErrEmptyInput), errors.Is(err, design.ErrNoObservations):
		return KindEmptyInput
	case errors.Is(err, glm.ErrNonConvergence):
		return KindNonConvergence
	case errors.Is(err, effects.ErrMissingBaseline):
		return KindMissingBaseline
	case errors.Is(err, glm.ErrRankDeficient), errors.Is(err, glm.ErrNoEstimable):
		return KindRankDeficiency
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindError
	}
}

// Config holds the settings of every stage.
type Config struct {
	Bin     hexbin.Options
	Design  design.Spec
	Fit     glm.Options
	Effects effects.Options
	// Test is the ANOVA test, "LR" or "F".
	Test string
}

// DefaultConfig returns the standard formula 0 + ncells * region on a 100-wide hex grid.
func DefaultConfig() Config {
	return Config{
		Bin: hexbin.Options{
			Geometry:   hexbin.GeometryHex,
			Resolution: 100,
			GeneType:   transcripts.GeneTypeGene,
			CellRule:   hexbin.CellRuleDetections,
		},
		Design: design.Spec{
			CellVar:      design.DefaultCellVar,
			Covariates:   []string{"region"},
			Interactions: true,
		},
		Fit:  glm.Options{MaxIterations: 25, Tolerance: 1e-8},
		Test: anova.TestLR,
	}
}

// withCovariates ensures every non-region formula covariate is labelled by the binner.
func (c Config) withCovariates() Config {
	seen := make(map[string]bool, len(c.Bin.Covariates))
	for _, v := range c.Bin.Covariates {
		seen[v] = true
	}
	out := append([]string(nil), c.Bin.Covariates...)
	for _, v := range c.Design.Covariates {
		if v != "region" && !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	c.Bin.Covariates = out
	return c
}

// SampleResult is the outcome of one sample. On failure Stage names the failing step,
// Kind classifies Err, and the outputs of earlier stages are kept.
type SampleResult struct {
	SampleID string
	Bins     []hexbin.Bin
	Design   *design.Matrix
	// Model is the fitted model; after non-convergence it is the partial model.
	Model    *glm.Model
	Effects  []effects.EffectSize
	ANOVA    []anova.Row
	Warnings []string

	Stage Stage
	Kind  ErrorKind
	Err   error

	Durations map[Stage]time.Duration
}

// Failed reports whether the sample did not complete.
func (r *SampleResult) Failed() bool {
	return r.Err != nil
}

func (r *SampleResult) fail(stage Stage, err error) *SampleResult {
	r.Stage = stage
	r.Err = err
	r.Kind = Classify(err)
	return r
}

// RunSample runs every stage on one sample's detections. It never panics on bad data;
// failures are recorded on the result.
func RunSample(ctx context.Context, sampleID string, dets []transcripts.Detection, cfg Config) *SampleResult {
	cfg = cfg.withCovariates()
	res := &SampleResult{
		SampleID:  sampleID,
		Durations: make(map[Stage]time.Duration, len(Stages)),
	}
	timed := func(stage Stage, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		res.Durations[stage] = time.Since(start)
		return err
	}

	if err := timed(StageBin, func() error {
		bins, err := hexbin.BinSample(sampleID, dets, cfg.Bin)
		res.Bins = bins
		return err
	}); err != nil {
		return res.fail(StageBin, err)
	}

	if err := timed(StageDesign, func() error {
		m, err := design.Build(res.Bins, cfg.Design)
		res.Design = m
		return err
	}); err != nil {
		return res.fail(StageDesign, err)
	}
	if d := res.Design.Dropped; d.Unannotated > 0 || d.Empty > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("dropped %d unannotated and %d empty bins", d.Unannotated, d.Empty))
	}

	if err := timed(StageFit, func() error {
		y, X, names := res.Design.Parts()
		m, err := glm.Fit(y, X, names, cfg.Fit)
		var nce *glm.NonConvergenceError
		if errors.As(err, &nce) {
			res.Model = nce.Model
		} else {
			res.Model = m
		}
		return err
	}); err != nil {
		return res.fail(StageFit, err)
	}
	for _, w := range res.Model.Warnings {
		res.Warnings = append(res.Warnings, w.Error())
	}

	if err := timed(StageDecompose, func() error {
		es, err := effects.Decompose(res.Model, cfg.Effects)
		res.Effects = es
		return err
	}); err != nil {
		return res.fail(StageDecompose, err)
	}

	if err := timed(StageANOVA, func() error {
		rows, err := anova.Analyse(res.Model, anova.Options{
			Test:    cfg.Test,
			Fit:     cfg.Fit,
			Encoder: res.Design,
		})
		res.ANOVA = rows
		return err
	}); err != nil {
		return res.fail(StageANOVA, err)
	}

	res.Stage = StageDone
	return res
}
