// Package service holds per-dataset analysis state behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/libsize/server/internal/cache"
	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/hexbin"
	"github.com/libsize/server/internal/pipeline"
	"github.com/libsize/server/internal/render"
	"github.com/libsize/server/internal/resultstore"
)

var (
	// ErrNotReady indicates the dataset has not been analysed yet.
	ErrNotReady = errors.New("dataset not analysed")
	// ErrUnknownSample indicates a sample id absent from the current run.
	ErrUnknownSample = errors.New("unknown sample")
	// ErrUnknownLayer indicates an unsupported map layer.
	ErrUnknownLayer = errors.New("unknown layer")
	// ErrNoModel indicates a sample that failed before a model was fitted.
	ErrNoModel = errors.New("sample has no fitted model")
	// ErrUnknownRun indicates a run id not stored for this dataset.
	ErrUnknownRun = errors.New("unknown run")
)

// Map layers.
const (
	LayerNTranscripts = "ntranscripts"
	LayerNCells       = "ncells"
	LayerRegion       = "region"
	LayerPearson      = "pearson"
	LayerFitted       = "fitted"
)

// Layers lists the supported map layers.
var Layers = []string{LayerNTranscripts, LayerNCells, LayerRegion, LayerPearson, LayerFitted}

// Config describes one dataset.
type Config struct {
	DatasetID      string
	Title          string
	DetectionsPath string
	S3             transcripts.S3Config
	Read           transcripts.ReadOptions
	Pipeline       pipeline.Config
	MaxConcurrent  int
	// Expected samples are reported as failures when they have no detections.
	Expected []string
}

// Deps are shared collaborators. Store and Observer may be nil.
type Deps struct {
	Logger   zerolog.Logger
	Cache    *cache.Manager
	Renderer *render.MapRenderer
	Store    *resultstore.Store
	Observer pipeline.Observer
}

// Status summarises the current analysis of a dataset.
type Status struct {
	DatasetID  string    `json:"dataset_id"`
	Title      string    `json:"title,omitempty"`
	Ready      bool      `json:"ready"`
	RunID      string    `json:"run_id,omitempty"`
	AnalysedAt time.Time `json:"analysed_at,omitempty"`
	Detections int       `json:"detections"`
	Samples    int       `json:"samples"`
	Failed     int       `json:"failed"`
	Resolution int       `json:"resolution"`
	Formula    []string  `json:"formula_terms,omitempty"`
}

// AnalysisService owns the detections and latest batch result of one dataset.
type AnalysisService struct {
	cfg      Config
	logger   zerolog.Logger
	cache    *cache.Manager
	renderer *render.MapRenderer
	store    *resultstore.Store
	observer pipeline.Observer

	// runMu serialises analyses; mu guards the fields below.
	runMu      sync.Mutex
	mu         sync.RWMutex
	dets       []transcripts.Detection
	batch      *pipeline.BatchResult
	pcfg       pipeline.Config
	runID      string
	generation int
	analysedAt time.Time
}

// NewAnalysisService creates a service for one dataset.
func NewAnalysisService(cfg Config, deps Deps) *AnalysisService {
	if cfg.DatasetID == "" {
		cfg.DatasetID = "default"
	}
	return &AnalysisService{
		cfg:      cfg,
		logger:   deps.Logger.With().Str("dataset", cfg.DatasetID).Logger(),
		cache:    deps.Cache,
		renderer: deps.Renderer,
		store:    deps.Store,
		observer: deps.Observer,
		pcfg:     cfg.Pipeline,
	}
}

// DatasetID returns the dataset id.
func (s *AnalysisService) DatasetID() string {
	return s.cfg.DatasetID
}

// Load reads the detection table from the configured path.
func (s *AnalysisService) Load(ctx context.Context) error {
	start := time.Now()
	dets, err := transcripts.Load(ctx, s.cfg.DetectionsPath, s.cfg.S3, s.cfg.Read)
	if err != nil {
		return fmt.Errorf("failed to load detections: %w", err)
	}
	s.SetDetections(dets)
	s.logger.Info().
		Str("path", s.cfg.DetectionsPath).
		Int("detections", len(dets)).
		Dur("elapsed", time.Since(start)).
		Msg("detections loaded")
	return nil
}

// SetDetections replaces the detections used by later analyses.
func (s *AnalysisService) SetDetections(dets []transcripts.Detection) {
	s.mu.Lock()
	s.dets = dets
	s.mu.Unlock()
}

// Overrides adjust a single analysis run. Zero values keep the dataset settings.
type Overrides struct {
	Resolution int    `json:"resolution,omitempty"`
	Test       string `json:"anova_test,omitempty"`
	ThreeWay   *bool  `json:"three_way,omitempty"`
}

func (o *Overrides) apply(cfg pipeline.Config) pipeline.Config {
	if o == nil {
		return cfg
	}
	if o.Resolution > 0 {
		cfg.Bin.Resolution = o.Resolution
	}
	if o.Test != "" {
		cfg.Test = o.Test
	}
	if o.ThreeWay != nil {
		cfg.Design.ThreeWay = *o.ThreeWay
	}
	return cfg
}

// Analyse runs the pipeline over the loaded detections and publishes the result. The
// previous result stays visible until the new one is complete.
func (s *AnalysisService) Analyse(ctx context.Context, o *Overrides) (Status, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.RLock()
	dets := s.dets
	s.mu.RUnlock()

	pcfg := o.apply(s.cfg.Pipeline)
	runner := pipeline.NewRunner(pcfg, pipeline.RunnerConfig{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Expected:      s.cfg.Expected,
		Observer:      s.observer,
		Logger:        s.logger,
	})
	batch := runner.Run(ctx, dets)
	if err := ctx.Err(); err != nil {
		return s.Status(), err
	}

	runID := ""
	if s.store != nil {
		run, err := s.store.SaveRun(s.cfg.DatasetID, pcfg, batch)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to persist run")
		} else {
			runID = run.ID
		}
	}

	s.mu.Lock()
	s.batch = batch
	s.pcfg = pcfg
	s.runID = runID
	s.generation++
	s.analysedAt = time.Now()
	s.mu.Unlock()

	st := s.Status()
	s.logger.Info().
		Str("run", runID).
		Int("samples", st.Samples).
		Int("failed", st.Failed).
		Msg("analysis published")
	return st, nil
}

// Status reports the current analysis.
func (s *AnalysisService) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		DatasetID:  s.cfg.DatasetID,
		Title:      s.cfg.Title,
		Ready:      s.batch != nil,
		RunID:      s.runID,
		AnalysedAt: s.analysedAt,
		Detections: len(s.dets),
		Resolution: s.pcfg.Bin.Resolution,
	}
	for _, t := range s.pcfg.Design.Terms() {
		st.Formula = append(st.Formula, t.Label())
	}
	if s.batch != nil {
		st.Samples = len(s.batch.Order)
		st.Failed = len(s.batch.Failures())
	}
	return st
}

// Batch returns the current batch result.
func (s *AnalysisService) Batch() (*pipeline.BatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch == nil {
		return nil, ErrNotReady
	}
	return s.batch, nil
}

// Generation increments with every published analysis; cache keys include it.
func (s *AnalysisService) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// snapshot returns the published batch with its generation, read together.
func (s *AnalysisService) snapshot() (*pipeline.BatchResult, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch == nil {
		return nil, 0, ErrNotReady
	}
	return s.batch, s.generation, nil
}

func (s *AnalysisService) sample(id string) (*pipeline.SampleResult, error) {
	b, err := s.Batch()
	if err != nil {
		return nil, err
	}
	res, ok := b.Samples[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSample, id)
	}
	return res, nil
}

// Samples lists per-sample status in sample order.
func (s *AnalysisService) Samples() ([]SampleInfo, error) {
	b, err := s.Batch()
	if err != nil {
		return nil, err
	}
	out := make([]SampleInfo, 0, len(b.Order))
	for _, id := range b.Order {
		out = append(out, sampleInfo(b.Samples[id]))
	}
	return out, nil
}

// Sample returns one sample's status.
func (s *AnalysisService) Sample(id string) (SampleInfo, error) {
	res, err := s.sample(id)
	if err != nil {
		return SampleInfo{}, err
	}
	return sampleInfo(res), nil
}

// Bins returns every bin of a sample, including those excluded from the model.
func (s *AnalysisService) Bins(id string) ([]hexbin.Bin, error) {
	res, err := s.sample(id)
	if err != nil {
		return nil, err
	}
	if res.Bins == nil {
		return []hexbin.Bin{}, nil
	}
	return res.Bins, nil
}

// Model returns the fitted (or partial) model of a sample.
func (s *AnalysisService) Model(id string) (ModelView, error) {
	res, err := s.sample(id)
	if err != nil {
		return ModelView{}, err
	}
	if res.Model == nil {
		return ModelView{}, fmt.Errorf("%w: %s", ErrNoModel, id)
	}
	return modelView(res.Model), nil
}

// Residuals returns the per-bin fit of a sample.
func (s *AnalysisService) Residuals(id string) ([]ResidualView, error) {
	res, err := s.sample(id)
	if err != nil {
		return nil, err
	}
	if res.Model == nil || res.Design == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoModel, id)
	}
	return residualViews(res), nil
}

// Effects returns a sample's region effect sizes.
func (s *AnalysisService) Effects(id string) ([]EffectView, error) {
	res, err := s.sample(id)
	if err != nil {
		return nil, err
	}
	return effectViews(res.Effects), nil
}

// ANOVA returns a sample's Type-II table.
func (s *AnalysisService) ANOVA(id string) ([]ANOVAView, error) {
	res, err := s.sample(id)
	if err != nil {
		return nil, err
	}
	return anovaViews(res.ANOVA), nil
}

// BatchEffects returns the cross-sample effect table.
func (s *AnalysisService) BatchEffects() (BatchEffects, error) {
	b, err := s.Batch()
	if err != nil {
		return BatchEffects{}, err
	}
	return batchEffects(b), nil
}

// Failures lists failed samples.
func (s *AnalysisService) Failures() ([]pipeline.Failure, error) {
	b, err := s.Batch()
	if err != nil {
		return nil, err
	}
	f := b.Failures()
	if f == nil {
		f = []pipeline.Failure{}
	}
	return f, nil
}

// Runs lists persisted runs; without a store it returns an empty list.
func (s *AnalysisService) Runs() ([]*resultstore.Run, error) {
	if s.store == nil {
		return []*resultstore.Run{}, nil
	}
	runs, err := s.store.ListRuns(s.cfg.DatasetID)
	if runs == nil && err == nil {
		runs = []*resultstore.Run{}
	}
	return runs, err
}

// DeleteRun removes a stored run of this dataset.
func (s *AnalysisService) DeleteRun(runID string) error {
	if s.store == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil || run.DatasetID != s.cfg.DatasetID {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err := s.store.DeleteRun(runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	s.mu.Lock()
	if s.runID == runID {
		s.runID = ""
	}
	s.mu.Unlock()
	s.logger.Info().Str("run", runID).Msg("run deleted")
	return nil
}

// Map renders a layer of one sample as PNG, using the map cache when available.
func (s *AnalysisService) Map(id, layer, colormapName string) ([]byte, error) {
	b, gen, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	res, ok := b.Samples[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSample, id)
	}
	if colormapName == "" {
		colormapName = defaultColormap(layer)
	}

	key := cache.MapKey(fmt.Sprintf("%s@%d", s.cfg.DatasetID, gen), id, layer, colormapName)
	if s.cache != nil {
		if data, ok := s.cache.GetMap(key); ok {
			return data, nil
		}
	}

	data, err := s.renderLayer(res, layer, colormapName)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetMap(key, data); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("map not cached")
		}
	}
	return data, nil
}

// EmptyMap returns a blank canvas.
func (s *AnalysisService) EmptyMap() ([]byte, error) {
	return s.renderer.CreateEmptyMap()
}

func defaultColormap(layer string) string {
	if layer == LayerPearson {
		return "rdbu"
	}
	return "viridis"
}

func (s *AnalysisService) renderLayer(res *pipeline.SampleResult, layer, colormapName string) ([]byte, error) {
	switch layer {
	case LayerNTranscripts, LayerNCells:
		cells := make([]hexbin.Cell, len(res.Bins))
		values := make([]float64, len(res.Bins))
		for i, b := range res.Bins {
			cells[i] = hexbin.Cell{Row: b.Row, Col: b.Col}
			if layer == LayerNCells {
				values[i] = float64(b.NCells)
			} else {
				values[i] = float64(b.NTranscripts)
			}
		}
		lo, hi := render.Range(values, false)
		return s.renderer.RenderContinuous(cells, values, lo, hi, colormapName)

	case LayerRegion:
		regions := make(map[string]int)
		for _, b := range res.Bins {
			if b.Region != "" {
				regions[b.Region] = 0
			}
		}
		names := make([]string, 0, len(regions))
		for r := range regions {
			names = append(names, r)
		}
		sort.Strings(names)
		for i, r := range names {
			regions[r] = i
		}
		cells := make([]hexbin.Cell, len(res.Bins))
		idx := make([]int, len(res.Bins))
		for i, b := range res.Bins {
			cells[i] = hexbin.Cell{Row: b.Row, Col: b.Col}
			idx[i] = -1
			if b.Region != "" {
				idx[i] = regions[b.Region]
			}
		}
		return s.renderer.RenderCategorical(cells, idx, len(names))

	case LayerPearson, LayerFitted:
		if res.Model == nil || res.Design == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoModel, res.SampleID)
		}
		values := res.Model.Fitted
		if layer == LayerPearson {
			values = res.Model.PearsonResiduals
		}
		cells := make([]hexbin.Cell, len(res.Design.Bins))
		for i, b := range res.Design.Bins {
			cells[i] = hexbin.Cell{Row: b.Row, Col: b.Col}
		}
		lo, hi := render.Range(values, layer == LayerPearson)
		return s.renderer.RenderContinuous(cells, values, lo, hi, colormapName)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
}
