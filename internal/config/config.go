// Package config handles configuration loading for the libsize server and batch tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/libsize/server/internal/anova"
	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/design"
	"github.com/libsize/server/internal/effects"
	"github.com/libsize/server/internal/glm"
	"github.com/libsize/server/internal/hexbin"
	"github.com/libsize/server/internal/logging"
	"github.com/libsize/server/internal/pipeline"
)

// ErrInvalid indicates a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Analysis AnalysisConfig `yaml:"analysis"`
	S3       S3Config       `yaml:"s3"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Output   OutputConfig   `yaml:"output"`
	Log      logging.Config `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one detection table.
type DatasetConfig struct {
	// DetectionsPath is a local path or s3://bucket/key, optionally .gz or .zst.
	DetectionsPath string `yaml:"detections_path"`
	// Format is "csv" or "tsv"; empty infers from the extension.
	Format string `yaml:"format"`
	// Samples lists samples expected in the table; missing ones are reported as failures.
	Samples []string `yaml:"samples"`
	// Covariates overrides analysis.formula_covariates for this dataset.
	Covariates []string `yaml:"covariates"`
	// ThreeWay overrides analysis.include_three_way_interaction.
	ThreeWay *bool  `yaml:"three_way"`
	Title    string `yaml:"title"`
}

// DataConfig holds datasets in file order. The first dataset is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// DatasetIDs returns dataset ids in the order they were declared.
func (d *DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML accepts either a map of dataset id to DatasetConfig or, for a single
// dataset, the DatasetConfig fields directly.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got %v", node.Tag)
	}
	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "detections_path", "format", "samples", "covariates", "three_way":
			legacy = true
		}
	}
	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		d.add("default", ds)
		return nil
	}
	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// AnalysisConfig holds the pipeline settings shared by all datasets.
type AnalysisConfig struct {
	BinGeometry          string   `yaml:"bin_geometry"`
	Resolution           int      `yaml:"resolution"`
	GeneType             string   `yaml:"gene_type"`
	CellRule             string   `yaml:"cell_rule"`
	FormulaCovariates    []string `yaml:"formula_covariates"`
	IncludeInteractions  *bool    `yaml:"include_interactions"`
	IncludeThreeWay      bool     `yaml:"include_three_way_interaction"`
	MaxIRLSIterations    int      `yaml:"max_irls_iterations"`
	ConvergenceTolerance float64  `yaml:"convergence_tolerance"`
	ANOVATest            string   `yaml:"anova_test"`
	MaxConcurrent        int      `yaml:"max_concurrent"`
}

// S3Config holds credentials and endpoint for s3:// detection paths.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// OutputConfig controls result export.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	interactions := true
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "libsize",
		},
		Analysis: AnalysisConfig{
			BinGeometry:          hexbin.GeometryHex,
			Resolution:           100,
			GeneType:             "Gene",
			CellRule:             hexbin.CellRuleDetections,
			FormulaCovariates:    []string{"region"},
			IncludeInteractions:  &interactions,
			MaxIRLSIterations:    25,
			ConvergenceTolerance: 1e-8,
			ANOVATest:            anova.TestLR,
			MaxConcurrent:        runtime.NumCPU(),
		},
		S3: S3Config{Region: "us-east-1"},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			QueryCacheSize: 1000,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "viridis",
		},
		Output: OutputConfig{Dir: "./results"},
		Log:    logging.Config{Level: "info", Format: logging.FormatConsole},
	}
	cfg.Data.add("default", DatasetConfig{DetectionsPath: "./data/detections.csv"})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}

	a, da := &cfg.Analysis, defaults.Analysis
	if a.BinGeometry == "" {
		a.BinGeometry = da.BinGeometry
	}
	if a.Resolution == 0 {
		a.Resolution = da.Resolution
	}
	if a.GeneType == "" {
		a.GeneType = da.GeneType
	}
	if a.CellRule == "" {
		a.CellRule = da.CellRule
	}
	if len(a.FormulaCovariates) == 0 {
		a.FormulaCovariates = da.FormulaCovariates
	}
	if a.IncludeInteractions == nil {
		a.IncludeInteractions = da.IncludeInteractions
	}
	if a.MaxIRLSIterations == 0 {
		a.MaxIRLSIterations = da.MaxIRLSIterations
	}
	if a.ConvergenceTolerance == 0 {
		a.ConvergenceTolerance = da.ConvergenceTolerance
	}
	if a.ANOVATest == "" {
		a.ANOVATest = da.ANOVATest
	}
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = da.MaxConcurrent
	}

	if cfg.S3.Region == "" {
		cfg.S3.Region = defaults.S3.Region
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	a := c.Analysis
	if a.BinGeometry != hexbin.GeometryHex {
		return fmt.Errorf("%w: bin_geometry %q (only %q is supported)", ErrInvalid, a.BinGeometry, hexbin.GeometryHex)
	}
	if a.Resolution <= 0 {
		return fmt.Errorf("%w: resolution must be positive", ErrInvalid)
	}
	if a.ANOVATest != anova.TestLR && a.ANOVATest != anova.TestF {
		return fmt.Errorf("%w: anova_test %q", ErrInvalid, a.ANOVATest)
	}
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		if ds.DetectionsPath == "" {
			return fmt.Errorf("%w: dataset %s has no detections_path", ErrInvalid, id)
		}
		if len(c.covariates(ds)) == 0 {
			return fmt.Errorf("%w: dataset %s has no formula covariates", ErrInvalid, id)
		}
		switch ds.Format {
		case "", "csv", "tsv":
		default:
			return fmt.Errorf("%w: dataset %s format %q", ErrInvalid, id, ds.Format)
		}
	}
	return nil
}

func (c *Config) covariates(ds DatasetConfig) []string {
	if len(ds.Covariates) > 0 {
		return ds.Covariates
	}
	return c.Analysis.FormulaCovariates
}

// Pipeline returns the stage settings for one dataset.
func (c *Config) Pipeline(id string) pipeline.Config {
	ds := c.Data.Datasets[id]
	a := c.Analysis
	threeWay := a.IncludeThreeWay
	if ds.ThreeWay != nil {
		threeWay = *ds.ThreeWay
	}
	interactions := a.IncludeInteractions == nil || *a.IncludeInteractions
	return pipeline.Config{
		Bin: hexbin.Options{
			Geometry:   a.BinGeometry,
			Resolution: a.Resolution,
			GeneType:   a.GeneType,
			CellRule:   a.CellRule,
		},
		Design: design.Spec{
			CellVar:      design.DefaultCellVar,
			Covariates:   c.covariates(ds),
			Interactions: interactions,
			ThreeWay:     threeWay,
		},
		Fit: glm.Options{
			MaxIterations: a.MaxIRLSIterations,
			Tolerance:     a.ConvergenceTolerance,
		},
		Effects: effects.Options{CellVar: design.DefaultCellVar, RegionVar: "region"},
		Test:    a.ANOVATest,
	}
}

// ReadOptions returns the table parsing options for one dataset.
func (c *Config) ReadOptions(id string) transcripts.ReadOptions {
	var opts transcripts.ReadOptions
	if c.Data.Datasets[id].Format == "tsv" {
		opts.Comma = '\t'
	}
	return opts
}

// Transcripts converts the S3 settings for the detection loader.
func (s S3Config) Transcripts() transcripts.S3Config {
	return transcripts.S3Config{
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		PathStyle:       s.PathStyle,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}
}
