package pipeline

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// EffectRow is one (sample, region) effect size.
type EffectRow struct {
	SampleID  string  `json:"sample_id"`
	Region    string  `json:"region"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Estimable bool    `json:"estimable"`
}

// RegionStat aggregates one region's log-scale effects across successful samples.
type RegionStat struct {
	Region           string  `json:"region"`
	Samples          int     `json:"samples"`
	MeanLogSlope     float64 `json:"mean_log_slope"`
	SDLogSlope       float64 `json:"sd_log_slope"`
	MeanLogIntercept float64 `json:"mean_log_intercept"`
	SDLogIntercept   float64 `json:"sd_log_intercept"`
}

// Failure describes a sample excluded from summaries.
type Failure struct {
	SampleID string    `json:"sample_id"`
	Stage    Stage     `json:"stage"`
	Kind     ErrorKind `json:"kind"`
	Error    string    `json:"error"`
}

// Summary returns effect sizes of all successful samples in sample order.
func (b *BatchResult) Summary() []EffectRow {
	var out []EffectRow
	for _, id := range b.Order {
		res := b.Samples[id]
		if res == nil || res.Failed() {
			continue
		}
		for _, e := range res.Effects {
			out = append(out, EffectRow{
				SampleID:  id,
				Region:    e.Region,
				Slope:     e.Slope,
				Intercept: e.Intercept,
				Estimable: e.Estimable,
			})
		}
	}
	return out
}

// RegionStats summarises estimable effects per region, sorted by region. The standard
// deviation is NaN for regions seen in a single sample.
func (b *BatchResult) RegionStats() []RegionStat {
	slopes := make(map[string][]float64)
	intercepts := make(map[string][]float64)
	for _, row := range b.Summary() {
		if !row.Estimable {
			continue
		}
		slopes[row.Region] = append(slopes[row.Region], math.Log(row.Slope))
		intercepts[row.Region] = append(intercepts[row.Region], math.Log(row.Intercept))
	}
	out := make([]RegionStat, 0, len(slopes))
	for region, ls := range slopes {
		li := intercepts[region]
		s := RegionStat{Region: region, Samples: len(ls)}
		s.MeanLogSlope, s.SDLogSlope = stat.MeanStdDev(ls, nil)
		s.MeanLogIntercept, s.SDLogIntercept = stat.MeanStdDev(li, nil)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// Failures lists failed samples in sample order.
func (b *BatchResult) Failures() []Failure {
	var out []Failure
	for _, id := range b.Order {
		res := b.Samples[id]
		if res == nil || !res.Failed() {
			continue
		}
		out = append(out, Failure{
			SampleID: id,
			Stage:    res.Stage,
			Kind:     res.Kind,
			Error:    res.Err.Error(),
		})
	}
	return out
}

// Succeeded returns the ids of completed samples in order.
func (b *BatchResult) Succeeded() []string {
	var out []string
	for _, id := range b.Order {
		if res := b.Samples[id]; res != nil && !res.Failed() {
			out = append(out, id)
		}
	}
	return out
}
