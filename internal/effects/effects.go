// Package effects turns fitted log-scale coefficients into per-region slopes and
// intercepts on the count scale.
package effects

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/libsize/server/internal/design"
	"github.com/libsize/server/internal/glm"
)

// ErrMissingBaseline indicates a model without the cell-count coefficient.
var ErrMissingBaseline = errors.New("model has no cell-count coefficient")

// Options names the variables the decomposition looks for.
type Options struct {
	// CellVar defaults to "ncells".
	CellVar string
	// RegionVar defaults to "region".
	RegionVar string
}

func (o Options) withDefaults() Options {
	if o.CellVar == "" {
		o.CellVar = design.DefaultCellVar
	}
	if o.RegionVar == "" {
		o.RegionVar = "region"
	}
	return o
}

// EffectSize is one region's response-scale slope (multiplicative rate per cell) and
// intercept (expected transcripts in a bin with no cells).
type EffectSize struct {
	Region    string  `json:"region"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	// LogSlope and LogIntercept are the underlying linear predictors.
	LogSlope     float64 `json:"log_slope"`
	LogIntercept float64 `json:"log_intercept"`
	// Estimable is false when a coefficient the region depends on was aliased.
	Estimable bool `json:"estimable"`
}

// Decompose computes slope = exp(β_cell + β_int[ℓ]) and intercept = exp(β_region[ℓ])
// for every region level named in the model. Missing terms count as zero.
func Decompose(m *glm.Model, opts Options) ([]EffectSize, error) {
	opts = opts.withDefaults()
	base := m.Index(opts.CellVar)
	if base < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingBaseline, opts.CellVar)
	}
	if !m.Estimable[base] {
		return nil, fmt.Errorf("%w: %q is not estimable", ErrMissingBaseline, opts.CellVar)
	}
	betaCell := m.Coefficients[base]

	type parts struct {
		main, inter float64
		ok          bool
	}
	regions := make(map[string]*parts)
	get := func(level string) *parts {
		p, found := regions[level]
		if !found {
			p = &parts{ok: true}
			regions[level] = p
		}
		return p
	}

	for j, name := range m.Names {
		fs := design.ParseName(name)
		switch {
		case len(fs) == 1 && fs[0].Var == opts.RegionVar && fs[0].Level != "":
			p := get(fs[0].Level)
			if m.Estimable[j] {
				p.main = m.Coefficients[j]
			} else {
				p.ok = false
			}
		case len(fs) == 2 && fs[0].Var == opts.CellVar && fs[0].Level == "" &&
			fs[1].Var == opts.RegionVar && fs[1].Level != "":
			p := get(fs[1].Level)
			if m.Estimable[j] {
				p.inter = m.Coefficients[j]
			} else {
				p.ok = false
			}
		}
	}

	out := make([]EffectSize, 0, len(regions))
	for level, p := range regions {
		ls := betaCell + p.inter
		out = append(out, EffectSize{
			Region:       level,
			Slope:        math.Exp(ls),
			Intercept:    math.Exp(p.main),
			LogSlope:     ls,
			LogIntercept: p.main,
			Estimable:    p.ok,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out, nil
}
