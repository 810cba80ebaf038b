package service

import (
	"math"

	"github.com/libsize/server/internal/anova"
	"github.com/libsize/server/internal/effects"
	"github.com/libsize/server/internal/glm"
	"github.com/libsize/server/internal/pipeline"
)

// num maps non-finite values to nil so they encode as JSON null.
func num(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// SampleInfo is the per-sample status line.
type SampleInfo struct {
	SampleID   string             `json:"sample_id"`
	Status     string             `json:"status"`
	Stage      pipeline.Stage     `json:"stage"`
	Kind       pipeline.ErrorKind `json:"kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Bins       int                `json:"bins"`
	ModelBins  int                `json:"model_bins"`
	Iterations int                `json:"iterations,omitempty"`
	Converged  bool               `json:"converged"`
	Deviance   *float64           `json:"deviance"`
	Warnings   []string           `json:"warnings,omitempty"`
}

func sampleInfo(res *pipeline.SampleResult) SampleInfo {
	info := SampleInfo{
		SampleID: res.SampleID,
		Status:   "ok",
		Stage:    res.Stage,
		Kind:     res.Kind,
		Bins:     len(res.Bins),
		Warnings: res.Warnings,
	}
	if res.Failed() {
		info.Status = "failed"
		info.Error = res.Err.Error()
	}
	if res.Design != nil {
		info.ModelBins = len(res.Design.Bins)
	}
	if m := res.Model; m != nil {
		info.Iterations = m.Iterations
		info.Converged = m.Converged
		info.Deviance = num(m.Deviance)
	}
	return info
}

// CoefficientView is one model coefficient.
type CoefficientView struct {
	Term      string   `json:"term"`
	Estimate  *float64 `json:"estimate"`
	StdError  *float64 `json:"std_error"`
	ZValue    *float64 `json:"z_value"`
	PValue    *float64 `json:"p_value"`
	Estimable bool     `json:"estimable"`
}

// ModelView is the JSON form of a fitted model without per-bin vectors.
type ModelView struct {
	Coefficients []CoefficientView `json:"coefficients"`
	Deviance     *float64          `json:"deviance"`
	DFResidual   int               `json:"df_residual"`
	Rank         int               `json:"rank"`
	LogLik       *float64          `json:"loglik"`
	AIC          *float64          `json:"aic"`
	Dispersion   *float64          `json:"pearson_dispersion"`
	Iterations   int               `json:"iterations"`
	Converged    bool              `json:"converged"`
	Aliased      []string          `json:"aliased,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
}

func modelView(m *glm.Model) ModelView {
	v := ModelView{
		Coefficients: make([]CoefficientView, len(m.Names)),
		Deviance:     num(m.Deviance),
		DFResidual:   m.DFResidual,
		Rank:         m.Rank,
		LogLik:       num(m.LogLik),
		AIC:          num(m.AIC),
		Dispersion:   num(m.PearsonDispersion()),
		Iterations:   m.Iterations,
		Converged:    m.Converged,
		Aliased:      m.Aliased(),
	}
	for j, name := range m.Names {
		v.Coefficients[j] = CoefficientView{
			Term:      name,
			Estimate:  num(m.Coefficients[j]),
			StdError:  num(m.StdErrors[j]),
			ZValue:    num(m.ZValues[j]),
			PValue:    num(m.PValues[j]),
			Estimable: m.Estimable[j],
		}
	}
	for _, w := range m.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	return v
}

// ResidualView is one modelled bin with its fit.
type ResidualView struct {
	Row      int32    `json:"row"`
	Col      int32    `json:"col"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Region   string   `json:"region"`
	NCells   int      `json:"ncells"`
	Observed float64  `json:"observed"`
	Fitted   *float64 `json:"fitted"`
	Pearson  *float64 `json:"pearson"`
	Deviance *float64 `json:"deviance"`
}

func residualViews(res *pipeline.SampleResult) []ResidualView {
	m := res.Model
	out := make([]ResidualView, len(res.Design.Bins))
	for i, b := range res.Design.Bins {
		out[i] = ResidualView{
			Row:      b.Row,
			Col:      b.Col,
			X:        b.X,
			Y:        b.Y,
			Region:   b.Region,
			NCells:   b.NCells,
			Observed: m.Y[i],
			Fitted:   num(m.Fitted[i]),
			Pearson:  num(m.PearsonResiduals[i]),
			Deviance: num(m.DevianceResiduals[i]),
		}
	}
	return out
}

// EffectView is one region's slope and intercept on the count scale.
type EffectView struct {
	SampleID     string   `json:"sample_id,omitempty"`
	Region       string   `json:"region"`
	Slope        *float64 `json:"slope"`
	Intercept    *float64 `json:"intercept"`
	LogSlope     *float64 `json:"log_slope,omitempty"`
	LogIntercept *float64 `json:"log_intercept,omitempty"`
	Estimable    bool     `json:"estimable"`
}

func effectViews(es []effects.EffectSize) []EffectView {
	out := make([]EffectView, len(es))
	for i, e := range es {
		out[i] = EffectView{
			Region:       e.Region,
			Slope:        num(e.Slope),
			Intercept:    num(e.Intercept),
			LogSlope:     num(e.LogSlope),
			LogIntercept: num(e.LogIntercept),
			Estimable:    e.Estimable,
		}
	}
	return out
}

// ANOVAView is one Type-II test row.
type ANOVAView struct {
	Term           string   `json:"term"`
	Statistic      *float64 `json:"statistic"`
	DF             int      `json:"df"`
	DFResidual     int      `json:"df_residual"`
	PValue         *float64 `json:"p_value"`
	Test           string   `json:"test"`
	DevianceChange *float64 `json:"deviance_change"`
}

func anovaViews(rows []anova.Row) []ANOVAView {
	out := make([]ANOVAView, len(rows))
	for i, r := range rows {
		out[i] = ANOVAView{
			Term:           r.Term,
			Statistic:      num(r.Statistic),
			DF:             r.DF,
			DFResidual:     r.DFResidual,
			PValue:         num(r.PValue),
			Test:           r.Test,
			DevianceChange: num(r.DevianceChange),
		}
	}
	return out
}

// RegionStatView aggregates one region across samples.
type RegionStatView struct {
	Region           string   `json:"region"`
	Samples          int      `json:"samples"`
	MeanLogSlope     *float64 `json:"mean_log_slope"`
	SDLogSlope       *float64 `json:"sd_log_slope"`
	MeanLogIntercept *float64 `json:"mean_log_intercept"`
	SDLogIntercept   *float64 `json:"sd_log_intercept"`
}

// BatchEffects is the cross-sample effect table.
type BatchEffects struct {
	Effects []EffectView     `json:"effects"`
	Regions []RegionStatView `json:"regions"`
}

func batchEffects(b *pipeline.BatchResult) BatchEffects {
	summary := b.Summary()
	out := BatchEffects{
		Effects: make([]EffectView, len(summary)),
		Regions: []RegionStatView{},
	}
	for i, e := range summary {
		out.Effects[i] = EffectView{
			SampleID:  e.SampleID,
			Region:    e.Region,
			Slope:     num(e.Slope),
			Intercept: num(e.Intercept),
			Estimable: e.Estimable,
		}
	}
	for _, s := range b.RegionStats() {
		out.Regions = append(out.Regions, RegionStatView{
			Region:           s.Region,
			Samples:          s.Samples,
			MeanLogSlope:     num(s.MeanLogSlope),
			SDLogSlope:       num(s.SDLogSlope),
			MeanLogIntercept: num(s.MeanLogIntercept),
			SDLogIntercept:   num(s.SDLogIntercept),
		})
	}
	return out
}
