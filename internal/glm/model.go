package glm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Options configures the IRLS fitter.
type Options struct {
	// MaxIterations caps IRLS iterations; zero means 25.
	MaxIterations int
	// Tolerance is the relative deviance change at convergence; zero means 1e-8.
	// Coefficients must also settle to within sqrt(Tolerance) relative change.
	Tolerance float64
	// RankTolerance is the relative residual norm below which a column is treated as
	// aliased; zero means 1e-7.
	RankTolerance float64
}

const (
	defaultMaxIterations = 25
	defaultTolerance     = 1e-8
	defaultRankTolerance = 1e-7
	maxHalvings          = 30
)

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	if o.RankTolerance <= 0 {
		o.RankTolerance = defaultRankTolerance
	}
	return o
}

// Model is a fitted Poisson GLM with log link. Coefficients are on the log scale.
// Non-estimable coefficients are reported as 0 with Estimable false.
type Model struct {
	Names        []string  `json:"names"`
	Coefficients []float64 `json:"coefficients"`
	StdErrors    []float64 `json:"std_errors"`
	ZValues      []float64 `json:"z_values"`
	PValues      []float64 `json:"p_values"`
	Estimable    []bool    `json:"estimable"`

	Fitted            []float64 `json:"fitted"`
	Residuals         []float64 `json:"residuals"`
	PearsonResiduals  []float64 `json:"pearson_residuals"`
	DevianceResiduals []float64 `json:"deviance_residuals"`

	Deviance   float64 `json:"deviance"`
	DFResidual int     `json:"df_residual"`
	Rank       int     `json:"rank"`
	LogLik     float64 `json:"loglik"`
	AIC        float64 `json:"aic"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`

	// Warnings holds non-fatal conditions such as *RankDeficiencyError.
	Warnings []error `json:"-"`

	// Y and X are the inputs the model was fitted on; Options are the fitter settings.
	// They allow reduced models to be refitted on column subsets.
	Y       []float64  `json:"-"`
	X       mat.Matrix `json:"-"`
	Options Options    `json:"-"`
}

// Index returns the column index of a coefficient name, or -1.
func (m *Model) Index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Coefficient returns the value of a named coefficient and whether it exists and is
// estimable.
func (m *Model) Coefficient(name string) (float64, bool) {
	i := m.Index(name)
	if i < 0 || !m.Estimable[i] {
		return 0, false
	}
	return m.Coefficients[i], true
}

// PearsonDispersion is the Pearson chi-square divided by residual degrees of freedom.
func (m *Model) PearsonDispersion() float64 {
	if m.DFResidual <= 0 {
		return math.NaN()
	}
	var s float64
	for _, r := range m.PearsonResiduals {
		s += r * r
	}
	return s / float64(m.DFResidual)
}

// Aliased returns the names of non-estimable coefficients.
func (m *Model) Aliased() []string {
	var out []string
	for i, ok := range m.Estimable {
		if !ok {
			out = append(out, m.Names[i])
		}
	}
	return out
}
