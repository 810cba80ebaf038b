// Package glm fits Poisson generalised linear models with a log link by iteratively
// reweighted least squares.
package glm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// zeroRate is the fitted mean below which a rate is reported as numerically zero.
const zeroRate = 10 * 2.220446049250313e-16

// Fit fits y ~ 0 + X under a Poisson log-link model. names labels the columns of X.
// Aliased columns are reported through a *RankDeficiencyError in Model.Warnings.
// When the iteration cap is reached the returned error is a *NonConvergenceError.
func Fit(y []float64, X mat.Matrix, names []string, opts Options) (*Model, error) {
	n, p := X.Dims()
	if n == 0 || p == 0 {
		return nil, fmt.Errorf("%w: empty design %dx%d", ErrInvalidInput, n, p)
	}
	if len(y) != n {
		return nil, fmt.Errorf("%w: %d responses for %d rows", ErrInvalidInput, len(y), n)
	}
	if len(names) != p {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrInvalidInput, len(names), p)
	}
	for i, v := range y {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: response %d is %v", ErrInvalidInput, i, v)
		}
	}
	opts = opts.withDefaults()

	keep := independentColumns(X, opts.RankTolerance)
	if len(keep) == 0 {
		return nil, ErrNoEstimable
	}
	var warnings []error
	if len(keep) < p {
		kept := make(map[int]bool, len(keep))
		for _, j := range keep {
			kept[j] = true
		}
		var aliased []string
		for j := 0; j < p; j++ {
			if !kept[j] {
				aliased = append(aliased, names[j])
			}
		}
		warnings = append(warnings, &RankDeficiencyError{Names: aliased})
	}
	Xr := columns(X, keep)
	r := len(keep)

	s := &irls{y: y, x: Xr, n: n, r: r}
	s.mu = make([]float64, n)
	s.eta = make([]float64, n)
	for i, v := range y {
		s.mu[i] = v + 0.1
		s.eta[i] = math.Log(s.mu[i])
	}
	s.dev = Deviance(y, s.mu)

	converged, iter, err := s.run(opts)
	if err != nil && !errors.Is(err, errNonFiniteDeviance) {
		return nil, err
	}

	// After a non-finite step the state is the last finite iterate.
	m := s.model(names, keep, p, X)
	m.Iterations = iter
	m.Converged = converged
	m.Options = opts
	m.Warnings = append(m.Warnings, warnings...)
	if !converged {
		return nil, &NonConvergenceError{Iterations: iter, Deviance: m.Deviance, Model: m, Cause: err}
	}
	return m, nil
}

// irls holds the state of one fit on the estimable columns.
type irls struct {
	y    []float64
	x    *mat.Dense
	n, r int

	beta []float64
	eta  []float64
	mu   []float64
	dev  float64
}

func (s *irls) run(opts Options) (bool, int, error) {
	xw := mat.NewDense(s.n, s.r, nil)
	zw := mat.NewVecDense(s.n, nil)
	betaTol := math.Sqrt(opts.Tolerance)

	var iter int
	for iter = 1; iter <= opts.MaxIterations; iter++ {
		for i := 0; i < s.n; i++ {
			sw := math.Sqrt(s.mu[i])
			z := s.eta[i] + (s.y[i]-s.mu[i])/s.mu[i]
			zw.SetVec(i, sw*z)
			for j := 0; j < s.r; j++ {
				xw.Set(i, j, sw*s.x.At(i, j))
			}
		}
		var qr mat.QR
		qr.Factorize(xw)
		var sol mat.VecDense
		if err := qr.SolveVecTo(&sol, false, zw); err != nil {
			// Ill-conditioned weights still yield a usable step.
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return false, iter, fmt.Errorf("failed to solve weighted least squares at iteration %d: %w", iter, err)
			}
		}
		beta := make([]float64, s.r)
		for j := range beta {
			beta[j] = sol.AtVec(j)
		}

		eta, mu, dev := s.evaluate(beta)
		for h := 0; !finite(dev) && s.beta != nil && h < maxHalvings; h++ {
			for j := range beta {
				beta[j] = (beta[j] + s.beta[j]) / 2
			}
			eta, mu, dev = s.evaluate(beta)
		}
		if !finite(dev) {
			return false, iter, fmt.Errorf("%w at iteration %d", errNonFiniteDeviance, iter)
		}

		devChange := math.Abs(dev-s.dev) / (math.Abs(dev) + 0.1)
		betaChange := math.Inf(1)
		if s.beta != nil {
			betaChange = 0
			for j := range beta {
				c := math.Abs(beta[j]-s.beta[j]) / (math.Abs(beta[j]) + 0.1)
				betaChange = math.Max(betaChange, c)
			}
		}
		s.beta, s.eta, s.mu, s.dev = beta, eta, mu, dev
		if devChange < opts.Tolerance && betaChange < betaTol {
			return true, iter, nil
		}
	}
	return false, opts.MaxIterations, nil
}

func (s *irls) evaluate(beta []float64) ([]float64, []float64, float64) {
	var etaVec mat.VecDense
	etaVec.MulVec(s.x, mat.NewVecDense(s.r, beta))
	eta := make([]float64, s.n)
	mu := make([]float64, s.n)
	for i := range eta {
		eta[i] = etaVec.AtVec(i)
		mu[i] = math.Exp(eta[i])
	}
	return eta, mu, Deviance(s.y, mu)
}

// model assembles the full-width Model, expanding estimable coefficients back into
// their original column positions.
func (s *irls) model(names []string, keep []int, p int, X mat.Matrix) *Model {
	m := &Model{
		Names:             append([]string(nil), names...),
		Coefficients:      make([]float64, p),
		StdErrors:         make([]float64, p),
		ZValues:           make([]float64, p),
		PValues:           make([]float64, p),
		Estimable:         make([]bool, p),
		Fitted:            s.mu,
		Residuals:         make([]float64, s.n),
		PearsonResiduals:  make([]float64, s.n),
		DevianceResiduals: make([]float64, s.n),
		Deviance:          s.dev,
		DFResidual:        s.n - s.r,
		Rank:              s.r,
		Y:                 s.y,
		X:                 X,
	}
	for j := 0; j < p; j++ {
		m.StdErrors[j] = math.NaN()
		m.ZValues[j] = math.NaN()
		m.PValues[j] = math.NaN()
	}

	se := s.standardErrors()
	for k, j := range keep {
		b := 0.0
		if s.beta != nil {
			b = s.beta[k]
		}
		m.Coefficients[j] = b
		m.Estimable[j] = true
		m.StdErrors[j] = se[k]
		z := b / se[k]
		m.ZValues[j] = z
		m.PValues[j] = 2 * distuv.UnitNormal.Survival(math.Abs(z))
	}

	var ll float64
	zero := false
	for i, y := range s.y {
		mu := s.mu[i]
		if mu < zeroRate {
			zero = true
		}
		m.Residuals[i] = y - mu
		m.PearsonResiduals[i] = (y - mu) / math.Sqrt(mu)
		d := math.Sqrt(math.Max(unitDeviance(y, mu), 0))
		if y < mu {
			d = -d
		}
		m.DevianceResiduals[i] = d
		lg, _ := math.Lgamma(y + 1)
		ll += xlogy(y, mu) - mu - lg
	}
	m.LogLik = ll
	m.AIC = -2*ll + 2*float64(s.r)
	if zero {
		m.Warnings = append(m.Warnings, ErrZeroRates)
	}
	return m
}

// standardErrors returns sqrt(diag((XᵀWX)⁻¹)) at the current fitted means, or NaN when
// the information matrix is not positive definite.
func (s *irls) standardErrors() []float64 {
	se := make([]float64, s.r)
	xw := mat.NewDense(s.n, s.r, nil)
	for i := 0; i < s.n; i++ {
		sw := math.Sqrt(s.mu[i])
		for j := 0; j < s.r; j++ {
			xw.Set(i, j, sw*s.x.At(i, j))
		}
	}
	var info mat.SymDense
	info.SymOuterK(1, xw.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&info); !ok {
		for j := range se {
			se[j] = math.NaN()
		}
		return se
	}
	var cov mat.SymDense
	var cond mat.Condition
	if err := chol.InverseTo(&cov); err != nil && !errors.As(err, &cond) {
		for j := range se {
			se[j] = math.NaN()
		}
		return se
	}
	for j := range se {
		se[j] = math.Sqrt(cov.At(j, j))
	}
	return se
}

// unitDeviance is 2(y log(y/mu) - (y - mu)), with 0 log 0 = 0.
func unitDeviance(y, mu float64) float64 {
	if y == 0 {
		return 2 * mu
	}
	return 2 * (y*math.Log(y/mu) - (y - mu))
}

// Deviance is the Poisson deviance of means mu against responses y.
func Deviance(y, mu []float64) float64 {
	var d float64
	for i := range y {
		d += unitDeviance(y[i], mu[i])
	}
	return d
}

func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(y)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
