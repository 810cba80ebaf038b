package glm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNonConvergence matches *NonConvergenceError.
	ErrNonConvergence = errors.New("IRLS did not converge")
	// ErrRankDeficient matches *RankDeficiencyError.
	ErrRankDeficient = errors.New("design matrix is rank deficient")
	// ErrZeroRates is a warning raised when fitted rates are numerically zero.
	ErrZeroRates = errors.New("fitted rates numerically 0 occurred")
	// ErrInvalidInput indicates malformed response, design or names.
	ErrInvalidInput = errors.New("invalid model input")
	// ErrNoEstimable indicates that no column of the design is estimable.
	ErrNoEstimable = errors.New("no estimable coefficients")

	errNonFiniteDeviance = errors.New("non-finite deviance")
)

// NonConvergenceError reports that IRLS hit its iteration cap. Model holds the
// coefficient state at the last iteration for diagnostics; it must not be used for
// inference.
type NonConvergenceError struct {
	Iterations int
	Deviance   float64
	Model      *Model
	// Cause is set when the fit stopped early, e.g. on a non-finite deviance.
	Cause error
}

func (e *NonConvergenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("IRLS did not converge: %v (last deviance %.6g)", e.Cause, e.Deviance)
	}
	return fmt.Sprintf("IRLS did not converge after %d iterations (deviance %.6g)", e.Iterations, e.Deviance)
}

// Is reports whether target is ErrNonConvergence.
func (e *NonConvergenceError) Is(target error) bool {
	return target == ErrNonConvergence
}

// RankDeficiencyError names coefficients that could not be estimated because their
// columns are zero or linearly dependent on earlier columns. It is a warning: the
// remaining coefficients are valid.
type RankDeficiencyError struct {
	Names []string
}

func (e *RankDeficiencyError) Error() string {
	return fmt.Sprintf("not estimable (aliased): %s", strings.Join(e.Names, ", "))
}

// Is reports whether target is ErrRankDeficient.
func (e *RankDeficiencyError) Is(target error) bool {
	return target == ErrRankDeficient
}
