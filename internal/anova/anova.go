// Package anova computes Type-II deviance tables for fitted Poisson models.
package anova

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/libsize/server/internal/design"
	"github.com/libsize/server/internal/glm"
)

// Test statistics.
const (
	TestLR = "LR"
	TestF  = "F"
)

// ErrUnknownTest indicates an unsupported test name.
var ErrUnknownTest = errors.New("unknown ANOVA test")

// Encoder rebuilds design columns for a subset of model terms. *design.Matrix
// implements it.
type Encoder interface {
	Encode(terms []design.Term) (*mat.Dense, []string, error)
}

// Options configures Analyse.
type Options struct {
	// Test is TestLR (default) or TestF.
	Test string
	// Fit configures reduced-model fits; zero values use the full model's settings.
	Fit glm.Options
	// Encoder, when set, codes each reduced model as its own formula. Otherwise
	// reduced models are column subsets of the full design.
	Encoder Encoder
}

// Row is one term of the deviance table.
type Row struct {
	Term           string  `json:"term"`
	Statistic      float64 `json:"statistic"`
	DF             int     `json:"df"`
	DFResidual     int     `json:"df_residual"`
	PValue         float64 `json:"p_value"`
	Test           string  `json:"test"`
	DevianceChange float64 `json:"deviance_change"`
}

type fit struct {
	deviance float64
	rank     int
}

type termGroup struct {
	term design.Term
	key  string
	cols []int
}

// Analyse tests each term after every term that does not contain it. Rows are
// ordered by term degree then label, so the column order of the model never changes
// the output.
func Analyse(m *glm.Model, opts Options) ([]Row, error) {
	test := opts.Test
	if test == "" {
		test = TestLR
	}
	if test != TestLR && test != TestF {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTest, opts.Test)
	}
	fitOpts := opts.Fit
	if fitOpts == (glm.Options{}) {
		fitOpts = m.Options
	}

	groups := groupTerms(m.Names)
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].term, groups[j].term
		if a.Degree() != b.Degree() {
			return a.Degree() < b.Degree()
		}
		return groups[i].key < groups[j].key
	})

	dispersion := 1.0
	if test == TestF {
		dispersion = m.PearsonDispersion()
	}

	cache := make(map[string]fit)
	reduced := func(include []termGroup) (fit, error) {
		keys := make([]string, len(include))
		for i, g := range include {
			keys[i] = g.key
		}
		sort.Strings(keys)
		id := strings.Join(keys, "|")
		if f, ok := cache[id]; ok {
			return f, nil
		}
		f, err := refit(m, include, opts.Encoder, fitOpts)
		if err != nil {
			return fit{}, fmt.Errorf("failed to fit reduced model [%s]: %w", id, err)
		}
		cache[id] = f
		return f, nil
	}

	rows := make([]Row, 0, len(groups))
	for _, g := range groups {
		var base []termGroup
		for _, o := range groups {
			if !o.term.Contains(g.term) {
				base = append(base, o)
			}
		}
		f1, err := reduced(base)
		if err != nil {
			return nil, err
		}
		f2, err := reduced(append(base, g))
		if err != nil {
			return nil, err
		}

		row := Row{
			Term:           g.term.Label(),
			DF:             f2.rank - f1.rank,
			DFResidual:     m.DFResidual,
			Test:           test,
			DevianceChange: math.Max(f1.deviance-f2.deviance, 0),
			Statistic:      math.NaN(),
			PValue:         math.NaN(),
		}
		if row.DF > 0 {
			switch test {
			case TestLR:
				row.Statistic = row.DevianceChange
				row.PValue = distuv.ChiSquared{K: float64(row.DF)}.Survival(row.Statistic)
			case TestF:
				row.Statistic = row.DevianceChange / float64(row.DF) / dispersion
				if m.DFResidual > 0 {
					row.PValue = distuv.F{D1: float64(row.DF), D2: float64(m.DFResidual)}.Survival(row.Statistic)
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// groupTerms collects column indices by term, keyed order-independently.
func groupTerms(names []string) []termGroup {
	index := make(map[string]int)
	var groups []termGroup
	for j, name := range names {
		t := design.TermOf(name)
		k := t.Key()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, termGroup{term: t, key: k})
		}
		groups[i].cols = append(groups[i].cols, j)
	}
	return groups
}

func refit(m *glm.Model, include []termGroup, enc Encoder, opts glm.Options) (fit, error) {
	if len(include) == 0 {
		mu := make([]float64, len(m.Y))
		for i := range mu {
			mu[i] = 1
		}
		return fit{deviance: glm.Deviance(m.Y, mu)}, nil
	}

	var (
		X     mat.Matrix
		names []string
	)
	if enc != nil {
		terms := make([]design.Term, len(include))
		for i, g := range include {
			terms[i] = g.term
		}
		d, n, err := enc.Encode(terms)
		if err != nil {
			return fit{}, err
		}
		X, names = d, n
	} else {
		var cols []int
		for _, g := range include {
			cols = append(cols, g.cols...)
		}
		sort.Ints(cols)
		n, _ := m.X.Dims()
		d := mat.NewDense(n, len(cols), nil)
		col := make([]float64, n)
		names = make([]string, len(cols))
		for k, j := range cols {
			mat.Col(col, j, m.X)
			d.SetCol(k, col)
			names[k] = m.Names[j]
		}
		X = d
	}

	rm, err := glm.Fit(m.Y, X, names, opts)
	if err != nil {
		return fit{}, err
	}
	return fit{deviance: rm.Deviance, rank: rm.Rank}, nil
}
