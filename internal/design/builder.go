// Package design builds the zero-intercept, fully interacted covariate matrix used to
// model binned transcript counts as a function of cell count and categorical covariates.
package design

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/libsize/server/internal/hexbin"
)

// DefaultCellVar is the name of the cell-count covariate.
const DefaultCellVar = "ncells"

var (
	// ErrNoObservations indicates that no bin survived filtering.
	ErrNoObservations = errors.New("no modelable bins")
	// ErrUnknownCovariate indicates a covariate that no bin carries. Such errors also
	// match ErrNoObservations.
	ErrUnknownCovariate = errors.New("unknown covariate")
)

// Spec describes the model formula: response ~ 0 + ncells * cov1 [* cov2 ...].
type Spec struct {
	// CellVar names the numeric cell-count covariate; empty means "ncells".
	CellVar string
	// Covariates are categorical, in formula order. The first is conventionally "region".
	Covariates []string
	// Interactions adds ncells:cov for each covariate.
	Interactions bool
	// ThreeWay expands to the full factorial product of ncells and all covariates.
	ThreeWay bool
}

func (s Spec) cellVar() string {
	if s.CellVar == "" {
		return DefaultCellVar
	}
	return s.CellVar
}

// Terms lists the model terms in column order: by degree, then by formula position.
func (s Spec) Terms() []Term {
	vars := append([]string{s.cellVar()}, s.Covariates...)
	var terms []Term
	for _, v := range vars {
		terms = append(terms, Term{Vars: []string{v}})
	}
	switch {
	case s.ThreeWay && len(vars) > 2:
		for k := 2; k <= len(vars); k++ {
			for _, idx := range combinations(len(vars), k) {
				t := Term{Vars: make([]string, k)}
				for i, j := range idx {
					t.Vars[i] = vars[j]
				}
				terms = append(terms, t)
			}
		}
	case s.Interactions || s.ThreeWay:
		for _, c := range s.Covariates {
			terms = append(terms, Term{Vars: []string{s.cellVar(), c}})
		}
	}
	return terms
}

// combinations returns all k-subsets of [0,n) in lexicographic order.
func combinations(n, k int) [][]int {
	var out [][]int
	cur := make([]int, 0, k)
	var rec func(start int)
	rec = func(start int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			cur = append(cur, i)
			rec(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	rec(0)
	return out
}

// DropCounts records why bins were excluded from the model.
type DropCounts struct {
	Unannotated int `json:"unannotated"`
	Empty       int `json:"empty"`
}

// Matrix is a built design: response, covariate matrix and coefficient names.
type Matrix struct {
	Y     []float64
	X     *mat.Dense
	Names []string
	// Terms in model order; Assign maps each column to its term index.
	Terms  []Term
	Assign []int
	// Levels holds the sorted levels of each categorical covariate.
	Levels map[string][]string
	// Bins are the modelled bins, one per row.
	Bins    []hexbin.Bin
	Dropped DropCounts

	cellVar string
}

// Parts returns the response vector, design matrix and coefficient names.
func (m *Matrix) Parts() ([]float64, *mat.Dense, []string) {
	return m.Y, m.X, m.Names
}

// Build constructs the design for one sample's bins.
func Build(bins []hexbin.Bin, spec Spec) (*Matrix, error) {
	cellVar := spec.cellVar()
	for _, c := range spec.Covariates {
		if c == cellVar {
			return nil, fmt.Errorf("%w: %s is numeric", ErrUnknownCovariate, c)
		}
		found := false
		for i := range bins {
			if bins[i].Covariate(c) != "" {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %w: %s", ErrNoObservations, ErrUnknownCovariate, c)
		}
	}

	var dropped DropCounts
	kept := make([]hexbin.Bin, 0, len(bins))
	for _, b := range bins {
		annotated := true
		for _, c := range spec.Covariates {
			if b.Covariate(c) == "" {
				annotated = false
				break
			}
		}
		if !annotated {
			dropped.Unannotated++
			continue
		}
		if b.NCells == 0 && b.NTranscripts == 0 {
			dropped.Empty++
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		return nil, ErrNoObservations
	}

	levels := make(map[string][]string, len(spec.Covariates))
	for _, c := range spec.Covariates {
		seen := make(map[string]struct{})
		for i := range kept {
			seen[kept[i].Covariate(c)] = struct{}{}
		}
		lv := make([]string, 0, len(seen))
		for l := range seen {
			lv = append(lv, l)
		}
		sort.Strings(lv)
		levels[c] = lv
	}

	m := &Matrix{
		Y:       make([]float64, len(kept)),
		Terms:   spec.Terms(),
		Levels:  levels,
		Bins:    kept,
		Dropped: dropped,
		cellVar: cellVar,
	}
	for i := range kept {
		m.Y[i] = float64(kept[i].NTranscripts)
	}
	X, names, assign, err := m.encode(m.Terms)
	if err != nil {
		return nil, err
	}
	m.X, m.Names, m.Assign = X, names, assign
	return m, nil
}

// Encode builds the columns for a subset of the model's terms, coded as if the subset
// were the whole formula. Terms are placed in model order regardless of argument order.
func (m *Matrix) Encode(terms []Term) (*mat.Dense, []string, error) {
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		want[t.Key()] = true
	}
	ordered := make([]Term, 0, len(terms))
	for _, t := range m.Terms {
		if want[t.Key()] {
			ordered = append(ordered, t)
			delete(want, t.Key())
		}
	}
	for _, t := range terms {
		if want[t.Key()] {
			return nil, nil, fmt.Errorf("%w: term %s is not in the model", ErrUnknownCovariate, t.Label())
		}
	}
	X, names, _, err := m.encode(ordered)
	return X, names, err
}

func (m *Matrix) encode(terms []Term) (*mat.Dense, []string, []int, error) {
	present := make(map[string]bool, len(terms))
	for _, t := range terms {
		present[t.Key()] = true
	}

	// Without an intercept the first categorical main effect is fully indicator coded;
	// every later factor whose margin is absent also is.
	type column struct {
		factors []Factor
		term    int
	}
	var cols []column
	firstFactor := true
	for ti, t := range terms {
		choices := make([][]Factor, len(t.Vars))
		for i, v := range t.Vars {
			if v == m.cellVar {
				choices[i] = []Factor{{Var: v}}
				continue
			}
			margin := t.Without(v)
			var full bool
			if margin.Degree() == 0 {
				full = firstFactor
				firstFactor = false
			} else {
				full = !present[margin.Key()]
			}
			lv := m.Levels[v]
			if !full && len(lv) > 0 {
				lv = lv[1:]
			}
			fs := make([]Factor, len(lv))
			for j, l := range lv {
				fs[j] = Factor{Var: v, Level: l}
			}
			choices[i] = fs
		}
		for _, combo := range product(choices) {
			cols = append(cols, column{factors: combo, term: ti})
		}
	}

	n, p := len(m.Bins), len(cols)
	if p == 0 {
		return nil, nil, nil, fmt.Errorf("%w: formula has no columns", ErrNoObservations)
	}
	X := mat.NewDense(n, p, nil)
	names := make([]string, p)
	assign := make([]int, p)
	for j, c := range cols {
		names[j] = FormatName(c.factors)
		assign[j] = c.term
	}
	for i := range m.Bins {
		b := &m.Bins[i]
		for j, c := range cols {
			v := 1.0
			for _, f := range c.factors {
				if f.Level == "" {
					v *= float64(b.NCells)
				} else if b.Covariate(f.Var) != f.Level {
					v = 0
					break
				}
			}
			X.Set(i, j, v)
		}
	}
	return X, names, assign, nil
}

// product returns the cartesian product of choices with the first position varying
// fastest, matching conventional model-matrix column order.
func product(choices [][]Factor) [][]Factor {
	total := 1
	for _, c := range choices {
		total *= len(c)
	}
	if total == 0 {
		return nil
	}
	out := make([][]Factor, total)
	for k := 0; k < total; k++ {
		combo := make([]Factor, len(choices))
		rem := k
		for i, c := range choices {
			combo[i] = c[rem%len(c)]
			rem /= len(c)
		}
		out[k] = combo
	}
	return out
}

// PermuteColumns returns a copy of the design with columns reordered so that new
// column j is old column perm[j].
func (m *Matrix) PermuteColumns(perm []int) (*Matrix, error) {
	_, p := m.X.Dims()
	if len(perm) != p {
		return nil, fmt.Errorf("permutation length %d, want %d", len(perm), p)
	}
	n := len(m.Y)
	out := &Matrix{
		Y:       m.Y,
		X:       mat.NewDense(n, p, nil),
		Names:   make([]string, p),
		Terms:   m.Terms,
		Assign:  make([]int, p),
		Levels:  m.Levels,
		Bins:    m.Bins,
		Dropped: m.Dropped,
		cellVar: m.cellVar,
	}
	for j, src := range perm {
		if src < 0 || src >= p {
			return nil, fmt.Errorf("permutation index %d out of range", src)
		}
		out.Names[j] = m.Names[src]
		out.Assign[j] = m.Assign[src]
		for i := 0; i < n; i++ {
			out.X.Set(i, j, m.X.At(i, src))
		}
	}
	return out, nil
}
