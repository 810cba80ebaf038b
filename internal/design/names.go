package design

import (
	"sort"
	"strings"
)

// Factor is one component of a coefficient name: a variable and, for categorical
// variables, the level the column indicates.
type Factor struct {
	Var   string
	Level string
}

// String renders the factor as "var" or "var=level".
func (f Factor) String() string {
	if f.Level == "" {
		return f.Var
	}
	return f.Var + "=" + f.Level
}

// FormatName joins factors into a coefficient name such as "ncells:region=Cortex".
func FormatName(factors []Factor) string {
	parts := make([]string, len(factors))
	for i, f := range factors {
		parts[i] = f.String()
	}
	return strings.Join(parts, ":")
}

// ParseName splits a coefficient name into its factors. Level labels must not
// contain ':'.
func ParseName(name string) []Factor {
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ":")
	out := make([]Factor, len(parts))
	for i, p := range parts {
		v, lvl, _ := strings.Cut(p, "=")
		out[i] = Factor{Var: v, Level: lvl}
	}
	return out
}

// Term is a model term: the set of variables a column group multiplies together.
type Term struct {
	Vars []string
}

// TermOf returns the term a coefficient name belongs to.
func TermOf(name string) Term {
	fs := ParseName(name)
	vars := make([]string, len(fs))
	for i, f := range fs {
		vars[i] = f.Var
	}
	return Term{Vars: vars}
}

// Label renders the term as "ncells:region".
func (t Term) Label() string {
	return strings.Join(t.Vars, ":")
}

// Degree is the number of variables in the term.
func (t Term) Degree() int {
	return len(t.Vars)
}

// Has reports whether the term includes variable v.
func (t Term) Has(v string) bool {
	for _, x := range t.Vars {
		if x == v {
			return true
		}
	}
	return false
}

// Contains reports whether every variable of o is in t (t is o or a higher-order
// relative of o).
func (t Term) Contains(o Term) bool {
	for _, v := range o.Vars {
		if !t.Has(v) {
			return false
		}
	}
	return true
}

// Key is an order-independent identity for the term.
func (t Term) Key() string {
	vars := append([]string(nil), t.Vars...)
	sort.Strings(vars)
	return strings.Join(vars, ":")
}

// Without returns the term with variable v removed.
func (t Term) Without(v string) Term {
	out := make([]string, 0, len(t.Vars))
	for _, x := range t.Vars {
		if x != v {
			out = append(out, x)
		}
	}
	return Term{Vars: out}
}
