package design

import (
	"errors"
	"reflect"
	"testing"

	"github.com/libsize/server/internal/hexbin"
)

func bin(region string, ncells, ntx int, fov string) hexbin.Bin {
	b := hexbin.Bin{SampleID: "s", Region: region, NCells: ncells, NTranscripts: ntx}
	if fov != "" {
		b.Covariates = map[string]string{"fov": fov}
	}
	return b
}

func TestNames(t *testing.T) {
	name := FormatName([]Factor{{Var: "ncells"}, {Var: "region", Level: "Cortex"}, {Var: "fov", Level: "12"}})
	if name != "ncells:region=Cortex:fov=12" {
		t.Fatalf("FormatName = %q", name)
	}
	fs := ParseName(name)
	if len(fs) != 3 || fs[1] != (Factor{Var: "region", Level: "Cortex"}) || fs[0].Level != "" {
		t.Errorf("ParseName = %+v", fs)
	}
	if FormatName(fs) != name {
		t.Error("names do not round-trip")
	}
	if ParseName("") != nil {
		t.Error("empty name should parse to nil")
	}

	term := TermOf(name)
	if term.Label() != "ncells:region:fov" || term.Degree() != 3 {
		t.Errorf("TermOf = %+v", term)
	}
	if term.Key() != "fov:ncells:region" {
		t.Errorf("Key = %q", term.Key())
	}
	if !term.Contains(Term{Vars: []string{"region", "ncells"}}) || term.Without("fov").Key() != "ncells:region" {
		t.Error("Contains/Without")
	}
	if (Term{Vars: []string{"ncells"}}).Contains(Term{Vars: []string{"region"}}) {
		t.Error("ncells should not contain region")
	}
}

func TestBuildTwoWay(t *testing.T) {
	bins := []hexbin.Bin{
		bin("Cortex", 2, 10, ""),
		bin("Fibre", 3, 4, ""),
		bin("Cortex", 5, 30, ""),
		bin("", 4, 8, ""),      // unannotated
		bin("Fibre", 0, 0, ""), // empty
		bin("Fibre", 0, 2, ""),
	}
	m, err := Build(bins, Spec{Covariates: []string{"region"}, Interactions: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	wantNames := []string{"ncells", "region=Cortex", "region=Fibre", "ncells:region=Fibre"}
	if !reflect.DeepEqual(m.Names, wantNames) {
		t.Fatalf("names = %v, want %v", m.Names, wantNames)
	}
	if m.Dropped.Unannotated != 1 || m.Dropped.Empty != 1 {
		t.Errorf("dropped = %+v", m.Dropped)
	}
	if !reflect.DeepEqual(m.Y, []float64{10, 4, 30, 2}) {
		t.Errorf("Y = %v", m.Y)
	}
	wantX := [][]float64{
		{2, 1, 0, 0},
		{3, 0, 1, 3},
		{5, 1, 0, 0},
		{0, 0, 1, 0},
	}
	for i, row := range wantX {
		for j, v := range row {
			if got := m.X.At(i, j); got != v {
				t.Errorf("X[%d][%d] = %v, want %v", i, j, got, v)
			}
		}
	}
	if !reflect.DeepEqual(m.Assign, []int{0, 1, 1, 2}) {
		t.Errorf("assign = %v", m.Assign)
	}
	if !reflect.DeepEqual(m.Levels["region"], []string{"Cortex", "Fibre"}) {
		t.Errorf("levels = %v", m.Levels)
	}
	if len(m.Bins) != 4 {
		t.Errorf("kept %d bins", len(m.Bins))
	}
}

func TestBuildMainEffectsOnly(t *testing.T) {
	bins := []hexbin.Bin{bin("A", 1, 1, ""), bin("B", 2, 2, "")}
	m, err := Build(bins, Spec{Covariates: []string{"region"}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(m.Names, []string{"ncells", "region=A", "region=B"}) {
		t.Errorf("names = %v", m.Names)
	}
}

func TestBuildThreeWay(t *testing.T) {
	var bins []hexbin.Bin
	for _, r := range []string{"A", "B"} {
		for _, f := range []string{"1", "2", "3"} {
			bins = append(bins, bin(r, 2, 5, f), bin(r, 4, 9, f))
		}
	}
	spec := Spec{Covariates: []string{"region", "fov"}, Interactions: true, ThreeWay: true}
	m, err := Build(bins, spec)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{
		"ncells",
		"region=A", "region=B",
		"fov=2", "fov=3",
		"ncells:region=B",
		"ncells:fov=2", "ncells:fov=3",
		"region=B:fov=2", "region=B:fov=3",
		"ncells:region=B:fov=2", "ncells:region=B:fov=3",
	}
	if !reflect.DeepEqual(m.Names, want) {
		t.Fatalf("names = %v\nwant %v", m.Names, want)
	}
	// Full factorial with no intercept: rank equals the number of region x fov cells times 2.
	if _, p := m.X.Dims(); p != 12 {
		t.Errorf("columns = %d, want 12", p)
	}
}

func TestBuildInteractionsWithSecondCovariate(t *testing.T) {
	bins := []hexbin.Bin{bin("A", 1, 1, "x"), bin("B", 2, 2, "y")}
	m, err := Build(bins, Spec{Covariates: []string{"region", "fov"}, Interactions: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"ncells", "region=A", "region=B", "fov=y", "ncells:region=B", "ncells:fov=y"}
	if !reflect.DeepEqual(m.Names, want) {
		t.Errorf("names = %v, want %v", m.Names, want)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build([]hexbin.Bin{bin("", 1, 1, "")}, Spec{Covariates: []string{"region"}}); !errors.Is(err, ErrNoObservations) {
		t.Errorf("unannotated only: error = %v", err)
	}
	if _, err := Build([]hexbin.Bin{bin("A", 0, 0, "")}, Spec{Covariates: []string{"region"}}); !errors.Is(err, ErrNoObservations) {
		t.Errorf("empty only: error = %v", err)
	}
	_, err := Build([]hexbin.Bin{bin("A", 1, 1, "")}, Spec{Covariates: []string{"region", "fov"}})
	if !errors.Is(err, ErrUnknownCovariate) || !errors.Is(err, ErrNoObservations) {
		t.Errorf("unknown covariate: error = %v", err)
	}
	if _, err := Build([]hexbin.Bin{bin("A", 1, 1, "")}, Spec{Covariates: []string{"ncells"}}); !errors.Is(err, ErrUnknownCovariate) {
		t.Errorf("numeric covariate: error = %v", err)
	}
}

func TestEncodeSubset(t *testing.T) {
	var bins []hexbin.Bin
	for _, r := range []string{"A", "B"} {
		for _, f := range []string{"1", "2"} {
			bins = append(bins, bin(r, 3, 7, f))
		}
	}
	m, err := Build(bins, Spec{Covariates: []string{"region", "fov"}, Interactions: true, ThreeWay: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// Without region, fov becomes the fully coded factor.
	_, names, err := m.Encode([]Term{{Vars: []string{"ncells", "fov"}}, {Vars: []string{"fov"}}, {Vars: []string{"ncells"}}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []string{"ncells", "fov=1", "fov=2", "ncells:fov=2"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if _, _, err := m.Encode([]Term{{Vars: []string{"batch"}}}); err == nil {
		t.Error("expected error for unknown term")
	}
}

func TestPermuteColumns(t *testing.T) {
	bins := []hexbin.Bin{bin("A", 1, 3, ""), bin("B", 2, 5, ""), bin("A", 4, 6, "")}
	m, err := Build(bins, Spec{Covariates: []string{"region"}, Interactions: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	p, err := m.PermuteColumns([]int{3, 0, 2, 1})
	if err != nil {
		t.Fatalf("PermuteColumns failed: %v", err)
	}
	for j, src := range []int{3, 0, 2, 1} {
		if p.Names[j] != m.Names[src] {
			t.Errorf("name %d = %s, want %s", j, p.Names[j], m.Names[src])
		}
		for i := range m.Y {
			if p.X.At(i, j) != m.X.At(i, src) {
				t.Errorf("X[%d][%d] mismatch", i, j)
			}
		}
	}
	if _, err := m.PermuteColumns([]int{0, 1}); err == nil {
		t.Error("expected error for short permutation")
	}
}
