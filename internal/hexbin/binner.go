// Package hexbin aggregates point-level transcript detections into a hexagonal lattice,
// producing one Bin per (sample, hexagon) with at least one detection.
package hexbin

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/libsize/server/internal/data/transcripts"
)

// GeometryHex is the only supported bin geometry.
const GeometryHex = "hex"

// Cell counting rules.
const (
	// CellRuleDetections counts a cell in every bin holding one of its detections.
	CellRuleDetections = "detections"
	// CellRuleCentroid counts a cell only in the bin holding its detection centroid.
	CellRuleCentroid = "centroid"
)

var (
	// ErrInvalidGeometry indicates a bad binning configuration.
	ErrInvalidGeometry = errors.New("invalid bin geometry")
	// ErrEmptyInput indicates a sample with no detections.
	ErrEmptyInput = errors.New("no detections")
)

// Options configures binning.
type Options struct {
	Geometry   string
	Resolution int
	// GeneType selects detections counted in NTranscripts; empty means "Gene".
	GeneType string
	// CellRule is CellRuleDetections (default) or CellRuleCentroid.
	CellRule string
	// Covariates lists extra categorical columns labelled per bin by majority (e.g. "fov").
	Covariates []string
}

// Validate checks the binning configuration.
func (o Options) Validate() error {
	if o.Geometry != GeometryHex {
		return fmt.Errorf("%w: unsupported geometry %q", ErrInvalidGeometry, o.Geometry)
	}
	if o.Resolution <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %d", ErrInvalidGeometry, o.Resolution)
	}
	switch o.CellRule {
	case "", CellRuleDetections, CellRuleCentroid:
	default:
		return fmt.Errorf("%w: unknown cell rule %q", ErrInvalidGeometry, o.CellRule)
	}
	return nil
}

// Bin is one aggregated hexagon.
type Bin struct {
	SampleID     string            `json:"sample_id"`
	Row          int32             `json:"row"`
	Col          int32             `json:"col"`
	X            float64           `json:"x"`
	Y            float64           `json:"y"`
	NTranscripts int               `json:"ntranscripts"`
	NCells       int               `json:"ncells"`
	NDetections  int               `json:"ndetections"`
	Region       string            `json:"region,omitempty"`
	Covariates   map[string]string `json:"covariates,omitempty"`
}

// Covariate returns a categorical label by name; "region" maps to Region.
func (b *Bin) Covariate(name string) string {
	if name == "region" {
		return b.Region
	}
	return b.Covariates[name]
}

// BinAll bins every sample present in dets independently. Samples appear in the output
// in first-appearance order.
func BinAll(dets []transcripts.Detection, opts Options) ([]Bin, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return nil, ErrEmptyInput
	}
	order, groups := transcripts.GroupBySample(dets)
	var out []Bin
	for _, id := range order {
		bins, err := BinSample(id, groups[id], opts)
		if err != nil {
			return nil, err
		}
		out = append(out, bins...)
	}
	return out, nil
}

type accumulator struct {
	cell         Cell
	ntranscripts int
	ndetections  int
	cells        map[string]struct{}
	votes        map[string]map[string]int // covariate -> label -> count
}

func (a *accumulator) vote(name, label string) {
	if label == "" {
		return
	}
	m, ok := a.votes[name]
	if !ok {
		m = make(map[string]int)
		a.votes[name] = m
	}
	m[label]++
}

// BinSample bins the detections of a single sample.
func BinSample(sampleID string, dets []transcripts.Detection, opts Options) ([]Bin, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return nil, fmt.Errorf("sample %s: %w", sampleID, ErrEmptyInput)
	}
	geneType := opts.GeneType
	if geneType == "" {
		geneType = transcripts.GeneTypeGene
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i := range dets {
		if !finite(dets[i].X) || !finite(dets[i].Y) {
			return nil, fmt.Errorf("sample %s: %w: detection %d at (%v, %v)",
				sampleID, ErrInvalidGeometry, i, dets[i].X, dets[i].Y)
		}
		minX = math.Min(minX, dets[i].X)
		maxX = math.Max(maxX, dets[i].X)
		minY = math.Min(minY, dets[i].Y)
		maxY = math.Max(maxY, dets[i].Y)
	}
	lat := NewLattice(minX, maxX, minY, maxY, opts.Resolution)

	accs := make(map[Cell]*accumulator)
	get := func(c Cell) *accumulator {
		a, ok := accs[c]
		if !ok {
			a = &accumulator{
				cell:  c,
				cells: make(map[string]struct{}),
				votes: make(map[string]map[string]int),
			}
			accs[c] = a
		}
		return a
	}

	centroidRule := opts.CellRule == CellRuleCentroid
	type centroid struct {
		sx, sy float64
		n      int
	}
	var centroids map[string]*centroid
	if centroidRule {
		centroids = make(map[string]*centroid)
	}

	for i := range dets {
		d := &dets[i]
		a := get(lat.Locate(d.X, d.Y))
		a.ndetections++
		if d.GeneType == geneType {
			a.ntranscripts += d.Count
		}
		if d.Cell != "" {
			if centroidRule {
				c, ok := centroids[d.Cell]
				if !ok {
					c = &centroid{}
					centroids[d.Cell] = c
				}
				c.sx += d.X
				c.sy += d.Y
				c.n++
			} else {
				a.cells[d.Cell] = struct{}{}
			}
		}
		a.vote("region", d.Region)
		for _, name := range opts.Covariates {
			if name == "region" {
				continue
			}
			a.vote(name, d.Covariate(name))
		}
	}

	if centroidRule {
		for id, c := range centroids {
			cell := lat.Locate(c.sx/float64(c.n), c.sy/float64(c.n))
			// A centroid landing in a hexagon without detections is not counted.
			if a, ok := accs[cell]; ok {
				a.cells[id] = struct{}{}
			}
		}
	}

	keys := make([]Cell, 0, len(accs))
	for c := range accs {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	out := make([]Bin, 0, len(keys))
	for _, c := range keys {
		a := accs[c]
		x, y := lat.Centre(c)
		b := Bin{
			SampleID:     sampleID,
			Row:          c.Row,
			Col:          c.Col,
			X:            x,
			Y:            y,
			NTranscripts: a.ntranscripts,
			NCells:       len(a.cells),
			NDetections:  a.ndetections,
			Region:       majority(a.votes["region"]),
		}
		for _, name := range opts.Covariates {
			if name == "region" {
				continue
			}
			if label := majority(a.votes[name]); label != "" {
				if b.Covariates == nil {
					b.Covariates = make(map[string]string, len(opts.Covariates))
				}
				b.Covariates[name] = label
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// majority returns the most frequent label; ties go to the lexicographically smallest.
func majority(votes map[string]int) string {
	best, bestN := "", 0
	for label, n := range votes {
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	return best
}
