// Package transcripts provides the detection table: one row per transcript detection
// with spatial coordinates, gene identity, cell assignment and region annotation.
package transcripts

import "errors"

// GeneTypeGene is the gene type counted towards library size.
const GeneTypeGene = "Gene"

var (
	// ErrNegativeCount indicates a detection row with a negative count.
	ErrNegativeCount = errors.New("negative detection count")
	// ErrInvalidCount indicates a count that is not a finite whole number.
	ErrInvalidCount = errors.New("invalid detection count")
	// ErrInvalidCoordinate indicates a missing or non-finite x or y.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrMissingColumn indicates a required column is absent from the header.
	ErrMissingColumn = errors.New("missing required column")
)

// Detection is a single transcript-detection event. Coordinates are in the sample's
// local frame and are not comparable across samples.
type Detection struct {
	SampleID string
	X        float64
	Y        float64
	Gene     string
	GeneType string
	Count    int
	// Cell is empty when the detection is not assigned to a segmented cell.
	Cell string
	// Region is empty when the detection carries no annotation.
	Region string
	// Level is the annotation level; HasLevel is false when unannotated.
	Level    int
	HasLevel bool
	// Extra holds technology-specific categorical columns such as "fov".
	Extra map[string]string
}

// Covariate returns the value of a categorical column by name. "region" maps to
// Region; anything else is looked up in Extra.
func (d *Detection) Covariate(name string) string {
	switch name {
	case "region":
		return d.Region
	case "gene":
		return d.Gene
	case "genetype":
		return d.GeneType
	}
	return d.Extra[name]
}

// GroupBySample splits detections by sample, preserving first-appearance order.
func GroupBySample(dets []Detection) ([]string, map[string][]Detection) {
	order := make([]string, 0, 4)
	groups := make(map[string][]Detection)
	for _, d := range dets {
		if _, ok := groups[d.SampleID]; !ok {
			order = append(order, d.SampleID)
		}
		groups[d.SampleID] = append(groups[d.SampleID], d)
	}
	return order, groups
}
