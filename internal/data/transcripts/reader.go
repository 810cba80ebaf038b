package transcripts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadOptions controls table parsing.
type ReadOptions struct {
	// Comma is the field separator; zero means ','.
	Comma rune
	// Extra lists additional categorical columns to keep (e.g. "fov"). When empty,
	// every unrecognised column is kept.
	Extra []string
}

// Column aliases accepted in headers. The first name is canonical.
var columnAliases = map[string][]string{
	"sample_id": {"sample_id", "sample"},
	"x":         {"x", "x_location", "x_global_px"},
	"y":         {"y", "y_location", "y_global_px"},
	"gene":      {"gene", "feature_name", "target"},
	"genetype":  {"genetype", "gene_type", "codeword_category"},
	"counts":    {"counts", "count"},
	"cell":      {"cell", "cell_id"},
	"region":    {"region"},
	"level":     {"level"},
}

var required = []string{"sample_id", "x", "y"}

// Read parses a delimited detection table. The header row is required.
func Read(r io.Reader, opts ReadOptions) ([]Detection, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	idx, extraIdx := resolveColumns(header, opts.Extra)
	for _, col := range required {
		if idx[col] < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var out []Detection
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		d, err := parseRecord(rec, idx, extraIdx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func resolveColumns(header []string, extra []string) (map[string]int, map[string]int) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idx := make(map[string]int, len(columnAliases))
	used := make(map[int]bool)
	for canon, aliases := range columnAliases {
		idx[canon] = -1
		for _, a := range aliases {
			if i, ok := pos[a]; ok {
				idx[canon] = i
				used[i] = true
				break
			}
		}
	}

	extraIdx := make(map[string]int)
	if len(extra) > 0 {
		for _, name := range extra {
			if i, ok := pos[strings.ToLower(name)]; ok {
				extraIdx[name] = i
			}
		}
		return idx, extraIdx
	}
	for i, h := range header {
		if used[i] {
			continue
		}
		name := strings.TrimSpace(h)
		if name == "" {
			continue
		}
		extraIdx[name] = i
	}
	return idx, extraIdx
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// isNull reports whether a cell holds a missing value marker.
func isNull(s string) bool {
	switch s {
	case "", "NA", "NaN", "nan", "null", "NULL", "None":
		return true
	}
	return false
}

func parseRecord(rec []string, idx, extraIdx map[string]int) (Detection, error) {
	var d Detection
	var err error

	d.SampleID = field(rec, idx["sample_id"])
	if d.X, err = parseCoordinate("x", field(rec, idx["x"])); err != nil {
		return d, err
	}
	if d.Y, err = parseCoordinate("y", field(rec, idx["y"])); err != nil {
		return d, err
	}
	d.Gene = field(rec, idx["gene"])
	d.GeneType = field(rec, idx["genetype"])
	if idx["genetype"] < 0 {
		d.GeneType = GeneTypeGene
	}

	d.Count = 1
	if s := field(rec, idx["counts"]); !isNull(s) {
		if d.Count, err = parseCount(s); err != nil {
			return d, err
		}
	}

	if s := field(rec, idx["cell"]); !isNull(s) && s != "0" && s != "UNASSIGNED" {
		d.Cell = s
	}
	if s := field(rec, idx["region"]); !isNull(s) {
		d.Region = s
	}
	if s := field(rec, idx["level"]); !isNull(s) {
		lv, err := strconv.Atoi(s)
		if err != nil {
			return d, fmt.Errorf("invalid level %q: %w", s, err)
		}
		d.Level = lv
		d.HasLevel = true
	}

	if len(extraIdx) > 0 {
		d.Extra = make(map[string]string, len(extraIdx))
		for name, i := range extraIdx {
			if s := field(rec, i); !isNull(s) {
				d.Extra[name] = s
			}
		}
	}
	return d, nil
}

// parseCoordinate accepts finite floats only.
func parseCoordinate(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidCoordinate, name, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is %v", ErrInvalidCoordinate, name, v)
	}
	return v, nil
}

// parseCount accepts integers and integral floats such as "3.0".
func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCount, s)
		}
		n = int(f)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeCount, n)
	}
	return n, nil
}
