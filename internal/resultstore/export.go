package resultstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/libsize/server/internal/pipeline"
)

// ExportOptions controls TSV export.
type ExportOptions struct {
	// Gzip writes <table>.tsv.gz instead of <table>.tsv.
	Gzip bool
}

// Tables lists exported table names in write order.
func Tables() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}

// ExportTSV writes one file per table into dir and returns the paths written.
func ExportTSV(dir string, batch *pipeline.BatchResult, opts ExportOptions) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	var paths []string
	for _, t := range tables {
		name := t.name + ".tsv"
		if opts.Gzip {
			name += ".gz"
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, t, batch, opts.Gzip); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, t table, batch *pipeline.BatchResult, compress bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if compress {
		gw := gzip.NewWriter(f)
		defer func() {
			if cerr := gw.Close(); err == nil {
				err = cerr
			}
		}()
		w = gw
	}
	return WriteTable(w, t.name, batch)
}

// WriteTable writes a single named table as TSV with a header row.
func WriteTable(w io.Writer, name string, batch *pipeline.BatchResult) error {
	for _, t := range tables {
		if t.name != name {
			continue
		}
		cw := csv.NewWriter(w)
		cw.Comma = '\t'
		if err := cw.Write(t.columns); err != nil {
			return err
		}
		record := make([]string, len(t.columns))
		err := t.rows(batch, func(vals ...interface{}) error {
			for i, v := range vals {
				record[i] = formatValue(v)
			}
			return cw.Write(record)
		})
		if err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	}
	return fmt.Errorf("unknown table %q", name)
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "NA"
		}
		return x
	case float64:
		if math.IsNaN(x) {
			return "NA"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	default:
		return fmt.Sprint(x)
	}
}
