package transcripts

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var canonicalHeader = []string{"sample_id", "x", "y", "gene", "genetype", "counts", "cell", "region", "level"}

// Write emits detections as a delimited table that Read parses back. Extra columns
// are the union of every detection's Extra keys, sorted.
func Write(w io.Writer, dets []Detection, comma rune) error {
	cw := csv.NewWriter(w)
	if comma != 0 {
		cw.Comma = comma
	}

	extraSet := make(map[string]struct{})
	for i := range dets {
		for k := range dets[i].Extra {
			extraSet[k] = struct{}{}
		}
	}
	extra := make([]string, 0, len(extraSet))
	for k := range extraSet {
		extra = append(extra, k)
	}
	sort.Strings(extra)

	header := append(append([]string(nil), canonicalHeader...), extra...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i := range dets {
		d := &dets[i]
		rec[0] = d.SampleID
		rec[1] = strconv.FormatFloat(d.X, 'g', -1, 64)
		rec[2] = strconv.FormatFloat(d.Y, 'g', -1, 64)
		rec[3] = d.Gene
		rec[4] = d.GeneType
		rec[5] = strconv.Itoa(d.Count)
		rec[6] = d.Cell
		rec[7] = d.Region
		rec[8] = ""
		if d.HasLevel {
			rec[8] = strconv.Itoa(d.Level)
		}
		for j, k := range extra {
			rec[len(canonicalHeader)+j] = d.Extra[k]
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes detections to a local path, compressing by extension (.gz, .zst)
// and switching to tabs for .tsv files.
func WriteFile(name string, dets []Detection) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	var closer io.Closer
	switch strings.ToLower(path.Ext(name)) {
	case ".gz":
		zw := gzip.NewWriter(f)
		w, closer = zw, zw
	case ".zst":
		zw, zerr := zstd.NewWriter(f)
		if zerr != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", zerr)
		}
		w, closer = zw, zw
	}

	comma := ','
	if strings.HasSuffix(trimCompression(strings.ToLower(name)), ".tsv") {
		comma = '\t'
	}
	if err := Write(w, dets, comma); err != nil {
		return err
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}
