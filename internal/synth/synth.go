// Package synth generates seeded synthetic bins and detections with known per-region
// Poisson rates, for tests and demos.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/libsize/server/internal/data/transcripts"
	"github.com/libsize/server/internal/hexbin"
)

// Region is a generating process: a bin with n cells has mean Intercept * Slope^n
// transcripts.
type Region struct {
	Name      string  `json:"name" yaml:"name"`
	Intercept float64 `json:"intercept" yaml:"intercept"`
	Slope     float64 `json:"slope" yaml:"slope"`
}

// Config describes a synthetic dataset.
type Config struct {
	Seed    uint64   `yaml:"seed"`
	Samples []string `yaml:"samples"`
	// BinsPerSample is split evenly across regions in contiguous blocks.
	BinsPerSample int      `yaml:"bins_per_sample"`
	MeanCells     float64  `yaml:"mean_cells"`
	Regions       []Region `yaml:"regions"`
	// FOVs, when positive, labels bins with an "fov" covariate in that many blocks.
	FOVs int `yaml:"fovs"`
}

// EndToEnd is three samples of 500 bins over Cortex (200 * e^{0.05 n}) and Fibre
// (50 * e^{0.01 n}) with Poisson(10) cells per bin.
func EndToEnd(seed uint64) Config {
	return Config{
		Seed:          seed,
		Samples:       []string{"sample1", "sample2", "sample3"},
		BinsPerSample: 500,
		MeanCells:     10,
		Regions: []Region{
			{Name: "Cortex", Intercept: 200, Slope: math.Exp(0.05)},
			{Name: "Fibre", Intercept: 50, Slope: math.Exp(0.01)},
		},
	}
}

// NegControl is the gene type of membership and anchor detections.
const NegControl = "NegControlProbe"

type draw struct {
	cell         hexbin.Cell
	region       string
	fov          string
	ncells       int
	ntranscripts int
}

// grid returns the lattice resolution and the interior cells used for n bins. Row 0,
// column 0 and the top-right corner are left free for anchors.
func grid(n int) (int, []hexbin.Cell) {
	res := int(math.Ceil(math.Sqrt(float64(n)))) + 2
	if res%2 != 0 {
		res++
	}
	cells := make([]hexbin.Cell, 0, n)
	for r := 1; r < res && len(cells) < n; r++ {
		for c := 1; c < res && len(cells) < n; c++ {
			cells = append(cells, hexbin.Cell{Row: int32(r), Col: int32(c)})
		}
	}
	return res, cells
}

func (cfg Config) draws(sample int) []draw {
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(sample)+1))
	_, cells := grid(cfg.BinsPerSample)
	out := make([]draw, len(cells))
	for k, c := range cells {
		reg := cfg.Regions[k*len(cfg.Regions)/len(cells)]
		n := Poisson(rng, cfg.MeanCells)
		mu := reg.Intercept * math.Pow(reg.Slope, float64(n))
		d := draw{
			cell:         c,
			region:       reg.Name,
			ncells:       n,
			ntranscripts: Poisson(rng, mu),
		}
		if cfg.FOVs > 0 {
			d.fov = fmt.Sprintf("fov%02d", k*cfg.FOVs/len(cells))
		}
		out[k] = d
	}
	return out
}

// Bins returns bins directly, in sample then row-column order. Bins that would have
// no detections are still emitted.
func Bins(cfg Config) []hexbin.Bin {
	res, _ := grid(cfg.BinsPerSample)
	lat := hexbin.NewLattice(0, float64(res), 0, float64(res)*math.Sqrt(3)/2, res)
	var out []hexbin.Bin
	for s, id := range cfg.Samples {
		for _, d := range cfg.draws(s) {
			x, y := lat.Centre(d.cell)
			b := hexbin.Bin{
				SampleID:     id,
				Row:          d.cell.Row,
				Col:          d.cell.Col,
				X:            x,
				Y:            y,
				NTranscripts: d.ntranscripts,
				NCells:       d.ncells,
				NDetections:  d.ncells + min(d.ntranscripts, max(d.ncells, 1)),
				Region:       d.region,
			}
			if d.fov != "" {
				b.Covariates = map[string]string{"fov": d.fov}
			}
			out = append(out, b)
		}
	}
	return out
}

// Detections returns point detections that bin back to the same counts as Bins at
// resolution Resolution(cfg). Each cell gets one membership detection of gene type
// NegControl; transcripts are spread over the cells as aggregated Gene rows.
func Detections(cfg Config) []transcripts.Detection {
	res, _ := grid(cfg.BinsPerSample)
	height := float64(res) * math.Sqrt(3) / 2
	lat := hexbin.NewLattice(0, float64(res), 0, height, res)
	var out []transcripts.Detection
	for s, id := range cfg.Samples {
		rng := rand.New(rand.NewPCG(cfg.Seed^0x9e3779b97f4a7c15, uint64(s)+1))
		anchor := transcripts.Detection{SampleID: id, Gene: "anchor", GeneType: NegControl, Count: 1}
		lo, hi := anchor, anchor
		hi.X, hi.Y = float64(res), height
		out = append(out, lo, hi)

		for k, d := range cfg.draws(s) {
			cx, cy := lat.Centre(d.cell)
			jitter := func() (float64, float64) {
				a := rng.Float64() * 2 * math.Pi
				r := 0.3 * rng.Float64()
				return cx + r*math.Cos(a), cy + r*math.Sin(a)
			}
			det := func(cell, geneType, gene string, count int) transcripts.Detection {
				x, y := jitter()
				t := transcripts.Detection{
					SampleID: id, X: x, Y: y,
					Gene: gene, GeneType: geneType, Count: count,
					Cell: cell, Region: d.region, Level: 1, HasLevel: true,
				}
				if d.fov != "" {
					t.Extra = map[string]string{"fov": d.fov}
				}
				return t
			}
			owners := make([]string, d.ncells)
			for c := range owners {
				owners[c] = fmt.Sprintf("%s_%d_%d", id, k, c)
				out = append(out, det(owners[c], NegControl, "membership", 1))
			}
			if len(owners) == 0 {
				owners = []string{""}
			}
			share, rem := d.ntranscripts/len(owners), d.ntranscripts%len(owners)
			for c, owner := range owners {
				n := share
				if c < rem {
					n++
				}
				if n > 0 {
					out = append(out, det(owner, transcripts.GeneTypeGene, fmt.Sprintf("gene%d", c%7), n))
				}
			}
		}
	}
	return out
}

// Resolution is the binning resolution under which Detections reproduces Bins.
func Resolution(cfg Config) int {
	res, _ := grid(cfg.BinsPerSample)
	return res
}

// Poisson draws from a Poisson distribution: multiplication method below 30, PTRS
// transformed rejection above.
func Poisson(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	if lambda < 30 {
		limit := math.Exp(-lambda)
		k, p := 0, rng.Float64()
		for p > limit {
			k++
			p *= rng.Float64()
		}
		return k
	}
	slam := math.Sqrt(lambda)
	loglam := math.Log(lambda)
	b := 0.931 + 2.53*slam
	a := -0.059 + 0.02483*b
	invAlpha := 1.1239 + 1.1328/(b-3.4)
	vr := 0.9277 - 3.6224/(b-2)
	for {
		u := rng.Float64() - 0.5
		v := rng.Float64()
		us := 0.5 - math.Abs(u)
		k := math.Floor((2*a/us+b)*u + lambda + 0.43)
		if us >= 0.07 && v <= vr {
			return int(k)
		}
		if k < 0 || (us < 0.013 && v > us) {
			continue
		}
		lg, _ := math.Lgamma(k + 1)
		if math.Log(v)+math.Log(invAlpha)-math.Log(a/(us*us)+b) <= -lambda+k*loglam-lg {
			return int(k)
		}
	}
}
