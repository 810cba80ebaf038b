// Package render draws hex-binned samples as PNG maps using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/libsize/server/internal/hexbin"
	"github.com/libsize/server/pkg/colormap"
)

// ErrLengthMismatch indicates values that do not line up with the cells.
var ErrLengthMismatch = errors.New("values and cells differ in length")

// Config contains renderer configuration.
type Config struct {
	// TileSize is the canvas edge in pixels.
	TileSize        int
	DefaultColormap string
}

// MapRenderer renders hex maps. It is safe for concurrent use.
type MapRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewMapRenderer creates a new renderer.
func NewMapRenderer(cfg Config) *MapRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if _, ok := colormap.Get(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &MapRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// layout maps normalised lattice coordinates to pixels, preserving aspect ratio.
type layout struct {
	minU, maxV float64
	scale      float64
	offX, offY float64
	radius     float64
}

const margin = 4.0

func newLayout(cells []hexbin.Cell, size int) layout {
	minU, maxU := math.Inf(1), math.Inf(-1)
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, c := range cells {
		u, v := c.Normalised()
		minU, maxU = math.Min(minU, u), math.Max(maxU, u)
		minV, maxV = math.Min(minV, v), math.Max(maxV, v)
	}
	// Pad by one hexagon so border bins are drawn whole.
	w := maxU - minU + 1
	h := maxV - minV + 2/math.Sqrt(3)
	avail := float64(size) - 2*margin
	scale := avail / math.Max(w, h)
	return layout{
		minU:   minU - 0.5,
		maxV:   maxV + 1/math.Sqrt(3),
		scale:  scale,
		offX:   margin + (avail-w*scale)/2,
		offY:   margin + (avail-h*scale)/2,
		radius: scale / math.Sqrt(3),
	}
}

// centre returns the pixel centre of c; image y grows downward.
func (l layout) centre(c hexbin.Cell) (float64, float64) {
	u, v := c.Normalised()
	return l.offX + (u-l.minU)*l.scale, l.offY + (l.maxV-v)*l.scale
}

func (r *MapRenderer) draw(cells []hexbin.Cell, fill func(i int) (color.Color, bool)) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()
	if len(cells) == 0 {
		return r.encodeContext(dc)
	}

	l := newLayout(cells, r.config.TileSize)
	for i, c := range cells {
		col, ok := fill(i)
		if !ok {
			continue
		}
		x, y := l.centre(c)
		dc.SetColor(col)
		dc.DrawRegularPolygon(6, x, y, l.radius, math.Pi/6)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

// RenderContinuous colors each cell by its value scaled over [lo, hi]. NaN values are
// left blank. An unknown colormap name falls back to the default.
func (r *MapRenderer) RenderContinuous(cells []hexbin.Cell, values []float64, lo, hi float64, colormapName string) ([]byte, error) {
	if len(values) != len(cells) {
		return nil, ErrLengthMismatch
	}
	cmap, ok := colormap.Get(colormapName)
	if !ok {
		cmap, _ = colormap.Get(r.config.DefaultColormap)
	}
	span := hi - lo
	if span == 0 || math.IsNaN(span) {
		span = 1
	}
	return r.draw(cells, func(i int) (color.Color, bool) {
		v := values[i]
		if math.IsNaN(v) {
			return nil, false
		}
		return cmap.At((v - lo) / span), true
	})
}

// RenderCategorical colors each cell by category index; negative indices are skipped.
func (r *MapRenderer) RenderCategorical(cells []hexbin.Cell, categories []int, nCategories int) ([]byte, error) {
	if len(categories) != len(cells) {
		return nil, ErrLengthMismatch
	}
	palette := colormap.Palette(nCategories)
	return r.draw(cells, func(i int) (color.Color, bool) {
		if categories[i] < 0 {
			return nil, false
		}
		return palette.AtIndex(categories[i]), true
	})
}

// Range returns the finite extent of values. With symmetric set it returns [-m, m]
// where m is the largest magnitude, so zero sits mid-scale.
func Range(values []float64, symmetric bool) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if lo > hi {
		return 0, 1
	}
	if symmetric {
		m := math.Max(math.Abs(lo), math.Abs(hi))
		return -m, m
	}
	return lo, hi
}

func (r *MapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyMap returns a transparent canvas.
func (r *MapRenderer) CreateEmptyMap() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
