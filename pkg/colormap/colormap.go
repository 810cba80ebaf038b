// Package colormap provides color schemes for hex map rendering.
package colormap

import (
	"image/color"
	"sort"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between control points in CIE L*a*b*.
type LinearColormap struct {
	stops []colorful.Color
}

// NewLinear builds a linear colormap from evenly spaced control points.
func NewLinear(points ...color.RGBA) LinearColormap {
	stops := make([]colorful.Color, len(points))
	for i, p := range points {
		stops[i], _ = colorful.MakeColor(p)
	}
	return LinearColormap{stops: stops}
}

// At returns the color at position t (0-1). NaN maps to the lowest color.
func (c LinearColormap) At(t float64) color.Color {
	if !(t > 0) {
		return toRGBA(c.stops[0])
	}
	if t >= 1 {
		return toRGBA(c.stops[len(c.stops)-1])
	}
	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	frac := idx - float64(lower)
	return toRGBA(c.stops[lower].BlendLab(c.stops[lower+1], frac))
}

// AtIndex returns the i-th control point (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return toRGBA(c.stops[i%len(c.stops)])
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Magma colormap
var Magma = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// RdBu is a diverging map for signed values such as residuals; 0.5 is white.
var RdBu = NewLinear(
	color.RGBA{33, 102, 172, 255},
	color.RGBA{103, 169, 207, 255},
	color.RGBA{209, 229, 240, 255},
	color.RGBA{247, 247, 247, 255},
	color.RGBA{253, 219, 199, 255},
	color.RGBA{239, 138, 98, 255},
	color.RGBA{178, 24, 43, 255},
)

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Len returns the number of distinct colors.
func (c CategoricalColormap) Len() int {
	return len(c.colors)
}

// Categorical colormap with 10 distinct colors (tab10)
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
	},
}

// Palette returns n distinct colors. The first colors come from Categorical; beyond
// that hues are spread evenly around the HCL wheel at fixed chroma and luminance.
func Palette(n int) CategoricalColormap {
	if n <= Categorical.Len() {
		return Categorical
	}
	colors := make([]color.RGBA, 0, n)
	colors = append(colors, Categorical.colors...)
	extra := n - len(colors)
	for i := 0; i < extra; i++ {
		h := 360 * (float64(i) + 0.5) / float64(extra)
		colors = append(colors, toRGBA(colorful.Hcl(h, 0.45, 0.7)))
	}
	return CategoricalColormap{colors: colors}
}

var byName = map[string]Colormap{
	"viridis":     Viridis,
	"magma":       Magma,
	"rdbu":        RdBu,
	"categorical": Categorical,
}

// Get returns the named colormap.
func Get(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
