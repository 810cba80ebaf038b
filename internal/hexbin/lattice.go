package hexbin

import "math"

var sqrt3 = math.Sqrt(3)

// Lattice maps sample coordinates onto a pointy-top hexagonal grid.
//
// Coordinates are first normalised so the x range spans [0, resolution] and the y
// range spans [0, resolution*sqrt(3)/2]; in that plane hexagons are regular with unit
// width. The grid is the union of two rectangular sub-lattices with spacing (1, sqrt(3)):
// even rows centred at (i, j*sqrt(3)) and odd rows at (i+0.5, (j+0.5)*sqrt(3)).
type Lattice struct {
	MinX, MinY float64
	ScaleX     float64 // normalised units per sample unit, x
	ScaleY     float64 // normalised units per sample unit, y
	Resolution int
}

// NewLattice builds a lattice over the bounding box [minX,maxX]x[minY,maxY].
func NewLattice(minX, maxX, minY, maxY float64, resolution int) Lattice {
	rangeX := maxX - minX
	if rangeX <= 0 || math.IsNaN(rangeX) {
		rangeX = 1
	}
	rangeY := maxY - minY
	if rangeY <= 0 || math.IsNaN(rangeY) {
		rangeY = 1
	}
	res := float64(resolution)
	return Lattice{
		MinX:       minX,
		MinY:       minY,
		ScaleX:     res / rangeX,
		ScaleY:     res * sqrt3 / 2 / rangeY,
		Resolution: resolution,
	}
}

// Cell identifies one hexagon: Row counts half-steps of sqrt(3)/2 upward, Col counts
// unit steps to the right. Odd rows are shifted right by half a hexagon.
type Cell struct {
	Row int32
	Col int32
}

// Locate returns the hexagon whose centre is nearest to (x, y).
func (l Lattice) Locate(x, y float64) Cell {
	u := (x - l.MinX) * l.ScaleX
	v := (y - l.MinY) * l.ScaleY

	// Even sub-lattice.
	i1 := math.Round(u)
	j1 := math.Round(v / sqrt3)
	du1 := u - i1
	dv1 := v - j1*sqrt3
	d1 := du1*du1 + dv1*dv1

	// Odd sub-lattice.
	i2 := math.Floor(u)
	j2 := math.Floor(v / sqrt3)
	du2 := u - (i2 + 0.5)
	dv2 := v - (j2+0.5)*sqrt3
	d2 := du2*du2 + dv2*dv2

	if d1 <= d2 {
		return Cell{Row: int32(2 * j1), Col: int32(i1)}
	}
	return Cell{Row: int32(2*j2 + 1), Col: int32(i2)}
}

// Normalised returns the centre of c in the normalised plane.
func (c Cell) Normalised() (u, v float64) {
	u = float64(c.Col)
	if c.Row%2 != 0 {
		u += 0.5
	}
	v = float64(c.Row) * sqrt3 / 2
	return u, v
}

// Centre returns the centre of c in sample coordinates.
func (l Lattice) Centre(c Cell) (x, y float64) {
	u, v := c.Normalised()
	return l.MinX + u/l.ScaleX, l.MinY + v/l.ScaleY
}

// Less orders cells by row, then column.
func (c Cell) Less(o Cell) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}
