package glm

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// independentColumns returns the indices of columns of X that are linearly independent
// of all earlier columns, scanning left to right. A column is aliased when its residual
// after projection onto the kept columns has norm at most tol times its own norm.
func independentColumns(X mat.Matrix, tol float64) []int {
	n, p := X.Dims()
	basis := make([][]float64, 0, p)
	keep := make([]int, 0, p)
	v := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(v, j, X)
		norm0 := floats.Norm(v, 2)
		if norm0 == 0 || math.IsNaN(norm0) {
			continue
		}
		// Two passes of modified Gram-Schmidt keep the residual orthogonal.
		for pass := 0; pass < 2; pass++ {
			for _, q := range basis {
				floats.AddScaled(v, -floats.Dot(q, v), q)
			}
		}
		norm := floats.Norm(v, 2)
		if norm <= tol*norm0 {
			continue
		}
		q := make([]float64, n)
		floats.ScaleTo(q, 1/norm, v)
		basis = append(basis, q)
		keep = append(keep, j)
	}
	return keep
}

// columns copies the listed columns of X into a new dense matrix.
func columns(X mat.Matrix, idx []int) *mat.Dense {
	n, _ := X.Dims()
	out := mat.NewDense(n, len(idx), nil)
	col := make([]float64, n)
	for k, j := range idx {
		mat.Col(col, j, X)
		out.SetCol(k, col)
	}
	return out
}
