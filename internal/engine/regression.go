package engine

import (
	"math"
)

// ridgeFit solves a ridge-regularized least squares fit of y on the
// columns of x via the normal equations (XᵀX + αI)β = Xᵀy, with the
// intercept handled by mean-centering so it is not penalized. alpha = 0
// gives ordinary least squares.
//
// Returns the coefficient per column, the intercept, and R² on the
// training data. A singular system (collinear or constant columns with
// alpha = 0) returns ErrModelDivergence.
func ridgeFit(x [][]float64, y []float64, alpha float64) (coefs []float64, intercept, r2 float64, err error) {
	n := len(y)
	if n < 2 || len(x) != n {
		return nil, 0, 0, ErrModelDivergence
	}
	k := len(x[0])
	if k == 0 {
		return nil, 0, 0, ErrModelDivergence
	}

	// Center features and target.
	xMean := make([]float64, k)
	for _, row := range x {
		for j, v := range row {
			xMean[j] += v
		}
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	var yMean float64
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(n)

	// Normal equations on centered data.
	ata := make([][]float64, k)
	atb := make([]float64, k)
	for j := range ata {
		ata[j] = make([]float64, k)
	}
	for i := 0; i < n; i++ {
		yc := y[i] - yMean
		for j := 0; j < k; j++ {
			xj := x[i][j] - xMean[j]
			atb[j] += xj * yc
			for l := j; l < k; l++ {
				ata[j][l] += xj * (x[i][l] - xMean[l])
			}
		}
	}
	for j := 0; j < k; j++ {
		for l := 0; l < j; l++ {
			ata[j][l] = ata[l][j]
		}
		ata[j][j] += alpha
	}

	coefs, err = solveLinear(ata, atb)
	if err != nil {
		return nil, 0, 0, err
	}

	intercept = yMean
	for j := 0; j < k; j++ {
		intercept -= coefs[j] * xMean[j]
	}

	// R² on training data.
	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		pred := intercept
		for j := 0; j < k; j++ {
			pred += coefs[j] * x[i][j]
		}
		ssRes += (y[i] - pred) * (y[i] - pred)
		ssTot += (y[i] - yMean) * (y[i] - yMean)
	}
	if ssTot == 0 {
		return nil, 0, 0, ErrModelDivergence
	}
	r2 = 1 - ssRes/ssTot
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		return nil, 0, 0, ErrModelDivergence
	}
	return coefs, intercept, r2, nil
}

// solveLinear solves the symmetric system a·x = b by Gaussian elimination
// with partial pivoting. Near-singular pivots surface ErrModelDivergence
// instead of producing garbage coefficients.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	k := len(b)
	// Work on copies; callers reuse their matrices.
	m := make([][]float64, k)
	for i := range m {
		m[i] = make([]float64, k+1)
		copy(m[i], a[i])
		m[i][k] = b[i]
	}

	for col := 0; col < k; col++ {
		pivot := col
		for r := col + 1; r < k; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, ErrModelDivergence
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := col + 1; r < k; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= k; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	x := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		sum := m[i][k]
		for j := i + 1; j < k; j++ {
			sum -= m[i][j] * x[j]
		}
		x[i] = sum / m[i][i]
	}
	return x, nil
}

// adjustedRSquared applies the sample-size penalty; collapses to r2 when
// there are too few observations for the correction.
func adjustedRSquared(r2 float64, n, k int) float64 {
	if n <= k+1 {
		return clamp01(r2)
	}
	adj := 1 - (1-r2)*float64(n-1)/float64(n-k-1)
	return clamp01(adj)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
