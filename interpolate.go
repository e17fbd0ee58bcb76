package georaster

import (
	"fmt"
	"math"
)

// NoDataTolerance is the absolute tolerance used when comparing a cell value
// with a raster's no-data value.
const NoDataTolerance = 1e-5

// isNoData returns whether value should be treated as missing. NaNs are always
// missing.
func isNoData(value, noData float64) bool {
	return math.IsNaN(value) || math.Abs(value-noData) <= NoDataTolerance
}

// BilinearInterpolate interpolates between the four corners in p, ordered
// top-left, top-right, bottom-left, bottom-right, at the fractional offsets dx
// and dy. Corners equal to noData do not contribute and the remaining weights
// are renormalized. If all four corners are missing, it returns 0.
//
//	tl----+------tr
//	|     |      |
//	|    dy      |
//	|     |      |
//	+--dx-+------+
//	|     |      |
//	bl----+------br
func BilinearInterpolate(p [4]float64, dx, dy, noData float64) float64 {
	weights := [4]float64{
		(1 - dx) * (1 - dy),
		dx * (1 - dy),
		(1 - dx) * dy,
		dx * dy,
	}
	sum, norm := 0.0, 0.0
	for i, value := range p {
		if isNoData(value, noData) {
			continue
		}
		sum += value * weights[i]
		norm += weights[i]
	}
	switch {
	case norm < NoDataTolerance:
		return 0
	case norm < 1:
		return sum / norm
	default:
		return sum
	}
}

// CubicInterpolate interpolates between p[1] and p[2] at t in [0, 1] using
// four-point cubic convolution. No-data values are not handled.
func CubicInterpolate(p [4]float64, t float64) float64 {
	return p[1] + 0.5*t*(p[2]-p[0]+t*(2*p[0]-5*p[1]+4*p[2]-p[3]+t*(3*(p[1]-p[2])+p[3]-p[0])))
}

// BicubicInterpolate interpolates in a 4×4 patch. p[i][j] is the value at
// offset i along x and j along y.
func BicubicInterpolate(p [4][4]float64, x, y float64) float64 {
	var q [4]float64
	for i := range q {
		q[i] = CubicInterpolate(p[i], y)
	}
	return CubicInterpolate(q, x)
}

// TricubicInterpolate interpolates in a 4×4×4 patch indexed by x, y, then z.
func TricubicInterpolate(p [4][4][4]float64, x, y, z float64) float64 {
	var q [4]float64
	for i := range q {
		q[i] = BicubicInterpolate(p[i], y, z)
	}
	return CubicInterpolate(q, x)
}

// NCubicInterpolate interpolates in an n-dimensional patch of 4^n values
// stored so that coords[0] has the largest stride. It panics if n < 1 or if p
// or coords are too short.
func NCubicInterpolate(n int, p, coords []float64) float64 {
	if n < 1 {
		panic(fmt.Sprintf("n = %d, must be at least 1", n))
	}
	if len(coords) < n {
		panic(fmt.Sprintf("len(coords) = %d, but n = %d", len(coords), n))
	}
	stride := 1 << (2 * (n - 1))
	if len(p) < 4*stride {
		panic(fmt.Sprintf("len(p) = %d, but n = %d requires %d values", len(p), n, 4*stride))
	}
	var q [4]float64
	if n == 1 {
		copy(q[:], p[:4])
		return CubicInterpolate(q, coords[0])
	}
	for i := range q {
		q[i] = NCubicInterpolate(n-1, p[i*stride:(i+1)*stride], coords[1:])
	}
	return CubicInterpolate(q, coords[0])
}
