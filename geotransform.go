package georaster

import "math"

// A GeoTransform is an affine transform from raster space (pixel, line) to
// map space, using GDAL's coefficient order:
//
//	x = gt[0] + pixel*gt[1] + line*gt[2]
//	y = gt[3] + pixel*gt[4] + line*gt[5]
type GeoTransform [6]float64

// Apply returns gt applied to (x, y).
func (gt GeoTransform) Apply(x, y float64) (float64, float64) {
	return gt[0] + x*gt[1] + y*gt[2], gt[3] + x*gt[4] + y*gt[5]
}

// Invert returns the inverse of gt. It returns false if gt is not invertible.
func (gt GeoTransform) Invert() (GeoTransform, bool) {
	// Fast path for north-up transforms, which avoids rounding in the
	// determinant.
	if gt[2] == 0 && gt[4] == 0 && gt[1] != 0 && gt[5] != 0 {
		return GeoTransform{
			-gt[0] / gt[1], 1 / gt[1], 0,
			-gt[3] / gt[5], 0, 1 / gt[5],
		}, true
	}

	det := gt[1]*gt[5] - gt[2]*gt[4]
	magnitude := max(math.Abs(gt[1]), math.Abs(gt[2]), math.Abs(gt[4]), math.Abs(gt[5]))
	if math.Abs(det) <= 1e-10*magnitude*magnitude {
		return GeoTransform{}, false
	}
	invDet := 1 / det
	return GeoTransform{
		(gt[2]*gt[3] - gt[0]*gt[5]) * invDet,
		gt[5] * invDet,
		-gt[2] * invDet,
		(-gt[1]*gt[3] + gt[0]*gt[4]) * invDet,
		-gt[4] * invDet,
		gt[1] * invDet,
	}, true
}
