package georaster

import "image"

// A Window is a cached rectangle of raster cells.
type Window struct {
	Bounds image.Rectangle // In raster space.
	Data   []float64       // Row-major, Bounds.Dx() values per row.
}

// Covers returns whether every cell in r is in w.
func (w *Window) Covers(r image.Rectangle) bool {
	return w != nil && !r.Empty() && r.In(w.Bounds)
}

// At returns the value of the cell at (x, y), which must be in w.
func (w *Window) At(x, y int) float64 {
	return w.Data[(y-w.Bounds.Min.Y)*w.Bounds.Dx()+(x-w.Bounds.Min.X)]
}
