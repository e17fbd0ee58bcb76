// Package georaster samples values such as geoid undulations and height
// corrections from large rasters, reading them one window at a time.
package georaster

import "context"

const (
	// DefaultMaxExtent is the default side length, in cells, of a window.
	DefaultMaxExtent = 1024

	// RadiansToDegrees converts query coordinates in radians to the degrees
	// used by geographic geotransforms.
	RadiansToDegrees = 57.29577951308232
)

// A TileCoord is a block coordinate within a raster.
type TileCoord struct {
	C int // Column.
	R int // Row.
}

// A RasterSource is an open single-band raster.
type RasterSource interface {
	// Size returns the raster's width and height in cells.
	Size() (int, int)
	// NoData returns the raster's no-data value, or NaN if it has none.
	NoData() float64
	// GeoTransform returns the raster's raster-to-map transform.
	GeoTransform() (GeoTransform, error)
	// ReadWindow returns the width*height cells with top left corner at
	// (left, top) in row-major order.
	ReadWindow(ctx context.Context, left, top, width, height int) ([]float64, error)
	Close() error
}
