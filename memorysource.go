package georaster

import (
	"context"
	"fmt"
)

// A MemorySource is a RasterSource backed by a slice.
type MemorySource struct {
	width        int
	height       int
	data         []float64
	noData       float64
	geoTransform GeoTransform
	reads        int
}

// NewMemorySource returns a new MemorySource of width*height row-major values.
func NewMemorySource(width, height int, data []float64, noData float64, geoTransform GeoTransform) (*MemorySource, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("len(data) = %d, but width = %d and height = %d", len(data), width, height)
	}
	return &MemorySource{
		width:        width,
		height:       height,
		data:         data,
		noData:       noData,
		geoTransform: geoTransform,
	}, nil
}

func (s *MemorySource) Close() error {
	return nil
}

func (s *MemorySource) GeoTransform() (GeoTransform, error) {
	return s.geoTransform, nil
}

func (s *MemorySource) NoData() float64 {
	return s.noData
}

// ReadWindow implements RasterSource.ReadWindow.
func (s *MemorySource) ReadWindow(ctx context.Context, left, top, width, height int) ([]float64, error) {
	if left < 0 || top < 0 || width < 0 || height < 0 || left+width > s.width || top+height > s.height {
		return nil, fmt.Errorf("window (%d, %d, %d, %d) outside %dx%d raster", left, top, width, height, s.width, s.height)
	}
	s.reads++
	window := make([]float64, 0, width*height)
	for y := top; y < top+height; y++ {
		window = append(window, s.data[y*s.width+left:y*s.width+left+width]...)
	}
	return window, nil
}

// Reads returns the number of windows read from s.
func (s *MemorySource) Reads() int {
	return s.reads
}

func (s *MemorySource) Size() (int, int) {
	return s.width, s.height
}
