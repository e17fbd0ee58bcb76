// Package gdalsource reads rasters through GDAL.
package gdalsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/twpayne/go-georaster"
)

var registerOnce sync.Once

// A Source is a georaster.RasterSource that reads the first band of a GDAL
// dataset. It is safe for concurrent use.
type Source struct {
	mutex           sync.Mutex
	ds              *godal.Dataset
	band            godal.Band
	width           int
	height          int
	noData          float64
	geoTransform    georaster.GeoTransform
	geoTransformErr error
}

// Open opens the raster name with GDAL. Local files that do not exist return
// an error matching fs.ErrNotExist.
func Open(name string, options ...godal.OpenOption) (*Source, error) {
	registerOnce.Do(godal.RegisterAll)

	if !strings.HasPrefix(name, "/vsi") {
		if _, err := os.Stat(name); err != nil {
			return nil, err
		}
	}

	ds, err := godal.Open(name, append([]godal.OpenOption{godal.RasterOnly()}, options...)...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = ds.Close()
		}
	}()

	s, err := New(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	ok = true
	return s, nil
}

// New returns a new Source reading from ds. The Source owns ds and closes it
// when it is closed.
func New(ds *godal.Dataset) (*Source, error) {
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, errors.New("no bands")
	}
	structure := ds.Structure()
	s := &Source{
		ds:     ds,
		band:   bands[0],
		width:  structure.SizeX,
		height: structure.SizeY,
		noData: math.NaN(),
	}
	if noData, ok := s.band.NoData(); ok {
		s.noData = noData
	}
	if geoTransform, err := ds.GeoTransform(); err != nil {
		s.geoTransformErr = err
	} else {
		s.geoTransform = geoTransform
	}
	return s, nil
}

// OpenFunc returns a georaster.OpenFunc that opens grids in dir with GDAL.
func OpenFunc(dir string, options ...godal.OpenOption) georaster.OpenFunc {
	return func(name string) (georaster.RasterSource, error) {
		if !fs.ValidPath(name) {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
		}
		return Open(filepath.Join(dir, filepath.FromSlash(name)), options...)
	}
}

func (s *Source) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ds == nil {
		return nil
	}
	err := s.ds.Close()
	s.ds = nil
	return err
}

func (s *Source) GeoTransform() (georaster.GeoTransform, error) {
	return s.geoTransform, s.geoTransformErr
}

func (s *Source) NoData() float64 {
	return s.noData
}

// Projection returns the WKT of the dataset's spatial reference system.
func (s *Source) Projection() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ds == nil {
		return ""
	}
	return s.ds.Projection()
}

// ReadWindow implements georaster.RasterSource.ReadWindow.
func (s *Source) ReadWindow(ctx context.Context, left, top, width, height int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if left < 0 || top < 0 || width < 0 || height < 0 || left+width > s.width || top+height > s.height {
		return nil, fmt.Errorf("window (%d, %d, %d, %d) outside %dx%d raster", left, top, width, height, s.width, s.height)
	}
	window := make([]float64, width*height)
	if len(window) == 0 {
		return window, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ds == nil {
		return nil, fs.ErrClosed
	}
	if err := s.band.Read(left, top, window, width, height); err != nil {
		return nil, err
	}
	return window, nil
}

func (s *Source) Size() (int, int) {
	return s.width, s.height
}
