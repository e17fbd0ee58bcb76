package georaster

import (
	"errors"
	"fmt"
)

var (
	// ErrBackingStore is matched by every *BackingStoreError.
	ErrBackingStore = errors.New("backing store error")
	// ErrOutOfBounds is matched by every *OutOfBoundsError.
	ErrOutOfBounds = errors.New("point outside raster")
)

// A BackingStoreError is returned when a raster cannot be opened or read, or
// when its geotransform cannot be inverted. The Resampler that returned it
// should not be used further.
type BackingStoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *BackingStoreError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *BackingStoreError) Unwrap() error {
	return e.Err
}

func (e *BackingStoreError) Is(target error) bool {
	return target == ErrBackingStore
}

// An OutOfBoundsError is returned for a query point whose raster coordinate
// lies outside the raster. Index is the point's index in a batch query, or -1
// for single point queries.
type OutOfBoundsError struct {
	Index  int
	Pixel  float64
	Line   float64
	Width  int
	Height int
}

func (e *OutOfBoundsError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("(%g, %g): outside %dx%d raster", e.Pixel, e.Line, e.Width, e.Height)
	}
	return fmt.Sprintf("point %d: (%g, %g): outside %dx%d raster", e.Index, e.Pixel, e.Line, e.Width, e.Height)
}

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}
