package georaster

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v11"
)

// A VerticalDatumService converts heights between a height system and the
// ellipsoid using a geoid undulation grid and an optional height correction
// grid.
type VerticalDatumService struct {
	gridSet        *GridSet
	geoidName      string
	correctionName string
	sourceCRS      string
	gridCRS        string
	unitScale      float64
	pj             *proj.PJ
}

// A VerticalDatumServiceOption sets an option on a VerticalDatumService.
type VerticalDatumServiceOption func(*VerticalDatumService)

// WithCorrectionGrid sets the name of the height correction grid, whose values
// are added to the geoid undulations.
func WithCorrectionGrid(name string) VerticalDatumServiceOption {
	return func(s *VerticalDatumService) {
		s.correctionName = name
	}
}

// WithCRSTransform transforms coordinates from sourceCRS to gridCRS before
// sampling. Coordinates are always longitude first or easting first,
// whatever the axis order that the CRSs declare.
func WithCRSTransform(sourceCRS, gridCRS string) VerticalDatumServiceOption {
	return func(s *VerticalDatumService) {
		s.sourceCRS = sourceCRS
		s.gridCRS = gridCRS
	}
}

// WithCoordinateScale sets the factor by which grid coordinates are divided
// to give query coordinates. It must match the unit scale of the grids'
// Resamplers, and defaults to RadiansToDegrees.
func WithCoordinateScale(unitScale float64) VerticalDatumServiceOption {
	return func(s *VerticalDatumService) {
		s.unitScale = unitScale
	}
}

// NewVerticalDatumService returns a new VerticalDatumService that samples the
// grid geoidName from gridSet.
func NewVerticalDatumService(gridSet *GridSet, geoidName string, options ...VerticalDatumServiceOption) (*VerticalDatumService, error) {
	s := &VerticalDatumService{
		gridSet:   gridSet,
		geoidName: geoidName,
		unitScale: RadiansToDegrees,
	}
	for _, option := range options {
		option(s)
	}
	if s.unitScale == 0 {
		return nil, errors.New("zero coordinate scale")
	}
	if s.sourceCRS != "" {
		pj, err := proj.NewCRSToCRS(s.sourceCRS, s.gridCRS, nil)
		if err != nil {
			return nil, fmt.Errorf("%s to %s: %w", s.sourceCRS, s.gridCRS, err)
		}
		defer pj.Destroy()
		if s.pj, err = pj.NormalizeForVisualization(); err != nil {
			return nil, fmt.Errorf("%s to %s: %w", s.sourceCRS, s.gridCRS, err)
		}
	}
	return s, nil
}

// Components returns the geoid undulations and height corrections at coords,
// whose first two elements are x and y (longitude and latitude in degrees for
// geographic CRSs). Corrections are zero if there is no correction grid.
// Points outside a grid have NaN values and contribute an *OutOfBoundsError to
// the returned error.
func (s *VerticalDatumService) Components(ctx context.Context, coords [][]float64) ([]float64, []float64, error) {
	points, err := s.points(coords)
	if err != nil {
		return nil, nil, err
	}

	undulations, undulationsErr := s.gridSet.Values(ctx, s.geoidName, points)
	if undulations == nil {
		return nil, nil, undulationsErr
	}

	corrections := make([]float64, len(coords))
	var correctionsErr error
	if s.correctionName != "" {
		corrections, correctionsErr = s.gridSet.Values(ctx, s.correctionName, points)
		if corrections == nil {
			return nil, nil, correctionsErr
		}
	}

	return undulations, corrections, errors.Join(undulationsErr, correctionsErr)
}

// Undulations returns the sum of the geoid undulation and the height
// correction at coords.
func (s *VerticalDatumService) Undulations(ctx context.Context, coords [][]float64) ([]float64, error) {
	undulations, corrections, err := s.Components(ctx, coords)
	if undulations == nil {
		return nil, err
	}
	for i, correction := range corrections {
		undulations[i] += correction
	}
	return undulations, err
}

// ToEllipsoidal adds the undulation at each coord to its height, coord[2],
// in place. Heights of points outside the grids become NaN.
func (s *VerticalDatumService) ToEllipsoidal(ctx context.Context, coords [][]float64) error {
	return s.shiftHeights(ctx, coords, 1)
}

// FromEllipsoidal subtracts the undulation at each coord from its height,
// coord[2], in place. Heights of points outside the grids become NaN.
func (s *VerticalDatumService) FromEllipsoidal(ctx context.Context, coords [][]float64) error {
	return s.shiftHeights(ctx, coords, -1)
}

func (s *VerticalDatumService) shiftHeights(ctx context.Context, coords [][]float64, sign float64) error {
	for i, coord := range coords {
		if len(coord) < 3 {
			return fmt.Errorf("coord %d: no height", i)
		}
	}
	undulations, err := s.Undulations(ctx, coords)
	if undulations == nil {
		return err
	}
	for i, undulation := range undulations {
		coords[i][2] += sign * undulation
	}
	return err
}

// points returns coords as query points in the grids' CRS.
func (s *VerticalDatumService) points(coords [][]float64) ([]orb.Point, error) {
	for i, coord := range coords {
		if len(coord) < 2 {
			return nil, fmt.Errorf("coord %d: too few dimensions", i)
		}
	}
	gridCoords := cloneCoords(coords)
	if s.pj != nil {
		if err := s.pj.ForwardFloat64Slices(gridCoords); err != nil {
			return nil, err
		}
	}
	points := make([]orb.Point, len(gridCoords))
	for i, coord := range gridCoords {
		points[i] = orb.Point{coord[0] / s.unitScale, coord[1] / s.unitScale}
		if math.IsInf(coord[0], 0) || math.IsInf(coord[1], 0) {
			points[i] = orb.Point{math.NaN(), math.NaN()}
		}
	}
	return points, nil
}

func cloneCoords(coords [][]float64) [][]float64 {
	clonedCoordsFlat := make([]float64, 2*len(coords))
	clonedCoords := make([][]float64, len(coords))
	for i, coord := range coords {
		copy(clonedCoordsFlat[2*i:2*i+2], coord)
		clonedCoords[i] = clonedCoordsFlat[2*i : 2*i+2]
	}
	return clonedCoords
}
