package georaster

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missingGridCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_missing_grid_cache_hits_total",
		Help: "The total number of hits on the missing grid cache",
	})
	missingGridCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_missing_grid_cache_misses_total",
		Help: "The total number of misses on the missing grid cache",
	})
	gridCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_grid_cache_hits_total",
		Help: "The total number of hits on the grid cache",
	})
	gridCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_grid_cache_misses_total",
		Help: "The total number of misses on the grid cache",
	})
	gridCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_grid_cache_evictions_total",
		Help: "The total number of evictions from the grid cache",
	})
)

var errNoOpenFunc = errors.New("no filesystem or open function")

// An OpenFunc opens the raster source for a grid name. It should return an
// error matching fs.ErrNotExist if the grid does not exist.
type OpenFunc func(name string) (RasterSource, error)

// A grid is an open Resampler. Its mutex serialises use of the Resampler,
// which is nil once the grid has been evicted.
type grid struct {
	mutex     sync.Mutex
	resampler *Resampler
}

// A GridSet is a set of named grids that are opened on demand and kept open in
// an LRU cache. It is safe for concurrent use.
type GridSet struct {
	mutex            sync.Mutex
	openFunc         OpenFunc
	resamplerOptions []ResamplerOption
	cacheSize        int
	missingGrids     sync.Map
	gridCache        *lru.Cache[string, *grid]
	logger           *slog.Logger
}

// A GridSetOption sets an option on a GridSet.
type GridSetOption func(*GridSet)

// NewGridSet returns a new GridSet with the given options.
func NewGridSet(options ...GridSetOption) (*GridSet, error) {
	s := &GridSet{
		cacheSize: 8,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if s.openFunc == nil {
		return nil, errNoOpenFunc
	}

	var err error
	s.gridCache, err = lru.NewWithEvict(s.cacheSize, func(name string, g *grid) {
		g.mutex.Lock()
		defer g.mutex.Unlock()
		if err := g.resampler.Close(); err != nil {
			s.logger.Warn("close grid", slog.String("name", name), slog.Any("err", err))
		}
		g.resampler = nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WithCacheSize sets the maximum number of open grids.
func WithCacheSize(cacheSize int) GridSetOption {
	return func(s *GridSet) {
		s.cacheSize = cacheSize
	}
}

// WithFS sets the filesystem from which grids are opened as GeoTIFFs.
func WithFS(fsys fs.FS, options ...GeoTIFFSourceOption) GridSetOption {
	return func(s *GridSet) {
		s.openFunc = func(name string) (RasterSource, error) {
			return NewGeoTIFFSource(fsys, name, options...)
		}
	}
}

func WithGridSetLogger(logger *slog.Logger) GridSetOption {
	return func(s *GridSet) {
		s.logger = logger
	}
}

func WithOpenFunc(openFunc OpenFunc) GridSetOption {
	return func(s *GridSet) {
		s.openFunc = openFunc
	}
}

func WithResamplerOptions(resamplerOptions ...ResamplerOption) GridSetOption {
	return func(s *GridSet) {
		s.resamplerOptions = resamplerOptions
	}
}

// Close closes all open grids.
func (s *GridSet) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.gridCache.Purge()
	return nil
}

// Value returns the value of grid name at the map coordinates (x, y). If the
// grid does not exist it returns NaN.
func (s *GridSet) Value(ctx context.Context, name string, x, y float64) (float64, error) {
	value := math.NaN()
	err := s.withResampler(name, func(r *Resampler) error {
		var err error
		value, err = r.Value(ctx, x, y)
		return err
	})
	return value, err
}

// Values returns the values of grid name at points. If the grid does not
// exist all values are NaN. Errors are as for Resampler.Values.
func (s *GridSet) Values(ctx context.Context, name string, points []orb.Point) ([]float64, error) {
	var values []float64
	switch err := s.withResampler(name, func(r *Resampler) error {
		var err error
		values, err = r.Values(ctx, points)
		return err
	}); {
	case err != nil:
		return values, err
	case values == nil:
		values = slices.Repeat([]float64{math.NaN()}, len(points))
		return values, nil
	default:
		return values, nil
	}
}

// withResampler calls f with the Resampler for grid name, holding the grid's
// lock. f is not called if the grid does not exist.
func (s *GridSet) withResampler(name string, f func(*Resampler) error) error {
	for {
		g, err := s.getGridCached(name)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
		g.mutex.Lock()
		if g.resampler == nil {
			// Evicted between lookup and lock.
			g.mutex.Unlock()
			continue
		}
		err = f(g.resampler)
		g.mutex.Unlock()
		return err
	}
}

// getGrid opens grid name. It returns nil if the grid does not exist.
func (s *GridSet) getGrid(name string) (*grid, error) {
	switch source, err := s.openFunc(name); {
	case errors.Is(err, fs.ErrNotExist):
		s.missingGrids.Store(name, struct{}{})
		missingGridCacheMisses.Inc()
		s.logger.Debug("missing grid", slog.String("name", name))
		return nil, nil
	case err != nil:
		return nil, &BackingStoreError{Op: "open", Name: name, Err: err}
	default:
		options := slices.Concat(
			[]ResamplerOption{WithName(name), WithLogger(s.logger)},
			s.resamplerOptions,
		)
		resampler, err := NewResampler(source, options...)
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		s.logger.Debug("opened grid", slog.String("name", name))
		return &grid{resampler: resampler}, nil
	}
}

// getGridCached returns grid name, using the cache if possible.
func (s *GridSet) getGridCached(name string) (*grid, error) {
	if _, ok := s.missingGrids.Load(name); ok {
		missingGridCacheHits.Inc()
		return nil, nil
	}

	if g, ok := s.gridCache.Get(name); ok {
		gridCacheHits.Inc()
		return g, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.missingGrids.Load(name); ok {
		missingGridCacheHits.Inc()
		return nil, nil
	}

	if g, ok := s.gridCache.Get(name); ok {
		gridCacheHits.Inc()
		return g, nil
	}

	gridCacheMisses.Inc()

	g, err := s.getGrid(name)
	if err != nil || g == nil {
		return nil, err
	}

	if eviction := s.gridCache.Add(name, g); eviction {
		gridCacheEvictions.Inc()
	}

	return g, nil
}
