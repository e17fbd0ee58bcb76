package georaster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	windowCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_window_cache_hits_total",
		Help: "The total number of points resolved from an already cached window",
	})
	windowCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_window_cache_misses_total",
		Help: "The total number of points that required a new window",
	})
	windowFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_window_fills_total",
		Help: "The total number of windows read from raster sources",
	})
	windowCellsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_window_cells_read_total",
		Help: "The total number of cells read into windows",
	})
	outOfBoundsPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georaster_out_of_bounds_total",
		Help: "The total number of query points outside their raster",
	})
)

var (
	errNonInvertibleGeoTransform = errors.New("geotransform is not invertible")
	errShortWindow               = errors.New("short window")
)

// A Method is a resampling method.
type Method int

const (
	Bilinear Method = iota
	Bicubic
)

func (m Method) String() string {
	switch m {
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod parses a Method from its name.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "bilinear":
		return Bilinear, nil
	case "bicubic":
		return Bicubic, nil
	default:
		return 0, fmt.Errorf("%s: unknown method", s)
	}
}

// neighbourhood returns how many cells before and after a cell m reads.
func (m Method) neighbourhood() (int, int) {
	if m == Bicubic {
		return 1, 2
	}
	return 0, 1
}

// A SmallRasterFunc returns whether a raster of the given size should always
// be read as a single window by batch queries.
type SmallRasterFunc func(width, height, maxExtent int) bool

// LegacySmallRaster flags rasters that are narrower than maxExtent but taller
// than it. The asymmetry is inherited from earlier implementations; see
// SymmetricSmallRaster.
func LegacySmallRaster(width, height, maxExtent int) bool {
	return width < maxExtent && height > maxExtent
}

// SymmetricSmallRaster flags rasters that are smaller than maxExtent in both
// dimensions.
func SymmetricSmallRaster(width, height, maxExtent int) bool {
	return width < maxExtent && height < maxExtent
}

// A Resampler returns interpolated values from a RasterSource at map
// coordinates. It caches a single window of cells and replaces it whenever a
// query falls outside it.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	source          RasterSource
	name            string
	width           int
	height          int
	noData          float64
	inverse         GeoTransform
	unitScale       float64
	maxExtent       int
	method          Method
	smallRasterFunc SmallRasterFunc
	small           bool
	window          *Window
	logger          *slog.Logger
}

// A ResamplerOption sets an option on a Resampler.
type ResamplerOption func(*Resampler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResamplerOption {
	return func(r *Resampler) {
		r.logger = logger
	}
}

// WithMaxExtent sets the side length of the windows requested for queries
// spread over a large area.
func WithMaxExtent(maxExtent int) ResamplerOption {
	return func(r *Resampler) {
		r.maxExtent = maxExtent
	}
}

func WithMethod(method Method) ResamplerOption {
	return func(r *Resampler) {
		r.method = method
	}
}

// WithName sets the name used in errors and log messages.
func WithName(name string) ResamplerOption {
	return func(r *Resampler) {
		r.name = name
	}
}

func WithSmallRasterFunc(smallRasterFunc SmallRasterFunc) ResamplerOption {
	return func(r *Resampler) {
		r.smallRasterFunc = smallRasterFunc
	}
}

// WithUnitScale sets the factor applied to query coordinates before the
// inverse geotransform. The default, RadiansToDegrees, suits geographic
// rasters queried in radians.
func WithUnitScale(unitScale float64) ResamplerOption {
	return func(r *Resampler) {
		r.unitScale = unitScale
	}
}

// NewResampler returns a new Resampler reading from source. On success, the
// Resampler owns source and closes it when it is closed.
func NewResampler(source RasterSource, options ...ResamplerOption) (*Resampler, error) {
	r := &Resampler{
		source:          source,
		unitScale:       RadiansToDegrees,
		maxExtent:       DefaultMaxExtent,
		smallRasterFunc: LegacySmallRaster,
		logger:          slog.Default(),
	}
	for _, option := range options {
		option(r)
	}

	r.width, r.height = source.Size()
	if r.width <= 0 || r.height <= 0 {
		return nil, &BackingStoreError{
			Op:   "open",
			Name: r.name,
			Err:  fmt.Errorf("invalid raster size %dx%d", r.width, r.height),
		}
	}
	if r.maxExtent < 1 {
		return nil, fmt.Errorf("%d: invalid maximum extent", r.maxExtent)
	}

	geoTransform, err := source.GeoTransform()
	if err != nil {
		return nil, &BackingStoreError{Op: "open", Name: r.name, Err: err}
	}
	var ok bool
	if r.inverse, ok = geoTransform.Invert(); !ok {
		return nil, &BackingStoreError{Op: "open", Name: r.name, Err: errNonInvertibleGeoTransform}
	}
	r.noData = source.NoData()
	r.small = r.smallRasterFunc(r.width, r.height, r.maxExtent)

	r.logger.Debug("opened raster",
		slog.String("name", r.name),
		slog.Int("width", r.width),
		slog.Int("height", r.height),
		slog.Float64("noData", r.noData),
		slog.Bool("small", r.small),
		slog.String("method", r.method.String()),
	)

	return r, nil
}

// Open opens the GeoTIFF name in fsys and returns a Resampler for it.
func Open(fsys fs.FS, name string, options ...ResamplerOption) (*Resampler, error) {
	source, err := NewGeoTIFFSource(fsys, name)
	if err != nil {
		return nil, &BackingStoreError{Op: "open", Name: name, Err: err}
	}
	r, err := NewResampler(source, slices.Concat([]ResamplerOption{WithName(name)}, options)...)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	return r, nil
}

// Close releases r's window and closes its source.
func (r *Resampler) Close() error {
	r.window = nil
	return r.source.Close()
}

// Size returns the size of r's raster.
func (r *Resampler) Size() (int, int) {
	return r.width, r.height
}

// NoData returns the no-data value of r's raster.
func (r *Resampler) NoData() float64 {
	return r.noData
}

// Small returns whether batch queries always read r's raster as a single
// window.
func (r *Resampler) Small() bool {
	return r.small
}

// Window returns r's current window, or nil if r has no window.
func (r *Resampler) Window() *Window {
	return r.window
}

// MapToRaster returns the raster coordinates (pixel, line) of the map
// coordinates (x, y).
func (r *Resampler) MapToRaster(x, y float64) (float64, float64) {
	k, inv := r.unitScale, &r.inverse
	return inv[0] + x*inv[1]*k + y*inv[2]*k, inv[3] + x*inv[4]*k + y*inv[5]*k
}

// Value returns the interpolated value at the map coordinates (x, y). If the
// point is outside the raster it returns NaN and an *OutOfBoundsError.
func (r *Resampler) Value(ctx context.Context, x, y float64) (float64, error) {
	px, py := r.MapToRaster(x, y)
	if !r.inBounds(px, py) {
		outOfBoundsPoints.Inc()
		return math.NaN(), r.outOfBoundsError(-1, px, py)
	}
	if r.window.Covers(r.neighbourhood(px, py)) {
		windowCacheHits.Inc()
	} else {
		windowCacheMisses.Inc()
		if err := r.fill(ctx, r.windowAround(px, py)); err != nil {
			return math.NaN(), err
		}
	}
	return r.sample(px, py), nil
}

// Values returns the interpolated values at points, which are in map
// coordinates. Points outside the raster have value NaN and contribute an
// *OutOfBoundsError to the returned error, which joins all of them. Read
// errors abort the query.
func (r *Resampler) Values(ctx context.Context, points []orb.Point) ([]float64, error) {
	values := make([]float64, len(points))
	pixels := make([]orb.Point, len(points))
	pending := make([]int, 0, len(points))
	var errs []error
	for i, point := range points {
		px, py := r.MapToRaster(point[0], point[1])
		if !r.inBounds(px, py) {
			outOfBoundsPoints.Inc()
			values[i] = math.NaN()
			errs = append(errs, r.outOfBoundsError(i, px, py))
			continue
		}
		pixels[i] = orb.Point{px, py}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		pendingPixels := make(orb.MultiPoint, 0, len(pending))
		for _, i := range pending {
			pendingPixels = append(pendingPixels, pixels[i])
		}
		bound := pendingPixels.Bound()
		extent := float64(r.maxExtent)
		var err error
		if r.small || (bound.Max[0]-bound.Min[0] < extent && bound.Max[1]-bound.Min[1] < extent) {
			err = r.resolveSinglePatch(ctx, pixels, pending, values)
		} else {
			err = r.resolveMultiWindow(ctx, pixels, pending, values)
		}
		if err != nil {
			return nil, err
		}
	}

	return values, errors.Join(errs...)
}

// resolveSinglePatch samples all pending pixels from one window covering all
// of them.
func (r *Resampler) resolveSinglePatch(ctx context.Context, pixels []orb.Point, pending []int, values []float64) error {
	var bounds image.Rectangle
	for _, i := range pending {
		bounds = bounds.Union(r.neighbourhood(pixels[i][0], pixels[i][1]))
	}
	if r.window.Covers(bounds) {
		windowCacheHits.Add(float64(len(pending)))
	} else {
		windowCacheMisses.Add(float64(len(pending)))
		if err := r.fill(ctx, bounds); err != nil {
			return err
		}
	}
	for _, i := range pending {
		values[i] = r.sample(pixels[i][0], pixels[i][1])
	}
	return nil
}

// resolveMultiWindow samples pending pixels one window at a time. Each window
// is centered on the first unresolved pixel, so every iteration resolves at
// least one pixel and at most len(pending) windows are read.
func (r *Resampler) resolveMultiWindow(ctx context.Context, pixels []orb.Point, pending []int, values []float64) error {
	for len(pending) > 0 {
		seed := pixels[pending[0]]
		if !r.window.Covers(r.neighbourhood(seed[0], seed[1])) {
			windowCacheMisses.Inc()
			if err := r.fill(ctx, r.windowAround(seed[0], seed[1])); err != nil {
				return err
			}
		} else {
			windowCacheHits.Inc()
		}
		values[pending[0]] = r.sample(seed[0], seed[1])
		remaining := pending[:0]
		for _, i := range pending[1:] {
			pixel := pixels[i]
			if !r.window.Covers(r.neighbourhood(pixel[0], pixel[1])) {
				remaining = append(remaining, i)
				continue
			}
			windowCacheHits.Inc()
			values[i] = r.sample(pixel[0], pixel[1])
		}
		pending = remaining
	}
	return nil
}

// fill replaces r's window with the cells in bounds.
func (r *Resampler) fill(ctx context.Context, bounds image.Rectangle) error {
	r.window = nil
	data, err := r.source.ReadWindow(ctx, bounds.Min.X, bounds.Min.Y, bounds.Dx(), bounds.Dy())
	if err != nil {
		return &BackingStoreError{Op: "read", Name: r.name, Err: err}
	}
	if len(data) != bounds.Dx()*bounds.Dy() {
		return &BackingStoreError{Op: "read", Name: r.name, Err: errShortWindow}
	}
	r.window = &Window{
		Bounds: bounds,
		Data:   data,
	}
	windowFills.Inc()
	windowCellsRead.Add(float64(len(data)))
	r.logger.Debug("filled window",
		slog.String("name", r.name),
		slog.String("bounds", bounds.String()),
		slog.Int("cells", len(data)),
	)
	return nil
}

// inBounds returns whether (px, py) is inside r's raster. NaNs are not.
func (r *Resampler) inBounds(px, py float64) bool {
	return px >= 0 && px < float64(r.width) && py >= 0 && py < float64(r.height)
}

// neighbourhood returns the cells needed to interpolate at (px, py), clipped
// to r's raster.
func (r *Resampler) neighbourhood(px, py float64) image.Rectangle {
	x, y := int(math.Floor(px)), int(math.Floor(py))
	before, after := r.method.neighbourhood()
	return image.Rect(
		max(x-before, 0),
		max(y-before, 0),
		min(x+after, r.width-1)+1,
		min(y+after, r.height-1)+1,
	)
}

// windowAround returns a window of r.maxExtent cells centered on (px, py),
// clipped to r's raster and always covering the neighbourhood of (px, py).
func (r *Resampler) windowAround(px, py float64) image.Rectangle {
	x, y := int(math.Floor(px)), int(math.Floor(py))
	left, top := x-r.maxExtent/2, y-r.maxExtent/2
	window := image.Rect(left, top, left+r.maxExtent, top+r.maxExtent)
	rasterBounds := image.Rect(0, 0, r.width, r.height)
	return window.Union(r.neighbourhood(px, py)).Intersect(rasterBounds)
}

// cell returns the value of the cell at (x, y), clamped to r's raster. The
// clamped cell must be in r's window.
func (r *Resampler) cell(x, y int) float64 {
	return r.window.At(min(max(x, 0), r.width-1), min(max(y, 0), r.height-1))
}

// sample interpolates at (px, py), whose neighbourhood must be in r's window.
func (r *Resampler) sample(px, py float64) float64 {
	x, y := int(math.Floor(px)), int(math.Floor(py))
	dx, dy := px-float64(x), py-float64(y)
	if r.method == Bicubic {
		var p [4][4]float64
		for i := range 4 {
			for j := range 4 {
				value := r.cell(x-1+i, y-1+j)
				if isNoData(value, r.noData) {
					return r.bilinear(x, y, dx, dy)
				}
				p[i][j] = value
			}
		}
		return BicubicInterpolate(p, dx, dy)
	}
	return r.bilinear(x, y, dx, dy)
}

func (r *Resampler) bilinear(x, y int, dx, dy float64) float64 {
	return BilinearInterpolate([4]float64{
		r.cell(x, y),
		r.cell(x+1, y),
		r.cell(x, y+1),
		r.cell(x+1, y+1),
	}, dx, dy, r.noData)
}

func (r *Resampler) outOfBoundsError(index int, px, py float64) *OutOfBoundsError {
	return &OutOfBoundsError{
		Index:  index,
		Pixel:  px,
		Line:   py,
		Width:  r.width,
		Height: r.height,
	}
}
