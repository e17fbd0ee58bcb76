package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/gcfg.v1"

	"github.com/twpayne/go-georaster"
	"github.com/twpayne/go-georaster/gdalsource"
)

type config struct {
	Grid struct {
		Path                 string
		Engine               string
		Geoid                string
		Correction           string
		CacheSize            int `gcfg:"cache-size"`
		MaxExtent            int `gcfg:"max-extent"`
		Method               string
		SymmetricSmallRaster bool    `gcfg:"symmetric-small-raster"`
		UnitScale            float64 `gcfg:"unit-scale"`
	}
	Transform struct {
		SourceCRS string `gcfg:"source-crs"`
		GridCRS   string `gcfg:"grid-crs"`
	}
	Log struct {
		Level string
	}
}

func defaultConfig() *config {
	cfg := &config{}
	cfg.Grid.Path = os.Getenv("GEORASTER_GRID_PATH")
	cfg.Grid.Engine = "geotiff"
	cfg.Grid.CacheSize = 8
	cfg.Grid.MaxExtent = georaster.DefaultMaxExtent
	cfg.Grid.Method = georaster.Bilinear.String()
	cfg.Grid.UnitScale = georaster.RadiansToDegrees
	cfg.Log.Level = "info"
	return cfg
}

var (
	configFile string
	flagConfig = defaultConfig()
)

func init() {
	flags := sampleCommand.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file")
	flags.StringVarP(&flagConfig.Grid.Path, "path", "p", flagConfig.Grid.Path, "grid directory")
	flags.StringVarP(&flagConfig.Grid.Engine, "engine", "e", flagConfig.Grid.Engine, "grid reader (geotiff or gdal)")
	flags.StringVarP(&flagConfig.Grid.Geoid, "geoid", "g", flagConfig.Grid.Geoid, "geoid undulation grid")
	flags.StringVar(&flagConfig.Grid.Correction, "correction", flagConfig.Grid.Correction, "height correction grid")
	flags.IntVar(&flagConfig.Grid.CacheSize, "cache-size", flagConfig.Grid.CacheSize, "number of open grids")
	flags.IntVar(&flagConfig.Grid.MaxExtent, "max-extent", flagConfig.Grid.MaxExtent, "window side length in cells")
	flags.StringVarP(&flagConfig.Grid.Method, "method", "m", flagConfig.Grid.Method, "resampling method (bilinear or bicubic)")
	flags.BoolVar(&flagConfig.Grid.SymmetricSmallRaster, "symmetric-small-raster", flagConfig.Grid.SymmetricSmallRaster, "read grids smaller than max-extent in both dimensions as a single window")
	flags.Float64Var(&flagConfig.Grid.UnitScale, "unit-scale", flagConfig.Grid.UnitScale, "grid units per query unit, 1 for projected grids")
	flags.StringVar(&flagConfig.Transform.SourceCRS, "source-crs", flagConfig.Transform.SourceCRS, "CRS of input coordinates")
	flags.StringVar(&flagConfig.Transform.GridCRS, "grid-crs", flagConfig.Transform.GridCRS, "CRS of the grids")
	flags.StringVar(&flagConfig.Log.Level, "log-level", flagConfig.Log.Level, "log level")
}

func main() {
	if err := sampleCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var sampleCommand = &cobra.Command{
	Use:   "georaster-sample [flags] [x,y[,h]]...",
	Short: "sample geoid undulations and height corrections",
	Long: "Sample geoid undulations and height corrections at points given as " +
		"arguments or, if there are none, as lines on stdin. Each output line " +
		"contains the point, the undulation, and, if the point has a height, " +
		"the ellipsoidal height.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		service, gridSet, err := newService(cfg, logger)
		if err != nil {
			return err
		}
		defer gridSet.Close()

		var coords [][]float64
		if len(args) > 0 {
			for _, arg := range args {
				coord, err := parseCoord(arg)
				if err != nil {
					return err
				}
				coords = append(coords, coord)
			}
		} else {
			coords, err = readCoords(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}

		undulations, err := service.Undulations(cmd.Context(), coords)
		if undulations == nil {
			return err
		}
		logOutOfBounds(logger, err)

		w := bufio.NewWriter(cmd.OutOrStdout())
		for i, coord := range coords {
			fields := []string{formatFloat(coord[0]), formatFloat(coord[1]), formatFloat(undulations[i])}
			if len(coord) > 2 {
				fields = append(fields, formatFloat(coord[2]+undulations[i]))
			}
			if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

// loadConfig returns the default configuration overridden by the
// configuration file and then by explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config, error) {
	cfg := defaultConfig()
	if configFile != "" {
		if err := gcfg.ReadFileInto(cfg, configFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	for name, apply := range map[string]func(){
		"path":                   func() { cfg.Grid.Path = flagConfig.Grid.Path },
		"engine":                 func() { cfg.Grid.Engine = flagConfig.Grid.Engine },
		"geoid":                  func() { cfg.Grid.Geoid = flagConfig.Grid.Geoid },
		"correction":             func() { cfg.Grid.Correction = flagConfig.Grid.Correction },
		"cache-size":             func() { cfg.Grid.CacheSize = flagConfig.Grid.CacheSize },
		"max-extent":             func() { cfg.Grid.MaxExtent = flagConfig.Grid.MaxExtent },
		"method":                 func() { cfg.Grid.Method = flagConfig.Grid.Method },
		"symmetric-small-raster": func() { cfg.Grid.SymmetricSmallRaster = flagConfig.Grid.SymmetricSmallRaster },
		"unit-scale":             func() { cfg.Grid.UnitScale = flagConfig.Grid.UnitScale },
		"source-crs":             func() { cfg.Transform.SourceCRS = flagConfig.Transform.SourceCRS },
		"grid-crs":               func() { cfg.Transform.GridCRS = flagConfig.Transform.GridCRS },
		"log-level":              func() { cfg.Log.Level = flagConfig.Log.Level },
	} {
		if flags.Changed(name) {
			apply()
		}
	}

	switch {
	case cfg.Grid.Path == "":
		return nil, errors.New("no grid path")
	case cfg.Grid.Geoid == "":
		return nil, errors.New("no geoid grid")
	case cfg.Transform.SourceCRS != "" && cfg.Transform.GridCRS == "":
		return nil, errors.New("source CRS without grid CRS")
	}
	return cfg, nil
}

func newService(cfg *config, logger *slog.Logger) (*georaster.VerticalDatumService, *georaster.GridSet, error) {
	method, err := georaster.ParseMethod(cfg.Grid.Method)
	if err != nil {
		return nil, nil, err
	}
	resamplerOptions := []georaster.ResamplerOption{
		georaster.WithMaxExtent(cfg.Grid.MaxExtent),
		georaster.WithMethod(method),
		georaster.WithUnitScale(cfg.Grid.UnitScale),
	}
	if cfg.Grid.SymmetricSmallRaster {
		resamplerOptions = append(resamplerOptions, georaster.WithSmallRasterFunc(georaster.SymmetricSmallRaster))
	}

	gridSetOptions := []georaster.GridSetOption{
		georaster.WithCacheSize(cfg.Grid.CacheSize),
		georaster.WithGridSetLogger(logger),
		georaster.WithResamplerOptions(resamplerOptions...),
	}
	switch cfg.Grid.Engine {
	case "geotiff":
		gridSetOptions = append(gridSetOptions, georaster.WithFS(os.DirFS(cfg.Grid.Path)))
	case "gdal":
		gridSetOptions = append(gridSetOptions, georaster.WithOpenFunc(gdalsource.OpenFunc(cfg.Grid.Path)))
	default:
		return nil, nil, fmt.Errorf("%s: unknown engine", cfg.Grid.Engine)
	}
	gridSet, err := georaster.NewGridSet(gridSetOptions...)
	if err != nil {
		return nil, nil, err
	}

	serviceOptions := []georaster.VerticalDatumServiceOption{
		georaster.WithCoordinateScale(cfg.Grid.UnitScale),
	}
	if cfg.Grid.Correction != "" {
		serviceOptions = append(serviceOptions, georaster.WithCorrectionGrid(cfg.Grid.Correction))
	}
	if cfg.Transform.SourceCRS != "" {
		serviceOptions = append(serviceOptions, georaster.WithCRSTransform(cfg.Transform.SourceCRS, cfg.Transform.GridCRS))
	}
	service, err := georaster.NewVerticalDatumService(gridSet, cfg.Grid.Geoid, serviceOptions...)
	if err != nil {
		_ = gridSet.Close()
		return nil, nil, err
	}
	return service, gridSet, nil
}

// parseCoord parses a coordinate from two or three comma or space separated
// numbers.
func parseCoord(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%q: invalid coordinate", s)
	}
	coord := make([]float64, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		coord = append(coord, value)
	}
	return coord, nil
}

func readCoords(r io.Reader) ([][]float64, error) {
	var coords [][]float64
	scanner := bufio.NewScanner(r)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		coord, err := parseCoord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		coords = append(coords, coord)
	}
	return coords, scanner.Err()
}

// logOutOfBounds logs a warning for each error joined in err.
func logOutOfBounds(logger *slog.Logger, err error) {
	var outOfBoundsErr *georaster.OutOfBoundsError
	switch joinedErr, ok := err.(interface{ Unwrap() []error }); {
	case err == nil:
	case ok:
		for _, err := range joinedErr.Unwrap() {
			logOutOfBounds(logger, err)
		}
	case errors.As(err, &outOfBoundsErr):
		logger.Warn("point outside grid",
			slog.Int("index", outOfBoundsErr.Index),
			slog.Float64("pixel", outOfBoundsErr.Pixel),
			slog.Float64("line", outOfBoundsErr.Line),
		)
	default:
		logger.Warn("sample", slog.Any("err", err))
	}
}

func formatFloat(value float64) string {
	if math.IsNaN(value) {
		return "nan"
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
