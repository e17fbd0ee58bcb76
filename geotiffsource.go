package georaster

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionAdobeDeflate = 32946
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var (
	errShortRead          = errors.New("short read")
	errNoGeoreferencing   = errors.New("no georeferencing")
	errWindowOutsideImage = errors.New("window outside image")
)

// A geoTIFFFile is an open file that can be parsed by
// github.com/google/tiff and read at arbitrary offsets.
type geoTIFFFile interface {
	fs.File
	io.ReaderAt
	io.Seeker
}

// A GeoTIFFSource is a RasterSource reading the first band of a
// single-sample, little-endian GeoTIFF. Tiled and stripped layouts are
// supported, either uncompressed or compressed with LZW or Deflate.
type GeoTIFFSource struct {
	file                geoTIFFFile
	imageWidth          int
	imageLength         int
	tiled               bool
	blockWidth          int
	blockLength         int
	blocksAcross        int
	blocksDown          int
	blockOffsets        []uint64
	blockByteCounts     []uint64
	compression         uint16
	sampleFormat        uint16
	bytesPerSample      int
	blockCacheSizeBytes int
	blockCache          *otter.Cache[TileCoord, []float64]
	geoTransform        GeoTransform
	geoTransformErr     error
	noData              float64
	geoKeys             *ParsedGeoKeys
}

// A GeoTIFFSourceOption sets an option on a GeoTIFFSource.
type GeoTIFFSourceOption func(*GeoTIFFSource)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint32    `tiff:"field,tag=256"`
	ImageLength               uint32    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint32    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint32    `tiff:"field,tag=322"`
	TileLength                uint32    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag    []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetadata              string    `tiff:"field,tag=42112"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// NewGeoTIFFSource returns a new GeoTIFFSource reading filename from fsys.
func NewGeoTIFFSource(fsys fs.FS, filename string, options ...GeoTIFFSourceOption) (*GeoTIFFSource, error) {
	var err error
	ok := false

	s := &GeoTIFFSource{
		blockCacheSizeBytes: 32 << 20, // 32MB.
	}
	for _, option := range options {
		option(s)
	}

	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = file.Close()
		}
	}()
	readerAtFile, isReaderAt := file.(geoTIFFFile)
	if !isReaderAt {
		return nil, errors.ErrUnsupported
	}
	s.file = readerAtFile

	byteOrder := make([]byte, 2)
	if n, err := s.file.ReadAt(byteOrder, 0); n != len(byteOrder) {
		if err != nil {
			return nil, err
		}
		return nil, errShortRead
	}
	if string(byteOrder) != "II" {
		return nil, errors.ErrUnsupported
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	tiffTIFF, err := tiff.Parse(s.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) < 1 {
		return nil, errors.New("no IFDs")
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}
	if err := s.setLayout(&ifd); err != nil {
		return nil, err
	}

	if len(ifd.GeoKeyDirectoryTag) != 0 {
		s.geoKeys, err = ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
		if err != nil {
			return nil, fmt.Errorf("geokeys: %w", err)
		}
	}
	s.geoTransform, s.geoTransformErr = s.parseGeoTransform(&ifd)

	s.noData = math.NaN()
	if noData := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00")); noData != "" {
		if s.noData, err = strconv.ParseFloat(noData, 64); err != nil {
			return nil, fmt.Errorf("nodata: %w", err)
		}
	}

	blockCacheCount := max(s.blockCacheSizeBytes/(s.blockWidth*s.blockLength*8), 1)
	s.blockCache, err = otter.New(&otter.Options[TileCoord, []float64]{
		MaximumSize: blockCacheCount,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// WithBlockCacheSize sets the size of the decoded block cache in bytes.
func WithBlockCacheSize(blockCacheSize int) GeoTIFFSourceOption {
	return func(s *GeoTIFFSource) {
		s.blockCacheSizeBytes = blockCacheSize
	}
}

// setLayout validates the IFD and sets s's image and block layout.
func (s *GeoTIFFSource) setLayout(ifd *geoTIFFIFD) error {
	if ifd.SamplesPerPixel > 1 ||
		ifd.PlanarConfiguration > 1 ||
		ifd.Predictor > 1 {
		return errors.ErrUnsupported
	}
	switch ifd.Compression {
	case 0:
		s.compression = compressionNone
	case compressionNone, compressionLZW, compressionDeflate, compressionAdobeDeflate:
		s.compression = ifd.Compression
	default:
		return errors.ErrUnsupported
	}

	s.sampleFormat = max(ifd.SampleFormat, sampleFormatUint)
	switch [2]uint16{s.sampleFormat, ifd.BitsPerSample} {
	case [2]uint16{sampleFormatUint, 8},
		[2]uint16{sampleFormatUint, 16},
		[2]uint16{sampleFormatInt, 16},
		[2]uint16{sampleFormatInt, 32},
		[2]uint16{sampleFormatFloat, 32},
		[2]uint16{sampleFormatFloat, 64}:
		s.bytesPerSample = int(ifd.BitsPerSample) / 8
	default:
		return errors.ErrUnsupported
	}

	s.imageWidth = int(ifd.ImageWidth)
	s.imageLength = int(ifd.ImageLength)
	if s.imageWidth == 0 || s.imageLength == 0 {
		return errors.New("empty image")
	}
	if ifd.TileWidth != 0 {
		s.tiled = true
		s.blockWidth = int(ifd.TileWidth)
		s.blockLength = int(ifd.TileLength)
		s.blockOffsets = ifd.TileOffsets
		s.blockByteCounts = ifd.TileByteCounts
	} else {
		s.blockWidth = s.imageWidth
		s.blockLength = s.imageLength
		if ifd.RowsPerStrip != 0 && int(ifd.RowsPerStrip) < s.imageLength {
			s.blockLength = int(ifd.RowsPerStrip)
		}
		s.blockOffsets = ifd.StripOffsets
		s.blockByteCounts = ifd.StripByteCounts
	}
	if s.blockWidth == 0 || s.blockLength == 0 {
		return errors.New("empty blocks")
	}
	s.blocksAcross = (s.imageWidth + s.blockWidth - 1) / s.blockWidth
	s.blocksDown = (s.imageLength + s.blockLength - 1) / s.blockLength
	blocksPerImage := s.blocksAcross * s.blocksDown
	if len(s.blockByteCounts) != blocksPerImage || len(s.blockOffsets) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	return nil
}

// parseGeoTransform returns the geotransform described by ifd.
func (s *GeoTIFFSource) parseGeoTransform(ifd *geoTIFFIFD) (GeoTransform, error) {
	var geoTransform GeoTransform
	switch m, scale, tiepoint := ifd.ModelTransformationTag, ifd.ModelPixelScaleTag, ifd.ModelTiepointTag; {
	case len(m) == 16:
		geoTransform = GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
	case len(scale) >= 2 && len(tiepoint) >= 6:
		geoTransform = GeoTransform{
			tiepoint[3] - tiepoint[0]*scale[0], scale[0], 0,
			tiepoint[4] + tiepoint[1]*scale[1], 0, -scale[1],
		}
	default:
		return GeoTransform{}, errNoGeoreferencing
	}
	if s.geoKeys != nil && s.geoKeys.PixelIsPoint() {
		geoTransform[0] -= 0.5*geoTransform[1] + 0.5*geoTransform[2]
		geoTransform[3] -= 0.5*geoTransform[4] + 0.5*geoTransform[5]
	}
	return geoTransform, nil
}

func (s *GeoTIFFSource) Close() error {
	return s.file.Close()
}

// CRS returns the EPSG code of s's horizontal CRS, if known.
func (s *GeoTIFFSource) CRS() (string, bool) {
	if s.geoKeys == nil {
		return "", false
	}
	return s.geoKeys.CRS()
}

// GeoKeys returns s's parsed geokeys, or nil if s has none.
func (s *GeoTIFFSource) GeoKeys() *ParsedGeoKeys {
	return s.geoKeys
}

func (s *GeoTIFFSource) GeoTransform() (GeoTransform, error) {
	return s.geoTransform, s.geoTransformErr
}

func (s *GeoTIFFSource) NoData() float64 {
	return s.noData
}

func (s *GeoTIFFSource) Size() (int, int) {
	return s.imageWidth, s.imageLength
}

// ReadWindow implements RasterSource.ReadWindow. Blocks are decoded once and
// cached.
func (s *GeoTIFFSource) ReadWindow(ctx context.Context, left, top, width, height int) ([]float64, error) {
	if left < 0 || top < 0 || width < 0 || height < 0 || left+width > s.imageWidth || top+height > s.imageLength {
		return nil, errWindowOutsideImage
	}
	window := make([]float64, width*height)
	if width == 0 || height == 0 {
		return window, nil
	}
	for r := top / s.blockLength; r <= (top+height-1)/s.blockLength; r++ {
		for c := left / s.blockWidth; c <= (left+width-1)/s.blockWidth; c++ {
			blockSamples, err := s.getBlockSamplesCached(ctx, TileCoord{C: c, R: r})
			if err != nil {
				return nil, err
			}
			blockLeft, blockTop := c*s.blockWidth, r*s.blockLength
			x0, x1 := max(left, blockLeft), min(left+width, blockLeft+s.blockWidth)
			y0, y1 := max(top, blockTop), min(top+height, blockTop+s.blockLength)
			for y := y0; y < y1; y++ {
				src := blockSamples[(y-blockTop)*s.blockWidth+(x0-blockLeft):]
				copy(window[(y-top)*width+(x0-left):(y-top)*width+(x1-left)], src)
			}
		}
	}
	return window, nil
}

// blockRows returns the number of rows stored in the block at blockCoord.
// Tiles are always full; the last strip may be short.
func (s *GeoTIFFSource) blockRows(blockCoord TileCoord) int {
	if s.tiled {
		return s.blockLength
	}
	return min(s.blockLength, s.imageLength-blockCoord.R*s.blockLength)
}

// getCompressedBlockData returns the compressed data of the block at
// blockCoord.
func (s *GeoTIFFSource) getCompressedBlockData(blockCoord TileCoord) ([]byte, error) {
	blockIndex := blockCoord.C + s.blocksAcross*blockCoord.R
	blockByteCount := s.blockByteCounts[blockIndex]
	blockOffset := s.blockOffsets[blockIndex]
	compressedData := make([]byte, blockByteCount)
	if n, err := s.file.ReadAt(compressedData, int64(blockOffset)); n != len(compressedData) {
		if err != nil {
			return nil, err
		}
		return nil, errShortRead
	}
	return compressedData, nil
}

// decompressBlockData decompresses compressedData into size bytes.
func (s *GeoTIFFSource) decompressBlockData(compressedData []byte, size int) ([]byte, error) {
	var r io.Reader
	switch s.compression {
	case compressionNone:
		if len(compressedData) < size {
			return nil, errShortRead
		}
		return compressedData[:size], nil
	case compressionLZW:
		r = lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	default:
		zr, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		r = zr
	}
	blockData := make([]byte, size)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeBlockData decodes little-endian samples.
func (s *GeoTIFFSource) decodeBlockData(blockData []byte) []float64 {
	var decodeSample func([]byte) float64
	switch [2]int{int(s.sampleFormat), s.bytesPerSample} {
	case [2]int{sampleFormatUint, 1}:
		decodeSample = func(b []byte) float64 { return float64(b[0]) }
	case [2]int{sampleFormatUint, 2}:
		decodeSample = func(b []byte) float64 { return float64(binary.LittleEndian.Uint16(b)) }
	case [2]int{sampleFormatInt, 2}:
		decodeSample = func(b []byte) float64 { return float64(int16(binary.LittleEndian.Uint16(b))) }
	case [2]int{sampleFormatInt, 4}:
		decodeSample = func(b []byte) float64 { return float64(int32(binary.LittleEndian.Uint32(b))) }
	case [2]int{sampleFormatFloat, 4}:
		decodeSample = func(b []byte) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))) }
	default:
		decodeSample = func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
	}
	n := s.bytesPerSample
	blockSamples := make([]float64, len(blockData)/n)
	for i := range blockSamples {
		blockSamples[i] = decodeSample(blockData[i*n : (i+1)*n])
	}
	return blockSamples
}

// getBlockSamples returns the samples of the block at blockCoord. Sparse
// blocks, which have no data in the file, are filled with the no-data value.
func (s *GeoTIFFSource) getBlockSamples(ctx context.Context, blockCoord TileCoord) ([]float64, error) {
	sampleCount := s.blockWidth * s.blockRows(blockCoord)
	if s.blockByteCounts[blockCoord.C+s.blocksAcross*blockCoord.R] == 0 {
		blockSamples := make([]float64, sampleCount)
		for i := range blockSamples {
			blockSamples[i] = s.noData
		}
		return blockSamples, nil
	}

	compressedBlockData, err := s.getCompressedBlockData(blockCoord)
	if err != nil {
		return nil, err
	}

	blockData, err := s.decompressBlockData(compressedBlockData, sampleCount*s.bytesPerSample)
	if err != nil {
		return nil, err
	}
	return s.decodeBlockData(blockData), nil
}

// getBlockSamplesCached returns the samples of the block at blockCoord using
// s's cache.
func (s *GeoTIFFSource) getBlockSamplesCached(ctx context.Context, blockCoord TileCoord) ([]float64, error) {
	return s.blockCache.Get(ctx, blockCoord, otter.LoaderFunc[TileCoord, []float64](s.getBlockSamples))
}
