package georaster

import (
	"bytes"
	"compress/lzw"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"math"
	"slices"
	"strconv"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
)

const degreesToRadians = 1 / RadiansToDegrees

// A testGeoTIFF describes a little-endian single band GeoTIFF for tests.
type testGeoTIFF struct {
	width         int
	height        int
	tileWidth     int // Zero for a stripped image.
	tileLength    int
	rowsPerStrip  int
	compression   uint16
	sampleFormat  uint16 // Zero for float.
	bitsPerSample uint16 // Zero for 32.
	sparseBlocks  []int  // Indexes of blocks without data.
	samples       []float32
	pixelScale    []float64
	tiepoint      []float64
	geoKeys       []uint16
	noData        string
}

type testTIFFEntry struct {
	tag      uint16
	dataType uint16
	count    int
	data     []byte
}

// encode returns g encoded as a TIFF.
func (g testGeoTIFF) encode(t *testing.T) []byte {
	t.Helper()

	var blocks [][]byte
	blockWidth, blockLength := g.tileWidth, g.tileLength
	if g.tileWidth == 0 {
		blockWidth, blockLength = g.width, g.rowsPerStrip
	}
	blocksAcross := (g.width + blockWidth - 1) / blockWidth
	blocksDown := (g.height + blockLength - 1) / blockLength
	for r := range blocksDown {
		for c := range blocksAcross {
			rows := blockLength
			if g.tileWidth == 0 {
				rows = min(blockLength, g.height-r*blockLength)
			}
			if slices.Contains(g.sparseBlocks, len(blocks)) {
				blocks = append(blocks, nil)
				continue
			}
			block := make([]byte, 0, int(g.bits()/8)*blockWidth*rows)
			for y := r * blockLength; y < r*blockLength+rows; y++ {
				for x := c * blockWidth; x < (c+1)*blockWidth; x++ {
					var sample float32
					if x < g.width && y < g.height {
						sample = g.samples[y*g.width+x]
					}
					block = g.appendSample(block, sample)
				}
			}
			var buffer bytes.Buffer
			var w io.WriteCloser
			switch g.compression {
			case compressionDeflate:
				w = zlib.NewWriter(&buffer)
			case compressionLZW:
				// Blocks of fewer than 250 bytes never widen codes beyond 9
				// bits, where compress/lzw's output is valid TIFF LZW.
				assert.True(t, len(block) < 250, "LZW block of %d bytes", len(block))
				w = lzw.NewWriter(&buffer, lzw.MSB, 8)
			}
			if w != nil {
				_, err := w.Write(block)
				assert.NoError(t, err)
				assert.NoError(t, w.Close())
				block = buffer.Bytes()
			}
			blocks = append(blocks, block)
		}
	}

	shorts := func(values ...uint16) []byte {
		var data []byte
		for _, value := range values {
			data = binary.LittleEndian.AppendUint16(data, value)
		}
		return data
	}
	longs := func(values ...uint32) []byte {
		var data []byte
		for _, value := range values {
			data = binary.LittleEndian.AppendUint32(data, value)
		}
		return data
	}
	dimension := func(tag uint16, value int) *testTIFFEntry {
		if value > math.MaxUint16 {
			return &testTIFFEntry{tag: tag, dataType: 4, count: 1, data: longs(uint32(value))}
		}
		return &testTIFFEntry{tag: tag, dataType: 3, count: 1, data: shorts(uint16(value))}
	}
	doubles := func(values ...float64) []byte {
		var data []byte
		for _, value := range values {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(value))
		}
		return data
	}

	blockByteCounts := make([]uint32, len(blocks))
	for i, block := range blocks {
		blockByteCounts[i] = uint32(len(block))
	}
	compression := max(g.compression, compressionNone)
	entries := []*testTIFFEntry{
		dimension(256, g.width),
		dimension(257, g.height),
		{tag: 258, dataType: 3, count: 1, data: shorts(g.bits())},
		{tag: 259, dataType: 3, count: 1, data: shorts(compression)},
		{tag: 262, dataType: 3, count: 1, data: shorts(1)},
		{tag: 277, dataType: 3, count: 1, data: shorts(1)},
		{tag: 284, dataType: 3, count: 1, data: shorts(1)},
		{tag: 317, dataType: 3, count: 1, data: shorts(1)},
		{tag: 339, dataType: 3, count: 1, data: shorts(g.format())},
		{tag: 33550, dataType: 12, count: len(g.pixelScale), data: doubles(g.pixelScale...)},
		{tag: 33922, dataType: 12, count: len(g.tiepoint), data: doubles(g.tiepoint...)},
	}
	offsetsEntry := &testTIFFEntry{dataType: 4, count: len(blocks), data: make([]byte, 4*len(blocks))}
	byteCountsEntry := &testTIFFEntry{dataType: 4, count: len(blocks), data: longs(blockByteCounts...)}
	if g.tileWidth != 0 {
		offsetsEntry.tag, byteCountsEntry.tag = 324, 325
		entries = append(entries,
			dimension(322, g.tileWidth),
			dimension(323, g.tileLength),
		)
	} else {
		offsetsEntry.tag, byteCountsEntry.tag = 273, 279
		entries = append(entries, &testTIFFEntry{tag: 278, dataType: 4, count: 1, data: longs(uint32(g.rowsPerStrip))})
	}
	entries = append(entries, offsetsEntry, byteCountsEntry)
	if g.geoKeys != nil {
		entries = append(entries, &testTIFFEntry{tag: 34735, dataType: 3, count: len(g.geoKeys), data: shorts(g.geoKeys...)})
	}
	if g.noData != "" {
		entries = append(entries, &testTIFFEntry{tag: 42113, dataType: 2, count: len(g.noData) + 1, data: append([]byte(g.noData), 0)})
	}
	slices.SortFunc(entries, func(a, b *testTIFFEntry) int {
		return int(a.tag) - int(b.tag)
	})

	// Lay out the out-of-line entry data after the IFD, then the blocks.
	ifdOffset := 8
	offset := ifdOffset + 2 + 12*len(entries) + 4
	valueOffsets := make([]int, len(entries))
	for i, entry := range entries {
		if len(entry.data) > 4 {
			offset += offset % 2
			valueOffsets[i] = offset
			offset += len(entry.data)
		}
	}
	blockOffsets := make([]uint32, len(blocks))
	for i, block := range blocks {
		if len(block) == 0 {
			continue
		}
		blockOffsets[i] = uint32(offset)
		offset += len(block)
	}
	copy(offsetsEntry.data, longs(blockOffsets...))

	data := make([]byte, 0, offset)
	data = append(data, 'I', 'I')
	data = binary.LittleEndian.AppendUint16(data, 42)
	data = binary.LittleEndian.AppendUint32(data, uint32(ifdOffset))
	data = binary.LittleEndian.AppendUint16(data, uint16(len(entries)))
	for i, entry := range entries {
		data = binary.LittleEndian.AppendUint16(data, entry.tag)
		data = binary.LittleEndian.AppendUint16(data, entry.dataType)
		data = binary.LittleEndian.AppendUint32(data, uint32(entry.count))
		if len(entry.data) > 4 {
			data = binary.LittleEndian.AppendUint32(data, uint32(valueOffsets[i]))
		} else {
			value := make([]byte, 4)
			copy(value, entry.data)
			data = append(data, value...)
		}
	}
	data = binary.LittleEndian.AppendUint32(data, 0)
	for i, entry := range entries {
		if len(entry.data) > 4 {
			data = append(data, make([]byte, valueOffsets[i]-len(data))...)
			data = append(data, entry.data...)
		}
	}
	for _, block := range blocks {
		data = append(data, block...)
	}
	return data
}

func (g testGeoTIFF) format() uint16 {
	if g.sampleFormat == 0 {
		return sampleFormatFloat
	}
	return g.sampleFormat
}

func (g testGeoTIFF) bits() uint16 {
	if g.bitsPerSample == 0 {
		return 32
	}
	return g.bitsPerSample
}

// appendSample appends sample to b in g's sample format.
func (g testGeoTIFF) appendSample(b []byte, sample float32) []byte {
	switch [2]uint16{g.format(), g.bits()} {
	case [2]uint16{sampleFormatUint, 8}:
		return append(b, uint8(sample))
	case [2]uint16{sampleFormatUint, 16}:
		return binary.LittleEndian.AppendUint16(b, uint16(sample))
	case [2]uint16{sampleFormatInt, 16}:
		return binary.LittleEndian.AppendUint16(b, uint16(int16(sample)))
	case [2]uint16{sampleFormatInt, 32}:
		return binary.LittleEndian.AppendUint32(b, uint32(int32(sample)))
	case [2]uint16{sampleFormatFloat, 64}:
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(float64(sample)))
	default:
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(sample))
	}
}

// value returns the value that a reader should return for the cell at (x, y).
func (g testGeoTIFF) value(t *testing.T, x, y int) float64 {
	t.Helper()
	blockWidth, blockLength := g.tileWidth, g.tileLength
	if g.tileWidth == 0 {
		blockWidth, blockLength = g.width, g.rowsPerStrip
	}
	blocksAcross := (g.width + blockWidth - 1) / blockWidth
	if slices.Contains(g.sparseBlocks, y/blockLength*blocksAcross+x/blockWidth) {
		noData, err := strconv.ParseFloat(g.noData, 64)
		assert.NoError(t, err)
		return noData
	}
	return float64(g.samples[y*g.width+x])
}

// roundSamples rounds g's samples to integers and replaces negative samples
// with noData, for unsigned sample formats.
func (g *testGeoTIFF) roundSamples(unsigned bool, noData float32) {
	for i, sample := range g.samples {
		switch {
		case unsigned && sample < 0:
			g.samples[i] = noData
		default:
			g.samples[i] = float32(math.Round(float64(sample)))
		}
	}
	if unsigned {
		g.noData = strconv.FormatFloat(float64(noData), 'f', -1, 32)
	}
}

// newTestGeoid returns a width*height geoid-like grid covering
// longitudes [9, 17] and latitudes [46, 49], with one missing cell.
func newTestGeoid(width, height int) testGeoTIFF {
	samples := make([]float32, width*height)
	for y := range height {
		for x := range width {
			samples[y*width+x] = float32(40 + 0.25*float64(x) - 0.5*float64(y))
		}
	}
	samples[3*width+5] = -9999
	return testGeoTIFF{
		width:      width,
		height:     height,
		samples:    samples,
		pixelScale: []float64{8 / float64(width), 3 / float64(height), 0},
		tiepoint:   []float64{0, 0, 0, 9, 49, 0},
		geoKeys: []uint16{
			1, 1, 0, 3,
			1024, 0, 1, ModelTypeGeographic,
			1025, 0, 1, RasterPixelIsArea,
			2048, 0, 1, 4258,
		},
		noData: "-9999",
	}
}

func TestGeoTIFFSource(t *testing.T) {
	for _, tc := range []struct {
		name   string
		layout func(*testGeoTIFF)
	}{
		{
			name: "tiled",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 16
			},
		},
		{
			name: "tiled_deflate",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 16
				g.compression = compressionDeflate
			},
		},
		{
			name: "stripped",
			layout: func(g *testGeoTIFF) {
				g.rowsPerStrip = 7
			},
		},
		{
			name: "stripped_float64",
			layout: func(g *testGeoTIFF) {
				g.rowsPerStrip = 7
				g.bitsPerSample = 64
			},
		},
		{
			name: "tiled_int16",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 16
				g.sampleFormat, g.bitsPerSample = sampleFormatInt, 16
				g.roundSamples(false, 0)
			},
		},
		{
			name: "tiled_int32_deflate",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 16
				g.compression = compressionDeflate
				g.sampleFormat, g.bitsPerSample = sampleFormatInt, 32
				g.roundSamples(false, 0)
			},
		},
		{
			name: "stripped_uint16",
			layout: func(g *testGeoTIFF) {
				g.rowsPerStrip = 7
				g.sampleFormat, g.bitsPerSample = sampleFormatUint, 16
				g.roundSamples(true, 0)
			},
		},
		{
			name: "tiled_uint8_lzw",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 8
				g.compression = compressionLZW
				g.sampleFormat, g.bitsPerSample = sampleFormatUint, 8
				g.roundSamples(true, 255)
			},
		},
		{
			name: "stripped_uint8_lzw",
			layout: func(g *testGeoTIFF) {
				g.rowsPerStrip = 5
				g.compression = compressionLZW
				g.sampleFormat, g.bitsPerSample = sampleFormatUint, 8
				g.roundSamples(true, 255)
			},
		},
		{
			name: "tiled_sparse",
			layout: func(g *testGeoTIFF) {
				g.tileWidth, g.tileLength = 16, 16
				g.sparseBlocks = []int{1, 5}
			},
		},
		{
			name: "stripped_int16_sparse",
			layout: func(g *testGeoTIFF) {
				g.rowsPerStrip = 7
				g.sampleFormat, g.bitsPerSample = sampleFormatInt, 16
				g.sparseBlocks = []int{0, 4}
				g.roundSamples(false, 0)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGeoid(40, 30)
			tc.layout(&g)
			fsys := fstest.MapFS{
				"geoid.tif": &fstest.MapFile{Data: g.encode(t)},
			}

			s, err := NewGeoTIFFSource(fsys, "geoid.tif", WithBlockCacheSize(4096))
			assert.NoError(t, err)
			defer func() {
				assert.NoError(t, s.Close())
			}()

			width, height := s.Size()
			assert.Equal(t, 40, width)
			assert.Equal(t, 30, height)
			noData, err := strconv.ParseFloat(g.noData, 64)
			assert.NoError(t, err)
			assert.Equal(t, noData, s.NoData())
			geoTransform, err := s.GeoTransform()
			assert.NoError(t, err)
			assert.Equal(t, GeoTransform{9, 0.2, 0, 49, 0, -0.1}, geoTransform)
			crs, ok := s.CRS()
			assert.True(t, ok)
			assert.Equal(t, "EPSG:4258", crs)

			for _, window := range [][4]int{
				{0, 0, 40, 30},
				{3, 2, 1, 1},
				{10, 5, 20, 17},
				{15, 15, 2, 2},
				{39, 29, 1, 1},
				{0, 0, 0, 0},
			} {
				left, top, w, h := window[0], window[1], window[2], window[3]
				actual, err := s.ReadWindow(t.Context(), left, top, w, h)
				assert.NoError(t, err)
				expected := make([]float64, 0, w*h)
				for y := top; y < top+h; y++ {
					for x := left; x < left+w; x++ {
						expected = append(expected, g.value(t, x, y))
					}
				}
				assert.Equal(t, expected, actual)
			}

			_, err = s.ReadWindow(t.Context(), 35, 0, 10, 1)
			assert.IsError(t, err, errWindowOutsideImage)
		})
	}
}

func TestGeoTIFFSourceWide(t *testing.T) {
	const width = 70000
	g := testGeoTIFF{
		width:         width,
		height:        2,
		rowsPerStrip:  1,
		sampleFormat:  sampleFormatUint,
		bitsPerSample: 8,
		sparseBlocks:  []int{1},
		samples:       make([]float32, 2*width),
		pixelScale:    []float64{360.0 / width, 1, 0},
		tiepoint:      []float64{0, 0, 0, -180, 90, 0},
		noData:        "255",
	}
	for x := range width {
		g.samples[x] = float32(x % 200)
	}
	fsys := fstest.MapFS{
		"wide.tif": &fstest.MapFile{Data: g.encode(t)},
	}

	s, err := NewGeoTIFFSource(fsys, "wide.tif")
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, s.Close())
	}()

	actualWidth, actualHeight := s.Size()
	assert.Equal(t, width, actualWidth)
	assert.Equal(t, 2, actualHeight)

	actual, err := s.ReadWindow(t.Context(), 69998, 0, 2, 2)
	assert.NoError(t, err)
	assert.Equal(t, []float64{198, 199, 255, 255}, actual)
}

func TestGeoTIFFSourcePixelIsPoint(t *testing.T) {
	g := newTestGeoid(8, 6)
	g.tileWidth, g.tileLength = 16, 16
	g.geoKeys[11] = RasterPixelIsPoint
	fsys := fstest.MapFS{
		"geoid.tif": &fstest.MapFile{Data: g.encode(t)},
	}

	s, err := NewGeoTIFFSource(fsys, "geoid.tif")
	assert.NoError(t, err)
	defer s.Close()

	geoTransform, err := s.GeoTransform()
	assert.NoError(t, err)
	assert.Equal(t, GeoTransform{9 - 0.5, 1, 0, 49 + 0.25, 0, -0.5}, geoTransform)
}

func TestGeoTIFFSourceErrors(t *testing.T) {
	bigEndian := newTestGeoid(4, 4)
	bigEndian.tileWidth, bigEndian.tileLength = 16, 16
	bigEndianData := bigEndian.encode(t)
	bigEndianData[0], bigEndianData[1] = 'M', 'M'

	fsys := fstest.MapFS{
		"big_endian.tif": &fstest.MapFile{Data: bigEndianData},
	}

	_, err := NewGeoTIFFSource(fsys, "missing.tif")
	assert.IsError(t, err, fs.ErrNotExist)

	_, err = NewGeoTIFFSource(fsys, "big_endian.tif")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}

func TestOpenGeoTIFF(t *testing.T) {
	g := newTestGeoid(40, 30)
	g.tileWidth, g.tileLength = 16, 16
	fsys := fstest.MapFS{
		"geoid.tif": &fstest.MapFile{Data: g.encode(t)},
	}

	r, err := Open(fsys, "geoid.tif", WithMaxExtent(8))
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, r.Close())
	}()

	// Cell (10, 20) has its top left corner at 11°E 47°N.
	value, err := r.Value(t.Context(), 11*degreesToRadians, 47*degreesToRadians)
	assert.NoError(t, err)
	assert.True(t, math.Abs(value-float64(g.samples[20*g.width+10])) < 1e-9)

	_, err = Open(fsys, "missing.tif")
	assert.IsError(t, err, ErrBackingStore)
	assert.IsError(t, err, fs.ErrNotExist)
}
