package georaster

import (
	"errors"
	"strconv"
)

var errParse = errors.New("parse error")

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS            GeoKey = 2048
	GeoKeyGeogCitation           GeoKey = 2049
	GeoKeyGeodeticDatum          GeoKey = 2050
	GeoKeyPrimeMeridian          GeoKey = 2051
	GeoKeyAngularUnits           GeoKey = 2054
	GeoKeyGeogAngularUnitSize    GeoKey = 2055
	GeoKeyEllipsoid              GeoKey = 2056
	GeoKeyEllipsoidSemiMajorAxis GeoKey = 2057
	GeoKeyEllipsoidInvFlattening GeoKey = 2059
	GeoKeyPrimeMeridianLongitude GeoKey = 2061

	GeoKeyProjectedCRS GeoKey = 3072
	GeoKeyPCSCitation  GeoKey = 3073

	GeoKeyVertical         GeoKey = 4096
	GeoKeyVerticalCitation GeoKey = 4097
	GeoKeyVerticalDatum    GeoKey = 4098
	GeoKeyVerticalUnits    GeoKey = 4099
)

// Values of GeoKeyGTModelType.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
	ModelTypeGeocentric = 3
)

// Values of GeoKeyGTRasterType.
const (
	RasterPixelIsArea  = 1
	RasterPixelIsPoint = 2
)

const userDefined = 32767

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKeyDirectoryTag and its GeoDoubleParamsTag and
// GeoASCIIParamsTag.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		count := int(keyValues[2])
		valueOffset := int(keyValues[3])
		switch tiffTagLocation {
		case 0:
			if count != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = valueOffset
		case 34736: // GeoDoubleParamsTag.
			if count != 1 {
				return nil, errors.ErrUnsupported
			}
			if valueOffset >= len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[valueOffset]
		case 34737: // GeoASCIIParamsTag.
			if valueOffset+count > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = asciiParams[valueOffset : valueOffset+count]
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// CRS returns the EPSG code of the horizontal CRS, for example "EPSG:4326".
// It returns false if the CRS is user-defined or missing.
func (k *ParsedGeoKeys) CRS() (string, bool) {
	var code int
	switch k.Params[GeoKeyGTModelType] {
	case ModelTypeProjected:
		code = k.Params[GeoKeyProjectedCRS]
	case ModelTypeGeographic, ModelTypeGeocentric:
		code = k.Params[GeoKeyGeodeticCRS]
	}
	if code == 0 || code == userDefined {
		return "", false
	}
	return "EPSG:" + strconv.Itoa(code), true
}

// Geographic returns whether the model is geographic.
func (k *ParsedGeoKeys) Geographic() bool {
	return k.Params[GeoKeyGTModelType] == ModelTypeGeographic
}

// PixelIsPoint returns whether tie points refer to cell centers.
func (k *ParsedGeoKeys) PixelIsPoint() bool {
	return k.Params[GeoKeyGTRasterType] == RasterPixelIsPoint
}
