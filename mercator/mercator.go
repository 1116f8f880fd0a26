// Package mercator implements the spherical Web-Mercator projection
// (EPSG:3857) and the tile arithmetic of the slippy map scheme.
//
// Projected coordinates are meters on the Mercator plane with the origin at
// lat/lon (0, 0). Tile rows follow the top-origin (XYZ) convention: row 0 is
// the northernmost row. Zoom 0 is the coarsest level, one tile covering the
// whole world; every zoom increment doubles the linear resolution.
package mercator

import (
	"math"

	"github.com/geoatlas/basemap/mathhelp"
)

const (
	// EarthRadius is the WGS84 equatorial radius in meters.
	EarthRadius = 6378137.0
	// MaxLatitude is the northern/southern edge of the square Mercator
	// world map. Latitudes beyond it are not representable.
	MaxLatitude = 85.0511

	originShift = math.Pi * EarthRadius
)

// GeoPoint is a geographic position in degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Meters is a position on the Mercator plane. Y increases northward.
type Meters struct {
	X float64
	Y float64
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

func rad2deg(r float64) float64 {
	return r * 180 / math.Pi
}

// ScaleForZoom returns the Mercator-plane resolution in meters per pixel at
// the given zoom for tiles of tileSize pixels. It halves with every zoom
// increment.
func ScaleForZoom(zoom, tileSize int) float64 {
	return 2 * originShift / float64(int64(tileSize)<<uint(zoom))
}

// ZoomForScale is the inverse of ScaleForZoom, rounded to the nearest
// integer zoom.
func ZoomForScale(scale float64, tileSize int) int {
	return int(math.Round(math.Log2(2 * originShift / (scale * float64(tileSize)))))
}

// Project converts a geographic position to Mercator meters. Latitudes
// outside the representable band are clipped to ±MaxLatitude first.
func Project(p GeoPoint) Meters {
	lat := mathhelp.Clip(p.Lat, -MaxLatitude, MaxLatitude)
	return Meters{
		X: deg2rad(p.Lon) * EarthRadius,
		Y: math.Log(math.Tan(math.Pi/4+deg2rad(lat)/2)) * EarthRadius,
	}
}

// Unproject converts Mercator meters back to a geographic position.
func Unproject(m Meters) GeoPoint {
	return GeoPoint{
		Lat: rad2deg(2*math.Atan(math.Exp(m.Y/EarthRadius)) - math.Pi/2),
		Lon: rad2deg(m.X / EarthRadius),
	}
}

// Latitude returns the geographic latitude in radians of a Mercator Y
// coordinate.
func Latitude(y float64) float64 {
	return 2*math.Atan(math.Exp(y/EarthRadius)) - math.Pi/2
}

// TileFromMeters returns the top-origin tile index containing m at the
// given zoom.
func TileFromMeters(m Meters, zoom int) (column, row int) {
	n := float64(uint64(1) << uint(zoom))
	column = int(math.Floor((m.X + originShift) / (2 * originShift) * n))
	row = int(math.Floor((originShift - m.Y) / (2 * originShift) * n))
	return column, row
}

// TileOrigin returns the Mercator position of the top-left corner of a
// top-origin tile index.
func TileOrigin(column, row, zoom int) Meters {
	n := float64(uint64(1) << uint(zoom))
	return Meters{
		X: float64(column)/n*2*originShift - originShift,
		Y: originShift - float64(row)/n*2*originShift,
	}
}

// IndexToMeters maps a 1-dimensional tile index to the Mercator coordinate
// of its lower edge (west for columns, south for bottom-origin rows).
func IndexToMeters(index, zoom int) float64 {
	return float64(index)/float64(uint64(1)<<uint(zoom))*2*originShift - originShift
}

// GroundResolution converts a Mercator-plane scale (meters per pixel) to
// true ground meters per pixel at the latitude of the Mercator Y coordinate
// y. Mercator inflates distances away from the equator by 1/cos(lat).
func GroundResolution(scale, y float64) float64 {
	return scale * math.Cos(Latitude(y))
}
