// Package slippymap renders a raster basemap from a tile store through the
// slippy map abstraction: geographic bounds, discrete zoom levels and the
// conversions between geographic, projected and pixel space.
//
// Pixel space is device-independent, Y-down, with the Mercator origin at
// pixel (0, 0). Rectangles are geom.Extent values: {minX, minY, maxX, maxY}.
package slippymap

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"

	"github.com/go-spatial/geom"

	"github.com/geoatlas/basemap/mathhelp"
	"github.com/geoatlas/basemap/mercator"
	"github.com/geoatlas/basemap/tilecache"
)

// TileSize is the native pixel size of one stored tile.
const TileSize = 256

// StoreReader is the tile store consumed by a Map. Tile rows are top-origin;
// TileExtents reports raw bottom-origin file values (see mbtiles.Store).
type StoreReader interface {
	ValidateSchema() error
	ZoomRange() (min, max int, err error)
	TileExtents(zoom int) (minColumn, minRow, maxColumn, maxRow int, err error)
	TileData(zoom, column, row int) ([]byte, error)
	Path() string
}

// Painter receives the composited draw commands of one Draw call. The
// placement point is in device-independent pixels; pixelRatio maps the
// image's native pixels onto them.
type Painter interface {
	DrawImage(img image.Image, at [2]float64, pixelRatio float64)
}

// DecodeFunc turns stored tile bytes into an image.
type DecodeFunc func(data []byte) (image.Image, error)

// ZoomRange is the closed interval of zoom levels a store provides.
type ZoomRange struct {
	Min int
	Max int
}

// GeoRect is a geographic bounding rectangle.
type GeoRect struct {
	TopLeft     mercator.GeoPoint
	BottomRight mercator.GeoPoint
}

// Valid reports whether the rectangle spans a nonzero area with its corners
// the right way around.
func (r GeoRect) Valid() bool {
	return r.TopLeft.Lon < r.BottomRight.Lon && r.TopLeft.Lat > r.BottomRight.Lat
}

// Map is the slippy map over one tile store. It is not safe for concurrent
// use.
type Map struct {
	store  StoreReader
	cache  tilecache.Cache
	decode DecodeFunc
	logger *slog.Logger

	zooms     ZoomRange
	zoom      int
	geoBounds GeoRect

	deviceRatio float64
	tileRatio   float64
}

type Option func(*Map)

// WithDecoder replaces the default image.Decode based tile decoder.
func WithDecoder(decode DecodeFunc) Option {
	return func(m *Map) { m.decode = decode }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Map) { m.logger = logger }
}

func defaultDecode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// New builds a Map over store, deriving the zoom range and geographic bounds
// from the stored tiles. The cache is injected so it can be shared between
// maps; its retention policy is its own concern.
func New(store StoreReader, cache tilecache.Cache, opts ...Option) (*Map, error) {
	m := &Map{
		store:       store,
		cache:       cache,
		decode:      defaultDecode,
		logger:      slog.New(slog.DiscardHandler),
		deviceRatio: 1,
		tileRatio:   1,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := store.ValidateSchema(); err != nil {
		return nil, fmt.Errorf("%s: %w", store.Path(), err)
	}

	min, max, err := store.ZoomRange()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", store.Path(), err)
	}
	if min < 0 || min > max {
		return nil, fmt.Errorf("%s: invalid zoom levels (%d, %d)", store.Path(), min, max)
	}
	m.zooms = ZoomRange{Min: min, Max: max}
	m.zoom = max

	if err := m.deriveBounds(); err != nil {
		return nil, fmt.Errorf("%s: %w", store.Path(), err)
	}

	return m, nil
}

// deriveBounds computes the geographic bounds once, from the stored tile
// extremes at the coarsest zoom. Raw indices are clipped to the valid range
// before use; rows stay in the file's bottom-origin convention, so a row
// index maps directly to the southern tile edge.
func (m *Map) deriveBounds() error {
	zoom := m.zooms.Min
	minColumn, minRow, maxColumn, maxRow, err := m.store.TileExtents(zoom)
	if err != nil {
		return err
	}

	last := int(mathhelp.Pow2(uint(zoom))) - 1
	minX := mercator.IndexToMeters(mathhelp.Clip(minColumn, 0, last), zoom)
	minY := mercator.IndexToMeters(mathhelp.Clip(minRow, 0, last), zoom)
	maxX := mercator.IndexToMeters(mathhelp.Clip(maxColumn, 0, last)+1, zoom)
	maxY := mercator.IndexToMeters(mathhelp.Clip(maxRow, 0, last)+1, zoom)

	topLeft := mercator.Unproject(mercator.Meters{X: minX, Y: maxY})
	bottomRight := mercator.Unproject(mercator.Meters{X: maxX, Y: minY})
	// Tiles at zoom 0 and 1 are numerically unstable near the poles; keep
	// the corner latitudes inside the Mercator band.
	topLeft.Lat = math.Min(topLeft.Lat, mercator.MaxLatitude)
	bottomRight.Lat = math.Max(bottomRight.Lat, -mercator.MaxLatitude)

	m.geoBounds = GeoRect{TopLeft: topLeft, BottomRight: bottomRight}
	return nil
}

// GeoBounds is the geographic extent covered by the stored tiles.
func (m *Map) GeoBounds() GeoRect {
	return m.geoBounds
}

// Zooms is the supported zoom range.
func (m *Map) Zooms() ZoomRange {
	return m.zooms
}

// Zoom is the current zoom level.
func (m *Map) Zoom() int {
	return m.zoom
}

// LimitZoom clips zoom to the supported range.
func (m *Map) LimitZoom(zoom int) int {
	return mathhelp.Clip(zoom, m.zooms.Min, m.zooms.Max)
}

// SetZoom sets the current zoom, clipped to the supported range, and
// returns it.
func (m *Map) SetZoom(zoom int) int {
	m.zoom = m.LimitZoom(zoom)
	return m.zoom
}

// ZoomIn steps one level finer and returns the new zoom.
func (m *Map) ZoomIn() int {
	m.zoom = min(m.zoom+1, m.zooms.Max)
	return m.zoom
}

// ZoomOut steps one level coarser and returns the new zoom.
func (m *Map) ZoomOut() int {
	m.zoom = max(m.zoom-1, m.zooms.Min)
	return m.zoom
}

// ZoomFit sets the zoom so that rect fits a viewport of size pixels,
// taking the tighter of the two axis ratios. An invalid rect selects the
// finest zoom.
func (m *Map) ZoomFit(size [2]float64, rect GeoRect) int {
	if !rect.Valid() {
		m.zoom = m.zooms.Max
		return m.zoom
	}

	topLeft := mercator.Project(rect.TopLeft)
	bottomRight := mercator.Project(rect.BottomRight)
	sx := (bottomRight.X - topLeft.X) / size[0]
	sy := (bottomRight.Y - topLeft.Y) / size[1] // negative: projected Y runs north-up

	m.zoom = m.LimitZoom(mercator.ZoomForScale(
		math.Max(sx, -sy)/m.CoordinatesRatio(), TileSize))
	return m.zoom
}

// SetDeviceRatio configures the device pixel ratio of the output surface.
func (m *Map) SetDeviceRatio(ratio float64) {
	m.deviceRatio = ratio
}

// SetTileRatio configures the pixel ratio the stored tiles were rendered at.
func (m *Map) SetTileRatio(ratio float64) {
	m.tileRatio = ratio
}

// CoordinatesRatio converts device-independent to tile-native pixels. On
// high-density surfaces the map borrows resolution from the tiles instead
// of fetching a deeper zoom level.
func (m *Map) CoordinatesRatio() float64 {
	if m.deviceRatio > 1 {
		return m.deviceRatio / m.tileRatio
	}
	return 1
}

// ImageRatio is the pixel ratio stamped on emitted tile images.
func (m *Map) ImageRatio() float64 {
	if m.deviceRatio > 1 {
		return m.deviceRatio
	}
	return m.tileRatio
}

// TileSizePixels is the on-screen footprint of one tile in
// device-independent pixels.
func (m *Map) TileSizePixels() float64 {
	return TileSize / m.CoordinatesRatio()
}

// GeoToPixel converts a geographic position to pixel space at the current
// zoom.
func (m *Map) GeoToPixel(p mercator.GeoPoint) [2]float64 {
	scale := mercator.ScaleForZoom(m.zoom, TileSize)
	ratio := m.CoordinatesRatio()
	meters := mercator.Project(p)
	return [2]float64{meters.X / scale / ratio, meters.Y / -scale / ratio}
}

// PixelToGeo is the inverse of GeoToPixel.
func (m *Map) PixelToGeo(p [2]float64) mercator.GeoPoint {
	scale := mercator.ScaleForZoom(m.zoom, TileSize)
	ratio := m.CoordinatesRatio()
	return mercator.Unproject(mercator.Meters{
		X: p[0] * scale * ratio,
		Y: -p[1] * scale * ratio,
	})
}

// Bounds is the map's geographic extent in pixel space at the current zoom.
func (m *Map) Bounds() geom.Extent {
	topLeft := m.GeoToPixel(m.geoBounds.TopLeft)
	bottomRight := m.GeoToPixel(m.geoBounds.BottomRight)
	return geom.Extent{topLeft[0], topLeft[1], bottomRight[0], bottomRight[1]}
}

// Resolution is the true ground distance in meters covered by one pixel at
// the vertical center of rect, correcting for Mercator's latitude
// distortion.
func (m *Map) Resolution(rect geom.Extent) float64 {
	scale := mercator.ScaleForZoom(m.zoom, TileSize)
	centerY := (rect.MinY() + rect.MaxY()) / 2
	return mercator.GroundResolution(scale, -centerY*scale)
}

// Draw resolves and emits every tile covering rect (pixel space) to p, in
// row-major order. Missing or undecodable tiles are skipped; a gap in the
// basemap is not an error.
func (m *Map) Draw(p Painter, rect geom.Extent) {
	scale := mercator.ScaleForZoom(m.zoom, TileSize)
	ratio := m.CoordinatesRatio()
	tileSize := m.TileSizePixels()
	bounds := m.Bounds()

	// Tile under the viewport's top-left corner.
	anchorColumn, anchorRow := mercator.TileFromMeters(mercator.Meters{
		X: rect.MinX() * scale * ratio,
		Y: -rect.MinY() * scale * ratio,
	}, m.zoom)

	// Pixel-aligned origin of the first tile.
	originX := math.Floor(rect.MinX()/tileSize) * tileSize
	originY := math.Floor(rect.MinY()/tileSize) * tileSize

	width := math.Min(rect.MaxX()-originX, bounds.XSpan())
	height := math.Min(rect.MaxY()-originY, bounds.YSpan())

	columns := int(math.Ceil(width / tileSize))
	rows := int(math.Ceil(height / tileSize))

	for j := 0; j < rows; j++ {
		for i := 0; i < columns; i++ {
			img := m.resolveTile(anchorColumn+i, anchorRow+j)
			if img == nil {
				continue
			}
			at := [2]float64{
				math.Max(originX, bounds.MinX()) + float64(i)*tileSize,
				math.Max(originY, bounds.MinY()) + float64(j)*tileSize,
			}
			p.DrawImage(img, at, m.ImageRatio())
		}
	}
}

// resolveTile returns the decoded tile image, from the cache or from the
// store, or nil when the tile is absent or does not decode. A redundant
// decode after a cache race is harmless; Put is idempotent.
func (m *Map) resolveTile(column, row int) image.Image {
	key := tilecache.Key(m.store.Path(), m.zoom, column, row)
	if img, ok := m.cache.Get(key); ok {
		return img
	}

	data, err := m.store.TileData(m.zoom, column, row)
	if err != nil || len(data) == 0 {
		return nil
	}
	img, err := m.decode(data)
	if err != nil {
		m.logger.Debug("slippymap: undecodable tile",
			"zoom", m.zoom, "column", column, "row", row, "err", err)
		return nil
	}
	m.cache.Put(key, img)
	return img
}
