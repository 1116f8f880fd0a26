package slippymap

import (
	"errors"
	"image"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoatlas/basemap/mercator"
	"github.com/geoatlas/basemap/tilecache"
)

type fakeStore struct {
	zoomMin, zoomMax int
	schemaErr        error
	extents          map[int][4]int // zoom -> minColumn, minRow, maxColumn, maxRow
	tiles            map[[3]int][]byte
	fetches          [][3]int
}

func (f *fakeStore) ValidateSchema() error { return f.schemaErr }

func (f *fakeStore) ZoomRange() (int, int, error) {
	if f.zoomMin > f.zoomMax {
		return 0, 0, errors.New("invalid zoom levels")
	}
	return f.zoomMin, f.zoomMax, nil
}

func (f *fakeStore) TileExtents(zoom int) (int, int, int, int, error) {
	e, ok := f.extents[zoom]
	if !ok {
		return 0, 0, 0, 0, errors.New("empty tile set")
	}
	return e[0], e[1], e[2], e[3], nil
}

func (f *fakeStore) TileData(zoom, column, row int) ([]byte, error) {
	f.fetches = append(f.fetches, [3]int{zoom, column, row})
	return f.tiles[[3]int{zoom, column, row}], nil
}

func (f *fakeStore) Path() string { return "fake.mbtiles" }

type drawCommand struct {
	img   image.Image
	at    [2]float64
	ratio float64
}

type recordingPainter struct {
	commands []drawCommand
}

func (p *recordingPainter) DrawImage(img image.Image, at [2]float64, ratio float64) {
	p.commands = append(p.commands, drawCommand{img: img, at: at, ratio: ratio})
}

func fakeDecode(data []byte) (image.Image, error) {
	if string(data) == "bad" {
		return nil, errors.New("not an image")
	}
	return image.NewRGBA(image.Rect(0, 0, TileSize, TileSize)), nil
}

func worldStore() *fakeStore {
	return &fakeStore{
		zoomMin: 0,
		zoomMax: 5,
		extents: map[int][4]int{0: {0, 0, 0, 0}},
	}
}

func newTestMap(t *testing.T, store *fakeStore) *Map {
	t.Helper()
	m, err := New(store, tilecache.NewMemory(0), WithDecoder(fakeDecode))
	require.NoError(t, err)
	return m
}

func TestNewDerivesWorldBounds(t *testing.T) {
	m := newTestMap(t, worldStore())

	assert.Equal(t, 5, m.Zoom())
	assert.Equal(t, ZoomRange{Min: 0, Max: 5}, m.Zooms())

	bounds := m.GeoBounds()
	assert.InDelta(t, mercator.MaxLatitude, bounds.TopLeft.Lat, 1e-4)
	assert.InDelta(t, -180, bounds.TopLeft.Lon, 1e-4)
	assert.InDelta(t, -mercator.MaxLatitude, bounds.BottomRight.Lat, 1e-4)
	assert.InDelta(t, 180, bounds.BottomRight.Lon, 1e-4)
}

func TestNewClipsRawExtents(t *testing.T) {
	store := worldStore()
	// Stored indices out of range for zoom 0 must not widen the bounds.
	store.extents[0] = [4]int{-3, -7, 12, 9}
	m := newTestMap(t, store)

	bounds := m.GeoBounds()
	assert.InDelta(t, -180, bounds.TopLeft.Lon, 1e-4)
	assert.InDelta(t, 180, bounds.BottomRight.Lon, 1e-4)
}

func TestNewFailsOnBadSchema(t *testing.T) {
	store := worldStore()
	store.schemaErr = errors.New("invalid tiles table format")
	_, err := New(store, tilecache.NewMemory(0))
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid tiles table format")
}

func TestNewFailsOnInvalidZoomRange(t *testing.T) {
	store := worldStore()
	store.zoomMin = 6
	_, err := New(store, tilecache.NewMemory(0))
	assert.Error(t, err)

	store = worldStore()
	store.zoomMin = -2
	_, err = New(store, tilecache.NewMemory(0))
	assert.ErrorContains(t, err, "invalid zoom levels")
}

func TestNewFailsOnEmptyTileSet(t *testing.T) {
	store := worldStore()
	delete(store.extents, 0)
	_, err := New(store, tilecache.NewMemory(0))
	assert.Error(t, err)
}

func TestBoundsSymmetry(t *testing.T) {
	stores := []*fakeStore{
		worldStore(),
		{zoomMin: 2, zoomMax: 9, extents: map[int][4]int{2: {1, 1, 2, 3}}},
		{zoomMin: 1, zoomMax: 1, extents: map[int][4]int{1: {0, 0, 0, 0}}},
	}
	for _, store := range stores {
		m := newTestMap(t, store)
		bounds := m.GeoBounds()
		assert.GreaterOrEqual(t, bounds.TopLeft.Lat, bounds.BottomRight.Lat)
		assert.LessOrEqual(t, bounds.TopLeft.Lat, mercator.MaxLatitude)
		assert.GreaterOrEqual(t, bounds.BottomRight.Lat, -mercator.MaxLatitude)
	}
}

func TestZoomStateMachine(t *testing.T) {
	m := newTestMap(t, worldStore())

	assert.Equal(t, 0, m.LimitZoom(-4))
	assert.Equal(t, 5, m.LimitZoom(99))
	assert.Equal(t, 3, m.LimitZoom(3))

	assert.Equal(t, 5, m.ZoomIn()) // already at the top
	assert.Equal(t, 4, m.ZoomOut())
	assert.Equal(t, 5, m.ZoomIn())

	m.SetZoom(0)
	assert.Equal(t, 0, m.ZoomOut()) // stays at the bottom
	assert.Equal(t, 0, m.ZoomOut())
	assert.Equal(t, 1, m.ZoomIn())

	assert.Equal(t, 5, m.SetZoom(17))
}

func TestZoomFitWorld(t *testing.T) {
	m := newTestMap(t, worldStore())

	// The whole world in one 256px viewport is exactly zoom 0.
	got := m.ZoomFit([2]float64{256, 256}, m.GeoBounds())
	assert.Equal(t, 0, got)
	assert.Equal(t, 0, m.Zoom())

	// Four times the viewport, one zoom level deeper.
	got = m.ZoomFit([2]float64{1024, 1024}, m.GeoBounds())
	assert.Equal(t, 2, got)
}

func TestZoomFitInvalidRectSelectsFinest(t *testing.T) {
	m := newTestMap(t, worldStore())
	m.SetZoom(2)
	assert.Equal(t, 5, m.ZoomFit([2]float64{640, 480}, GeoRect{}))
}

func TestGeoRectValid(t *testing.T) {
	valid := GeoRect{
		TopLeft:     mercator.GeoPoint{Lat: 53, Lon: 3},
		BottomRight: mercator.GeoPoint{Lat: 50, Lon: 7},
	}
	assert.True(t, valid.Valid())
	assert.False(t, GeoRect{}.Valid())
	inverted := GeoRect{TopLeft: valid.BottomRight, BottomRight: valid.TopLeft}
	assert.False(t, inverted.Valid())
}

func TestGeoPixelRoundTrip(t *testing.T) {
	m := newTestMap(t, worldStore())
	points := []mercator.GeoPoint{
		{Lat: 0, Lon: 0},
		{Lat: 52.3676, Lon: 4.9041},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 80, Lon: -179},
	}
	for zoom := 0; zoom <= 5; zoom++ {
		m.SetZoom(zoom)
		for _, p := range points {
			got := m.PixelToGeo(m.GeoToPixel(p))
			assert.InDelta(t, p.Lat, got.Lat, 1e-9, "lat at zoom %d", zoom)
			assert.InDelta(t, p.Lon, got.Lon, 1e-9, "lon at zoom %d", zoom)
		}
	}
}

func TestGeoPixelRoundTripHighDensity(t *testing.T) {
	m := newTestMap(t, worldStore())
	m.SetDeviceRatio(2)
	p := mercator.GeoPoint{Lat: 48.8566, Lon: 2.3522}
	got := m.PixelToGeo(m.GeoToPixel(p))
	assert.InDelta(t, p.Lat, got.Lat, 1e-9)
	assert.InDelta(t, p.Lon, got.Lon, 1e-9)
}

func TestCoordinatesRatio(t *testing.T) {
	m := newTestMap(t, worldStore())
	assert.Equal(t, 1.0, m.CoordinatesRatio())
	assert.Equal(t, 256.0, m.TileSizePixels())

	m.SetDeviceRatio(2)
	assert.Equal(t, 2.0, m.CoordinatesRatio())
	assert.Equal(t, 128.0, m.TileSizePixels())
	assert.Equal(t, 2.0, m.ImageRatio())

	// Low-density devices keep the native footprint.
	m.SetDeviceRatio(1)
	m.SetTileRatio(2)
	assert.Equal(t, 1.0, m.CoordinatesRatio())
	assert.Equal(t, 2.0, m.ImageRatio())
}

func TestResolutionShrinksAwayFromEquator(t *testing.T) {
	m := newTestMap(t, worldStore())
	m.SetZoom(5)

	atEquator := m.Resolution(geom.Extent{-100, -10, 100, 10})
	north := m.GeoToPixel(mercator.GeoPoint{Lat: 60, Lon: 0})
	atNorth := m.Resolution(geom.Extent{-100, north[1] - 10, 100, north[1] + 10})

	assert.Less(t, atNorth, atEquator)
	assert.InDelta(t, mercator.ScaleForZoom(5, TileSize), atEquator, 1e-3)
}

// deepStore has every zoom 10 tile except (13, 7).
func deepStore() *fakeStore {
	tiles := make(map[[3]int][]byte)
	for column := 0; column < 1024; column++ {
		for row := 0; row < 1024; row++ {
			tiles[[3]int{10, column, row}] = []byte("ok")
		}
	}
	delete(tiles, [3]int{10, 13, 7})
	return &fakeStore{
		zoomMin: 10,
		zoomMax: 10,
		extents: map[int][4]int{10: {0, 0, 1023, 1023}},
		tiles:   tiles,
	}
}

// tileViewport is a one-tile viewport anchored just inside the top-left
// corner of the given tile.
func tileViewport(column, row, zoom int) geom.Extent {
	n := float64(uint(1) << uint(zoom))
	x := (float64(column) - n/2) * 256
	y := (float64(row) - n/2) * 256
	return geom.Extent{x + 0.5, y + 0.5, x + 256, y + 256}
}

func TestDrawSingleTile(t *testing.T) {
	store := deepStore()
	m := newTestMap(t, store)
	painter := &recordingPainter{}

	m.Draw(painter, tileViewport(12, 7, 10))

	require.Len(t, painter.commands, 1)
	require.Len(t, store.fetches, 1)
	assert.Equal(t, [3]int{10, 12, 7}, store.fetches[0])

	cmd := painter.commands[0]
	assert.Equal(t, (12.0-512)*256, cmd.at[0])
	assert.Equal(t, (7.0-512)*256, cmd.at[1])
	assert.Equal(t, 1.0, cmd.ratio)
}

func TestDrawMissingTileEmitsNothing(t *testing.T) {
	store := deepStore()
	m := newTestMap(t, store)
	painter := &recordingPainter{}

	m.Draw(painter, tileViewport(13, 7, 10))

	assert.Empty(t, painter.commands)
	require.Len(t, store.fetches, 1)
	assert.Equal(t, [3]int{10, 13, 7}, store.fetches[0])
}

func TestDrawEnumeratesRowMajor(t *testing.T) {
	store := deepStore()
	m := newTestMap(t, store)
	painter := &recordingPainter{}

	// Two tiles wide, two tall.
	viewport := tileViewport(100, 200, 10)
	viewport[2] += 256
	viewport[3] += 256
	m.Draw(painter, viewport)

	require.Len(t, painter.commands, 4)
	require.Len(t, store.fetches, 4)
	want := [][3]int{
		{10, 100, 200}, {10, 101, 200},
		{10, 100, 201}, {10, 101, 201},
	}
	assert.Equal(t, want, store.fetches)
}

func TestDrawUsesCache(t *testing.T) {
	store := deepStore()
	cache := tilecache.NewMemory(0)
	m, err := New(store, cache, WithDecoder(fakeDecode))
	require.NoError(t, err)
	painter := &recordingPainter{}

	viewport := tileViewport(12, 7, 10)
	m.Draw(painter, viewport)
	m.Draw(painter, viewport)

	assert.Len(t, painter.commands, 2)
	assert.Len(t, store.fetches, 1, "second draw should hit the cache")
	_, ok := cache.Get(tilecache.Key("fake.mbtiles", 10, 12, 7))
	assert.True(t, ok)
}

func TestDrawSkipsUndecodableTile(t *testing.T) {
	store := deepStore()
	store.tiles[[3]int{10, 12, 7}] = []byte("bad")
	cache := tilecache.NewMemory(0)
	m, err := New(store, cache, WithDecoder(fakeDecode))
	require.NoError(t, err)
	painter := &recordingPainter{}

	m.Draw(painter, tileViewport(12, 7, 10))

	assert.Empty(t, painter.commands)
	_, ok := cache.Get(tilecache.Key("fake.mbtiles", 10, 12, 7))
	assert.False(t, ok, "failed decodes must not be cached")
}
