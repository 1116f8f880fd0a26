// Package mbtiles reads raster tile pyramids from MBTiles files.
//
// MBTiles is a single sqlite database with a tiles table keyed by
// (zoom_level, tile_column, tile_row). Rows in the file follow the TMS
// bottom-origin convention; the API of this package speaks top-origin (XYZ)
// rows and performs the conversion at query time.
package mbtiles

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	_ "github.com/mattn/go-sqlite3"
	"github.com/perimeterx/marshmallow"
)

// Construction-fatal conditions. Anything else the store reports per tile is
// recoverable by the caller.
var (
	ErrBadSchema        = errors.New("invalid tiles table format")
	ErrEmptyTileSet     = errors.New("empty tile set")
	ErrInvalidZoomRange = errors.New("invalid zoom levels")
)

// Store is a read-only handle on one MBTiles file. It is scoped to a single
// map instance; concurrent use of one Store must be serialized by the
// caller.
type Store struct {
	path   string
	db     *sql.DB
	tile   *sql.Stmt
	logger *slog.Logger
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens an MBTiles file read-only. It does not validate the schema;
// call ValidateSchema before trusting the handle.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("%s: error opening database file: %w", path, err)
	}

	s := &Store{
		path:   path,
		db:     db,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tile, err = db.Prepare(
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return errors.Join(s.tile.Close(), s.db.Close())
}

// Path is the file path the store was opened with. It doubles as the store
// identity in tile cache keys.
func (s *Store) Path() string {
	return s.path
}

// Name is the base name of the underlying file.
func (s *Store) Name() string {
	return filepath.Base(s.path)
}

type column struct {
	cid       int
	name      string
	ctype     string
	notnull   int
	dfltValue sql.NullString
	pk        int
}

// ValidateSchema checks that the tiles table leads with the four canonical
// MBTiles columns with their canonical types.
func (s *Store) ValidateSchema() error {
	rows, err := s.db.Query(`PRAGMA table_info(tiles)`)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSchema, err)
	}
	defer rows.Close()

	var columns []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.cid, &c.name, &c.ctype, &c.notnull, &c.dfltValue, &c.pk); err != nil {
			return fmt.Errorf("%w: %w", ErrBadSchema, err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSchema, err)
	}

	want := []struct {
		name  string
		ctype string
	}{
		{"zoom_level", "INTEGER"},
		{"tile_column", "INTEGER"},
		{"tile_row", "INTEGER"},
		{"tile_data", "BLOB"},
	}
	if len(columns) < len(want) {
		return fmt.Errorf("%w: tiles has %d columns", ErrBadSchema, len(columns))
	}
	for i, w := range want {
		if !strings.EqualFold(columns[i].name, w.name) || !strings.EqualFold(columns[i].ctype, w.ctype) {
			return fmt.Errorf("%w: column %d is %s %s, want %s %s",
				ErrBadSchema, i, columns[i].name, columns[i].ctype, w.name, w.ctype)
		}
	}
	return nil
}

// ZoomRange reports the zoom levels present in the file.
func (s *Store) ZoomRange() (min, max int, err error) {
	var lo, hi sql.NullInt64
	row := s.db.QueryRow("SELECT min(zoom_level), max(zoom_level) FROM tiles")
	if err := row.Scan(&lo, &hi); err != nil {
		return 0, 0, err
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, ErrEmptyTileSet
	}
	min, max = int(lo.Int64), int(hi.Int64)
	if min < 0 || min > max {
		return 0, 0, fmt.Errorf("%w: (%d, %d)", ErrInvalidZoomRange, min, max)
	}
	return min, max, nil
}

// TileExtents reports the raw stored column and row extremes at a zoom
// level. Rows are in the file's native bottom-origin convention and are not
// guaranteed to lie within the valid index range for the zoom.
func (s *Store) TileExtents(zoom int) (minColumn, minRow, maxColumn, maxRow int, err error) {
	var minC, minR, maxC, maxR sql.NullInt64
	row := s.db.QueryRow(
		"SELECT min(tile_column), min(tile_row), max(tile_column), max(tile_row) "+
			"FROM tiles WHERE zoom_level = ?", zoom)
	if err := row.Scan(&minC, &minR, &maxC, &maxR); err != nil {
		return 0, 0, 0, 0, err
	}
	if !minC.Valid {
		return 0, 0, 0, 0, ErrEmptyTileSet
	}
	return int(minC.Int64), int(minR.Int64), int(maxC.Int64), int(maxR.Int64), nil
}

// TileData returns the encoded image of the tile at a top-origin index, or
// nil when no such tile is stored. Absence is not an error.
func (s *Store) TileData(zoom, column, row int) ([]byte, error) {
	storeRow := (1 << uint(zoom)) - row - 1 // XYZ -> TMS

	var data []byte
	if err := s.tile.QueryRow(zoom, column, storeRow).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("mbtiles: no tile", "zoom", zoom, "column", column, "row", row)
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Metadata is the content of the metadata table. Only the well-known keys
// are typed; everything else ends up in Extra.
type Metadata struct {
	Name        string                 `json:"name"`
	Format      string                 `json:"format" validate:"omitempty,oneof=png jpg jpeg webp pbf"`
	Bounds      string                 `json:"bounds"`
	Center      string                 `json:"center"`
	MinZoom     string                 `json:"minzoom" validate:"omitempty,numeric"`
	MaxZoom     string                 `json:"maxzoom" validate:"omitempty,numeric"`
	Description string                 `json:"description"`
	Attribution string                 `json:"attribution"`
	Version     string                 `json:"version"`
	Type        string                 `json:"type" validate:"omitempty,oneof=overlay baselayer"`
	Extra       map[string]interface{} `json:"-"`
}

// Metadata reads and validates the metadata table. A missing table is not
// an error; the result is then empty.
func (s *Store) Metadata() (Metadata, error) {
	var meta Metadata

	rows, err := s.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		// The metadata table is optional in practice.
		s.logger.Debug("mbtiles: no metadata table", "path", s.path)
		return meta, nil
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return meta, err
		}
		kv[name] = value
	}
	if err := rows.Err(); err != nil {
		return meta, err
	}

	raw, err := json.Marshal(kv)
	if err != nil {
		return meta, err
	}
	meta.Extra, err = marshmallow.Unmarshal(raw, &meta,
		marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return meta, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&meta); err != nil {
		return meta, fmt.Errorf("invalid metadata: %w", err)
	}
	return meta, nil
}
