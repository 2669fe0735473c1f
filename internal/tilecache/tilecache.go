// Package tilecache is the single-file persistent tile store.
//
// Tiles are keyed by (zoom, x, y) in absolute storage coordinates; readers
// must not apply any TMS flip or zoom-relative normalisation before lookup.
// Climate rasters live in parallel (x, y) tables with their own lifecycle.
package tilecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
)

type Options struct {
	BusyTimeout    time.Duration
	MaxConnections int
	// ZoomLevels bounds writes to zooms [0, ZoomLevels). Zero leaves the
	// upper end open.
	ZoomLevels int
}

type Cache struct {
	db     *sql.DB
	log    *zap.Logger
	once   sync.Once
	levels int
}

// Extent is the bounding box of populated tiles at one zoom level.
type Extent struct {
	MinX, MaxX int64
	MinY, MaxY int64
	Count      int64
}

func (c *Cache) checkZoom(zoom int) error {
	if zoom < 0 || (c.levels > 0 && zoom >= c.levels) {
		return fmt.Errorf("%w: %d", atlaserr.ErrInvalidZoom, zoom)
	}
	return nil
}

func Open(path string, opts Options, log *zap.Logger) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty tile cache path", atlaserr.ErrInvalidConfiguration)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, atlaserr.Unrecoverable("create cache dir", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	if opts.ZoomLevels < 0 {
		return nil, fmt.Errorf("%w: zoom levels %d", atlaserr.ErrInvalidConfiguration, opts.ZoomLevels)
	}

	// WAL is much faster for bulk writes and lets readers overlap the writer.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, atlaserr.FromSQLite("open tile cache", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)
	db.SetMaxIdleConns(opts.MaxConnections)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, atlaserr.FromSQLite("init tile cache schema", err)
	}
	return &Cache{db: db, log: log.Named("tilecache"), levels: opts.ZoomLevels}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS temperature_tiles (
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			PRIMARY KEY (tile_column, tile_row)
		);`,
		`CREATE TABLE IF NOT EXISTS rainfall_tiles (
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			PRIMARY KEY (tile_column, tile_row)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error {
	var err error
	c.once.Do(func() { err = c.db.Close() })
	return err
}

// PutTile upserts one tile and widens the minzoom/maxzoom metadata in the same
// transaction. The bounds never narrow.
func (c *Cache) PutTile(ctx context.Context, zoom int, x, y int64, data []byte) error {
	if err := c.checkZoom(zoom); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return atlaserr.FromSQLite("put tile: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tiles(zoom_level, tile_column, tile_row, tile_data) VALUES(?, ?, ?, ?)
		 ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`,
		zoom, x, y, data); err != nil {
		return atlaserr.FromSQLite("put tile", err)
	}
	z := strconv.Itoa(zoom)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metadata(name, value) VALUES('minzoom', ?)
		 ON CONFLICT(name) DO UPDATE SET value = CAST(MIN(CAST(value AS INTEGER), CAST(excluded.value AS INTEGER)) AS TEXT)`, z); err != nil {
		return atlaserr.FromSQLite("put tile: minzoom", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metadata(name, value) VALUES('maxzoom', ?)
		 ON CONFLICT(name) DO UPDATE SET value = CAST(MAX(CAST(value AS INTEGER), CAST(excluded.value AS INTEGER)) AS TEXT)`, z); err != nil {
		return atlaserr.FromSQLite("put tile: maxzoom", err)
	}
	if err := tx.Commit(); err != nil {
		return atlaserr.FromSQLite("put tile: commit", err)
	}
	return nil
}

// GetTile returns the stored bytes, or ok=false when the tile was never written.
func (c *Cache) GetTile(ctx context.Context, zoom int, x, y int64) ([]byte, bool, error) {
	var b []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		zoom, x, y).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, atlaserr.FromSQLite("get tile", err)
	}
	return b, true, nil
}

func (c *Cache) DeleteTile(ctx context.Context, zoom int, x, y int64) error {
	if err := c.checkZoom(zoom); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`, zoom, x, y)
	return atlaserr.FromSQLite("delete tile", err)
}

// Extent is computed from the stored rows on every call. ok is false when zoom has no tiles.
func (c *Cache) Extent(ctx context.Context, zoom int) (Extent, bool, error) {
	var (
		e                      Extent
		minX, maxX, minY, maxY sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row), COUNT(*)
		 FROM tiles WHERE zoom_level = ?`, zoom).Scan(&minX, &maxX, &minY, &maxY, &e.Count)
	if err != nil {
		return Extent{}, false, atlaserr.FromSQLite("tile extent", err)
	}
	if e.Count == 0 {
		return Extent{}, false, nil
	}
	e.MinX, e.MaxX, e.MinY, e.MaxY = minX.Int64, maxX.Int64, minY.Int64, maxY.Int64
	return e, true, nil
}

// TileXY is a tile position within one zoom level.
type TileXY struct{ X, Y int64 }

// ListTiles returns every stored tile position at zoom ordered by (y, x).
func (c *Cache) ListTiles(ctx context.Context, zoom int) ([]TileXY, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT tile_column, tile_row FROM tiles WHERE zoom_level = ? ORDER BY tile_row, tile_column`, zoom)
	if err != nil {
		return nil, atlaserr.FromSQLite("list tiles", err)
	}
	defer rows.Close()
	var out []TileXY
	for rows.Next() {
		var t TileXY
		if err := rows.Scan(&t.X, &t.Y); err != nil {
			return nil, atlaserr.FromSQLite("list tiles: scan", err)
		}
		out = append(out, t)
	}
	return out, atlaserr.FromSQLite("list tiles: rows", rows.Err())
}

// ZoomBounds returns the recorded minzoom/maxzoom. ok is false before the first PutTile.
func (c *Cache) ZoomBounds(ctx context.Context) (minZoom, maxZoom int, ok bool, err error) {
	lo, okLo, err := c.Metadata(ctx, "minzoom")
	if err != nil {
		return 0, 0, false, err
	}
	hi, okHi, err := c.Metadata(ctx, "maxzoom")
	if err != nil {
		return 0, 0, false, err
	}
	if !okLo || !okHi {
		return 0, 0, false, nil
	}
	minZoom, err1 := strconv.Atoi(lo)
	maxZoom, err2 := strconv.Atoi(hi)
	if err := errors.Join(err1, err2); err != nil {
		return 0, 0, false, atlaserr.Corrupt("zoom bounds metadata", err)
	}
	return minZoom, maxZoom, true, nil
}

func (c *Cache) Metadata(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, atlaserr.FromSQLite("get metadata", err)
	}
	return v, true, nil
}

// SetMetadata writes free-form key/values. minzoom and maxzoom are owned by
// PutTile and rejected here so they can only widen.
func (c *Cache) SetMetadata(ctx context.Context, kv map[string]string) error {
	for k := range kv {
		if k == "minzoom" || k == "maxzoom" {
			return fmt.Errorf("metadata %q is maintained by PutTile", k)
		}
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return atlaserr.FromSQLite("set metadata: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO metadata(name, value) VALUES(?, ?)`, k, v); err != nil {
			return atlaserr.FromSQLite("set metadata", err)
		}
	}
	return atlaserr.FromSQLite("set metadata: commit", tx.Commit())
}

func climateTable(layer climate.Layer) (string, error) {
	switch layer {
	case climate.Temperature:
		return "temperature_tiles", nil
	case climate.Rainfall:
		return "rainfall_tiles", nil
	default:
		return "", fmt.Errorf("unknown climate layer %q", layer)
	}
}

func (c *Cache) GetClimateTile(ctx context.Context, layer climate.Layer, x, y int64) ([]byte, bool, error) {
	tbl, err := climateTable(layer)
	if err != nil {
		return nil, false, err
	}
	var b []byte
	err = c.db.QueryRowContext(ctx,
		`SELECT tile_data FROM `+tbl+` WHERE tile_column = ? AND tile_row = ?`, x, y).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, atlaserr.FromSQLite("get climate tile", err)
	}
	return b, true, nil
}

// ReplaceClimateTiles swaps the whole layer inside one transaction, pulling
// tiles from the sequence as it inserts them. An error from the sequence
// rolls back and leaves the previous layer in place.
func (c *Cache) ReplaceClimateTiles(ctx context.Context, layer climate.Layer, tiles iter.Seq2[climate.Tile, error]) (int, error) {
	tbl, err := climateTable(layer)
	if err != nil {
		return 0, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, atlaserr.FromSQLite("replace climate tiles: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl); err != nil {
		return 0, atlaserr.FromSQLite("replace climate tiles: delete", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+tbl+`(tile_column, tile_row, tile_data) VALUES(?, ?, ?)`)
	if err != nil {
		return 0, atlaserr.FromSQLite("replace climate tiles: prepare", err)
	}
	defer stmt.Close()
	n := 0
	for t, err := range tiles {
		if err != nil {
			return 0, fmt.Errorf("replace %s tiles: %w", layer, err)
		}
		if _, err := stmt.ExecContext(ctx, t.X, t.Y, t.Data); err != nil {
			return 0, atlaserr.FromSQLite("replace climate tiles: insert", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, atlaserr.FromSQLite("replace climate tiles: commit", err)
	}
	return n, nil
}

// Checkpoint flushes the WAL into the main database file.
func (c *Cache) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := c.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return atlaserr.FromSQLite("checkpoint tile cache", err)
	}
	if busy != 0 {
		return atlaserr.Busy("checkpoint tile cache", nil)
	}
	c.log.Debug("checkpoint", zap.Int("frames", logFrames), zap.Int("checkpointed", checkpointed))
	return nil
}
