// Package metastore persists the derived, non-raster layers: traders,
// climate point sets and chunk-version regions. It outlives a single export
// pass and survives restarts.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

type Store struct {
	db   *sql.DB
	log  *zap.Logger
	once sync.Once

	// beforeClimateInsert, when set, runs before the i-th row of a climate
	// replace. Tests use it to fail a replace part way through.
	beforeClimateInsert func(i int) error
}

// VersionRegion is one 4-connected group of chunks saved by the same game version.
type VersionRegion struct {
	ID         int
	Version    string
	ChunkCount int
	MinX, MinZ int32
	MaxX, MaxZ int32
	Chunks     []worlddb.ChunkPosition
}

func Open(path string, busyTimeout time.Duration, log *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty metadata store path", atlaserr.ErrInvalidConfiguration)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, atlaserr.Unrecoverable("create metadata dir", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, atlaserr.FromSQLite("open metadata store", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, atlaserr.FromSQLite("init metadata schema", err)
	}
	return &Store{db: db, log: log.Named("metastore")}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS traders (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS climate_data (
			layer TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			value INTEGER NOT NULL,
			real_value REAL NOT NULL,
			PRIMARY KEY (layer, x, z)
		);`,
		`CREATE TABLE IF NOT EXISTS version_regions (
			id INTEGER PRIMARY KEY,
			version TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			min_x INTEGER NOT NULL,
			min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL,
			max_z INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version_region_chunks (
			region_id INTEGER NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			PRIMARY KEY (region_id, x, z)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}

// UpsertTraders writes every trader keyed by id. A later call overwrites
// earlier sightings of the same id.
func (s *Store) UpsertTraders(ctx context.Context, traders []worlddb.Trader) error {
	if len(traders) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return atlaserr.FromSQLite("upsert traders: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO traders(id, name, type, x, y, z, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type,
			x = excluded.x, y = excluded.y, z = excluded.z, updated_at = excluded.updated_at`)
	if err != nil {
		return atlaserr.FromSQLite("upsert traders: prepare", err)
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for _, t := range traders {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Name, t.Type, t.X, t.Y, t.Z, now); err != nil {
			return atlaserr.FromSQLite("upsert trader", err)
		}
	}
	return atlaserr.FromSQLite("upsert traders: commit", tx.Commit())
}

// Traders returns every known trader ordered by id.
func (s *Store) Traders(ctx context.Context) ([]worlddb.Trader, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, x, y, z FROM traders ORDER BY id`)
	if err != nil {
		return nil, atlaserr.FromSQLite("list traders", err)
	}
	defer rows.Close()
	var out []worlddb.Trader
	for rows.Next() {
		var t worlddb.Trader
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.X, &t.Y, &t.Z); err != nil {
			return nil, atlaserr.FromSQLite("list traders: scan", err)
		}
		out = append(out, t)
	}
	return out, atlaserr.FromSQLite("list traders: rows", rows.Err())
}

// StoreClimateData replaces the whole point set of layer in one transaction.
// Readers see either the previous set or the new one, never a mix.
func (s *Store) StoreClimateData(ctx context.Context, layer climate.Layer, points []climate.Point) error {
	if !layer.Valid() {
		return fmt.Errorf("unknown climate layer %q", layer)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return atlaserr.FromSQLite("store climate: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM climate_data WHERE layer = ?`, string(layer)); err != nil {
		return atlaserr.FromSQLite("store climate: delete", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO climate_data(layer, x, z, value, real_value) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return atlaserr.FromSQLite("store climate: prepare", err)
	}
	defer stmt.Close()
	for i, p := range points {
		if s.beforeClimateInsert != nil {
			if err := s.beforeClimateInsert(i); err != nil {
				return fmt.Errorf("store climate %s: %w", layer, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, string(layer), p.X, p.Z, int(p.Value), p.Real); err != nil {
			return atlaserr.FromSQLite("store climate: insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return atlaserr.FromSQLite("store climate: commit", err)
	}
	s.log.Debug("stored climate layer", zap.String("layer", string(layer)), zap.Int("points", len(points)))
	return nil
}

// ClimateData returns the stored points of layer ordered by (z, x).
func (s *Store) ClimateData(ctx context.Context, layer climate.Layer) ([]climate.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, z, value, real_value FROM climate_data WHERE layer = ? ORDER BY z, x`, string(layer))
	if err != nil {
		return nil, atlaserr.FromSQLite("climate data", err)
	}
	defer rows.Close()
	var out []climate.Point
	for rows.Next() {
		var (
			p climate.Point
			v int
		)
		if err := rows.Scan(&p.X, &p.Z, &v, &p.Real); err != nil {
			return nil, atlaserr.FromSQLite("climate data: scan", err)
		}
		p.Value = uint8(v)
		out = append(out, p)
	}
	return out, atlaserr.FromSQLite("climate data: rows", rows.Err())
}

// ReplaceVersionRegions swaps the full region list in one transaction.
func (s *Store) ReplaceVersionRegions(ctx context.Context, regions []VersionRegion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return atlaserr.FromSQLite("replace version regions: begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{`DELETE FROM version_region_chunks`, `DELETE FROM version_regions`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return atlaserr.FromSQLite("replace version regions: clear", err)
		}
	}
	for _, r := range regions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_regions(id, version, chunk_count, min_x, min_z, max_x, max_z) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Version, r.ChunkCount, r.MinX, r.MinZ, r.MaxX, r.MaxZ); err != nil {
			return atlaserr.FromSQLite("insert version region", err)
		}
		for _, c := range r.Chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO version_region_chunks(region_id, x, z) VALUES(?, ?, ?)`, r.ID, c.X, c.Z); err != nil {
				return atlaserr.FromSQLite("insert version region chunk", err)
			}
		}
	}
	return atlaserr.FromSQLite("replace version regions: commit", tx.Commit())
}

// VersionRegions loads every region with its member chunks, ordered by id.
func (s *Store) VersionRegions(ctx context.Context) ([]VersionRegion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, chunk_count, min_x, min_z, max_x, max_z FROM version_regions ORDER BY id`)
	if err != nil {
		return nil, atlaserr.FromSQLite("version regions", err)
	}
	var out []VersionRegion
	idx := map[int]int{}
	for rows.Next() {
		var r VersionRegion
		if err := rows.Scan(&r.ID, &r.Version, &r.ChunkCount, &r.MinX, &r.MinZ, &r.MaxX, &r.MaxZ); err != nil {
			rows.Close()
			return nil, atlaserr.FromSQLite("version regions: scan", err)
		}
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, atlaserr.FromSQLite("version regions: rows", err)
	}

	crows, err := s.db.QueryContext(ctx, `SELECT region_id, x, z FROM version_region_chunks ORDER BY region_id, z, x`)
	if err != nil {
		return nil, atlaserr.FromSQLite("version region chunks", err)
	}
	defer crows.Close()
	for crows.Next() {
		var (
			id int
			c  worlddb.ChunkPosition
		)
		if err := crows.Scan(&id, &c.X, &c.Z); err != nil {
			return nil, atlaserr.FromSQLite("version region chunks: scan", err)
		}
		if i, ok := idx[id]; ok {
			out[i].Chunks = append(out[i].Chunks, c)
		}
	}
	return out, atlaserr.FromSQLite("version region chunks: rows", crows.Err())
}

func (s *Store) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := s.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return atlaserr.FromSQLite("checkpoint metadata store", err)
	}
	if busy != 0 {
		return atlaserr.Busy("checkpoint metadata store", nil)
	}
	s.log.Debug("checkpoint", zap.Int("frames", logFrames), zap.Int("checkpointed", checkpointed))
	return nil
}
