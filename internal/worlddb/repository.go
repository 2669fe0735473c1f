// Package worlddb is the read-mostly façade over the world's persisted
// chunk/region store.
//
// The store is a single sqlite file owned by the game server. Readers share a
// bounded pool of connections; a connection is held only for one statement or
// one transaction.
package worlddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

const pageSize = 1024

type Options struct {
	MaxConnections int
	AcquireTimeout time.Duration
	BusyTimeout    time.Duration
}

type Repository struct {
	db   *sql.DB
	pool *connPool
	log  *zap.Logger
	once sync.Once
}

func Open(path string, opts Options, log *zap.Logger) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty world db path", atlaserr.ErrInvalidConfiguration)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, atlaserr.Unrecoverable("create world dir", err)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate", path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, atlaserr.FromSQLite("open world db", err)
	}
	r := &Repository{
		db:   db,
		pool: newConnPool(db, opts.MaxConnections, opts.AcquireTimeout),
		log:  log.Named("worlddb"),
	}
	if err := r.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunk (
			position INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS mapregion (
			position INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		);`,
	}
	return r.pool.with(ctx, "init world schema", func(c *sql.Conn) error {
		for _, s := range stmts {
			if _, err := c.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) Close() error {
	var err error
	r.once.Do(func() { err = r.db.Close() })
	return err
}

// ListChunkPositions enumerates stored chunks in key order. The sequence is
// lazy and restartable: every range over it re-reads the store page by page.
func (r *Repository) ListChunkPositions(ctx context.Context) iter.Seq2[ChunkPosition, error] {
	return func(yield func(ChunkPosition, error) bool) {
		for k, err := range r.keys(ctx, tableChunk) {
			if !yield(ChunkPositionFromKey(k), err) || err != nil {
				return
			}
		}
	}
}

func (r *Repository) ListRegionPositions(ctx context.Context) iter.Seq2[RegionPosition, error] {
	return func(yield func(RegionPosition, error) bool) {
		for k, err := range r.keys(ctx, tableRegion) {
			if !yield(RegionPositionFromKey(k), err) || err != nil {
				return
			}
		}
	}
}

type table int

const (
	tableChunk table = iota
	tableRegion
)

func (t table) queries() (first, next, get, put string) {
	switch t {
	case tableRegion:
		return `SELECT position FROM mapregion ORDER BY position LIMIT ?`,
			`SELECT position FROM mapregion WHERE position > ? ORDER BY position LIMIT ?`,
			`SELECT data FROM mapregion WHERE position = ?`,
			`INSERT OR REPLACE INTO mapregion(position, data) VALUES(?, ?)`
	default:
		return `SELECT position FROM chunk ORDER BY position LIMIT ?`,
			`SELECT position FROM chunk WHERE position > ? ORDER BY position LIMIT ?`,
			`SELECT data FROM chunk WHERE position = ?`,
			`INSERT OR REPLACE INTO chunk(position, data) VALUES(?, ?)`
	}
}

func (r *Repository) keys(ctx context.Context, t table) iter.Seq2[int64, error] {
	first, next, _, _ := t.queries()
	return func(yield func(int64, error) bool) {
		var (
			after   int64
			started bool
		)
		for {
			page := make([]int64, 0, pageSize)
			err := r.pool.with(ctx, "list positions", func(c *sql.Conn) error {
				var (
					rows *sql.Rows
					err  error
				)
				if started {
					rows, err = c.QueryContext(ctx, next, after, pageSize)
				} else {
					rows, err = c.QueryContext(ctx, first, pageSize)
				}
				if err != nil {
					return err
				}
				defer rows.Close()
				for rows.Next() {
					var k int64
					if err := rows.Scan(&k); err != nil {
						return err
					}
					page = append(page, k)
				}
				return rows.Err()
			})
			if err != nil {
				yield(0, err)
				return
			}
			for _, k := range page {
				if !yield(k, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after, started = page[len(page)-1], true
		}
	}
}

func (r *Repository) getBlob(ctx context.Context, t table, key int64) ([]byte, bool, error) {
	_, _, get, _ := t.queries()
	var blob []byte
	err := r.pool.with(ctx, "get record", func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, get, key).Scan(&blob)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// GetChunk returns the decoded chunk, or ok=false when it was never generated.
// A record that fails to decode is logged and reported as absent.
func (r *Repository) GetChunk(ctx context.Context, pos ChunkPosition) (*ChunkSnapshot, bool, error) {
	blob, ok, err := r.getBlob(ctx, tableChunk, pos.Key())
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := DecodeChunk(blob)
	if err != nil {
		r.log.Warn("corrupt chunk record; treating as absent",
			zap.Stringer("chunk", pos), zap.Error(atlaserr.Corrupt("chunk", err)))
		return nil, false, nil
	}
	return rec.Snapshot(pos), true, nil
}

func (r *Repository) GetRegion(ctx context.Context, pos RegionPosition) (*RegionData, bool, error) {
	blob, ok, err := r.getBlob(ctx, tableRegion, pos.Key())
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := DecodeRegion(blob)
	if err != nil {
		r.log.Warn("corrupt region record; treating as absent",
			zap.Stringer("region", pos), zap.Error(atlaserr.Corrupt("region", err)))
		return nil, false, nil
	}
	return rec.Data(pos), true, nil
}

// SaveChunks writes the batch in one transaction: all records or none.
func (r *Repository) SaveChunks(ctx context.Context, batch map[ChunkPosition]ChunkRecord) error {
	blobs := make(map[int64][]byte, len(batch))
	for pos, rec := range batch {
		b, err := EncodeChunk(rec)
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", pos, err)
		}
		blobs[pos.Key()] = b
	}
	return r.saveBlobs(ctx, tableChunk, blobs)
}

// SaveRegions is SaveChunks for region records.
func (r *Repository) SaveRegions(ctx context.Context, batch map[RegionPosition]RegionRecord) error {
	blobs := make(map[int64][]byte, len(batch))
	for pos, rec := range batch {
		b, err := EncodeRegion(rec)
		if err != nil {
			return fmt.Errorf("encode region %s: %w", pos, err)
		}
		blobs[pos.Key()] = b
	}
	return r.saveBlobs(ctx, tableRegion, blobs)
}

func (r *Repository) saveBlobs(ctx context.Context, t table, blobs map[int64][]byte) error {
	if len(blobs) == 0 {
		return nil
	}
	keys := make([]int64, 0, len(blobs))
	for k := range blobs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	_, _, _, put := t.queries()
	return r.pool.with(ctx, "save records", func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.PrepareContext(ctx, put)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, k := range keys {
			if _, err := stmt.ExecContext(ctx, k, blobs[k]); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
