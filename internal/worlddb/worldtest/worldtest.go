// Package worldtest builds small world databases for tests of the export pipeline.
package worldtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// Chunk returns a chunk record whose every column is fill at height h.
func Chunk(fill uint32, h uint16) worlddb.ChunkRecord {
	rec := worlddb.ChunkRecord{
		GameVersion: "1.19.8",
		Blocks:      make([]uint32, worlddb.ChunkArea),
		Heights:     make([]uint16, worlddb.ChunkArea),
	}
	for i := range rec.Blocks {
		rec.Blocks[i] = fill
		rec.Heights[i] = h
	}
	return rec
}

// PatternChunk mixes block ids and heights by column so rendered tiles are not flat.
func PatternChunk(seed uint32) worlddb.ChunkRecord {
	rec := Chunk(0, 0)
	for z := 0; z < worlddb.ChunkSize; z++ {
		for x := 0; x < worlddb.ChunkSize; x++ {
			i := x + z*worlddb.ChunkSize
			rec.Blocks[i] = 1 + (seed+uint32(x*7+z*13))%6
			rec.Heights[i] = uint16(100 + (int(seed)+x+z)%24)
		}
	}
	return rec
}

// Region returns a region record with a uniform climate map.
func Region(temp, rain uint8, size int) worlddb.RegionRecord {
	rec := worlddb.RegionRecord{ClimateSize: size, Climate: make([]uint32, size*size)}
	for i := range rec.Climate {
		rec.Climate[i] = worlddb.PackClimate(temp, rain)
	}
	return rec
}

// World is a fixture world database.
type World struct {
	Path string
	Repo *worlddb.Repository
}

// Create opens a fresh world database under tb's temp dir and stores chunks and regions.
func Create(tb testing.TB, chunks map[worlddb.ChunkPosition]worlddb.ChunkRecord, regions map[worlddb.RegionPosition]worlddb.RegionRecord) *World {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "world.vcdbs")
	repo, err := worlddb.Open(path, worlddb.Options{MaxConnections: 4, AcquireTimeout: 5 * time.Second}, nil)
	if err != nil {
		tb.Fatalf("open world: %v", err)
	}
	tb.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	if err := repo.SaveChunks(ctx, chunks); err != nil {
		tb.Fatalf("save chunks: %v", err)
	}
	if err := repo.SaveRegions(ctx, regions); err != nil {
		tb.Fatalf("save regions: %v", err)
	}
	return &World{Path: path, Repo: repo}
}

// PutRawChunk stores blob verbatim, bypassing the codec, to simulate corruption.
func (w *World) PutRawChunk(tb testing.TB, pos worlddb.ChunkPosition, blob []byte) {
	tb.Helper()
	db, err := sql.Open("sqlite", "file:"+w.Path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		tb.Fatalf("open raw: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT OR REPLACE INTO chunk(position, data) VALUES(?, ?)`, pos.Key(), blob); err != nil {
		tb.Fatalf("raw insert: %v", err)
	}
}
