package worlddb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

func openTestRepo(t *testing.T, conns int, timeout time.Duration) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "world.vcdbs"), Options{MaxConnections: conns, AcquireTimeout: timeout}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func filledChunk(fill uint32, version string) ChunkRecord {
	rec := ChunkRecord{GameVersion: version, Blocks: make([]uint32, ChunkArea), Heights: make([]uint16, ChunkArea)}
	for i := range rec.Blocks {
		rec.Blocks[i] = fill
		rec.Heights[i] = 110
	}
	return rec
}

func TestSaveAndGetChunk(t *testing.T) {
	r := openTestRepo(t, 2, time.Second)
	ctx := context.Background()
	rec := filledChunk(7, "1.20.0")
	rec.Traders = []Trader{{ID: 42, Name: "Ada", Type: "foods", X: 100, Y: 110, Z: -40}}
	pos := ChunkPosition{X: -3, Z: 9}
	if err := r.SaveChunks(ctx, map[ChunkPosition]ChunkRecord{pos: rec}); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, ok, err := r.GetChunk(ctx, pos)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if snap.Pos != pos || snap.GameVersion != "1.20.0" || snap.BlockAt(31, 31) != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap.Pos)
	}
	if len(snap.Traders) != 1 || snap.Traders[0].Name != "Ada" {
		t.Fatalf("traders lost: %+v", snap.Traders)
	}
}

func TestGetChunk_AbsentIsNotAnError(t *testing.T) {
	r := openTestRepo(t, 1, time.Second)
	_, ok, err := r.GetChunk(context.Background(), ChunkPosition{X: 1, Z: 1})
	if err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}
	_, ok, err = r.GetRegion(context.Background(), RegionPosition{})
	if err != nil || ok {
		t.Fatalf("expected absent region, got ok=%v err=%v", ok, err)
	}
}

func TestGetChunk_CorruptRecordDegradesToAbsent(t *testing.T) {
	r := openTestRepo(t, 1, time.Second)
	ctx := context.Background()
	pos := ChunkPosition{X: 0, Z: 0}
	err := r.pool.with(ctx, "raw", func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, `INSERT INTO chunk(position, data) VALUES(?, ?)`, pos.Key(), []byte("not zstd"))
		return err
	})
	if err != nil {
		t.Fatalf("raw insert: %v", err)
	}
	_, ok, err := r.GetChunk(ctx, pos)
	if err != nil || ok {
		t.Fatalf("corrupt record should be absent, got ok=%v err=%v", ok, err)
	}
}

func TestSaveChunks_InvalidRecordWritesNothing(t *testing.T) {
	r := openTestRepo(t, 1, time.Second)
	ctx := context.Background()
	batch := map[ChunkPosition]ChunkRecord{
		{X: 0, Z: 0}: filledChunk(1, "v"),
		{X: 1, Z: 0}: {Blocks: []uint32{1}},
	}
	if err := r.SaveChunks(ctx, batch); err == nil {
		t.Fatalf("expected encode failure")
	}
	if _, ok, _ := r.GetChunk(ctx, ChunkPosition{X: 0, Z: 0}); ok {
		t.Fatalf("partial batch was written")
	}
}

func TestListChunkPositions_PagesAndRestarts(t *testing.T) {
	r := openTestRepo(t, 2, time.Second)
	ctx := context.Background()
	batch := map[ChunkPosition]ChunkRecord{}
	for x := int32(-30); x < 30; x++ {
		for z := int32(-20); z < 20; z++ {
			batch[ChunkPosition{X: x, Z: z}] = filledChunk(1, "v")
		}
	}
	if err := r.SaveChunks(ctx, batch); err != nil {
		t.Fatalf("save: %v", err)
	}
	for pass := 0; pass < 2; pass++ {
		seen := map[ChunkPosition]bool{}
		for pos, err := range r.ListChunkPositions(ctx) {
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if seen[pos] {
				t.Fatalf("duplicate %v", pos)
			}
			seen[pos] = true
		}
		if len(seen) != len(batch) {
			t.Fatalf("pass %d: got %d positions want %d", pass, len(seen), len(batch))
		}
	}
	n := 0
	for range r.ListChunkPositions(ctx) {
		n++
		if n == 5 {
			break
		}
	}
	if r.pool.inUse() != 0 {
		t.Fatalf("connection leaked after early break")
	}
}

func TestPoolExhaustionReturnsBusy(t *testing.T) {
	r := openTestRepo(t, 1, 50*time.Millisecond)
	ctx := context.Background()
	_, release, err := r.pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, _, err = r.GetChunk(ctx, ChunkPosition{})
	if !errors.Is(err, atlaserr.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	release()
	if _, _, err := r.GetChunk(ctx, ChunkPosition{}); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestRegionsAndClimateLookup(t *testing.T) {
	r := openTestRepo(t, 2, time.Second)
	ctx := context.Background()
	rec := RegionRecord{ClimateSize: 16, Climate: make([]uint32, 256)}
	rec.Climate[1+2*16] = PackClimate(200, 50)
	pos := RegionPosition{X: -1, Z: 0}
	if err := r.SaveRegions(ctx, map[RegionPosition]RegionRecord{pos: rec}); err != nil {
		t.Fatalf("save regions: %v", err)
	}
	var got []RegionPosition
	for p, err := range r.ListRegionPositions(ctx) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		got = append(got, p)
	}
	if len(got) != 1 || got[0] != pos {
		t.Fatalf("positions: %v", got)
	}
	reg, ok, err := r.GetRegion(ctx, pos)
	if err != nil || !ok {
		t.Fatalf("get region: %v %v", ok, err)
	}
	// cell (1,2) covers blocks x in [-512+32, -512+64), z in [64, 96)
	temp, rain := reg.ClimateAtBlock(-512+40, 70)
	if temp != 200 || rain != 50 {
		t.Fatalf("climate: got %d,%d", temp, rain)
	}
}

func TestPositionKeysRoundTrip(t *testing.T) {
	for _, p := range []ChunkPosition{{0, 0}, {-1, -1}, {1 << 30, -(1 << 30)}, {-2147483648, 2147483647}} {
		if got := ChunkPositionFromKey(p.Key()); got != p {
			t.Fatalf("key round trip: %v -> %v", p, got)
		}
	}
	if (ChunkPosition{X: -1, Z: 16}).Region() != (RegionPosition{X: -1, Z: 1}) {
		t.Fatalf("region of chunk")
	}
}
