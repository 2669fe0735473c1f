package metastore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"), 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertTraders_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if err := s.UpsertTraders(ctx, []worlddb.Trader{
		{ID: 2, Name: "Ada", Type: "foods", X: 1, Y: 110, Z: 2},
		{ID: 1, Name: "Bo", Type: "tools", X: -5, Y: 100, Z: 9},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertTraders(ctx, []worlddb.Trader{{ID: 2, Name: "Ada", Type: "foods", X: 40, Y: 111, Z: 41}}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := s.Traders(ctx)
	if err != nil {
		t.Fatalf("traders: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("unexpected traders: %+v", got)
	}
	if got[1].X != 40 || got[1].Z != 41 {
		t.Fatalf("latest sighting should win: %+v", got[1])
	}
}

func TestStoreClimateData_ReplacesLayer(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	first := []climate.Point{{X: 0, Z: 0, Value: 10, Real: -17.6}, {X: 32, Z: 0, Value: 20, Real: -15.3}}
	if err := s.StoreClimateData(ctx, climate.Temperature, first); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreClimateData(ctx, climate.Rainfall, []climate.Point{{X: 0, Z: 0, Value: 255, Real: 1}}); err != nil {
		t.Fatalf("store rain: %v", err)
	}
	if err := s.StoreClimateData(ctx, climate.Temperature, []climate.Point{{X: 64, Z: 64, Value: 1}}); err != nil {
		t.Fatalf("store again: %v", err)
	}
	temp, err := s.ClimateData(ctx, climate.Temperature)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(temp) != 1 || temp[0].X != 64 {
		t.Fatalf("temperature not replaced: %+v", temp)
	}
	rain, _ := s.ClimateData(ctx, climate.Rainfall)
	if len(rain) != 1 || rain[0].Value != 255 {
		t.Fatalf("rainfall should be untouched: %+v", rain)
	}
}

func TestStoreClimateData_InterruptedReplaceKeepsPreviousSet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	prev := []climate.Point{{X: 0, Z: 0, Value: 1}, {X: 1, Z: 0, Value: 2}, {X: 2, Z: 0, Value: 3}}
	if err := s.StoreClimateData(ctx, climate.Temperature, prev); err != nil {
		t.Fatalf("store: %v", err)
	}

	boom := errors.New("disk pulled")
	s.beforeClimateInsert = func(i int) error {
		if i == 2 {
			return boom
		}
		return nil
	}
	next := []climate.Point{{X: 9, Z: 9, Value: 9}, {X: 10, Z: 9, Value: 9}, {X: 11, Z: 9, Value: 9}, {X: 12, Z: 9, Value: 9}}
	if err := s.StoreClimateData(ctx, climate.Temperature, next); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	s.beforeClimateInsert = nil

	got, err := s.ClimateData(ctx, climate.Temperature)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(prev) {
		t.Fatalf("got %d points, want the previous %d", len(got), len(prev))
	}
	for i := range prev {
		if got[i].X != prev[i].X || got[i].Value != prev[i].Value {
			t.Fatalf("point %d: got %+v want %+v", i, got[i], prev[i])
		}
	}
}

func TestVersionRegions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	regions := []VersionRegion{
		{ID: 1, Version: "1.19.8", ChunkCount: 2, MinX: 0, MinZ: 0, MaxX: 1, MaxZ: 0,
			Chunks: []worlddb.ChunkPosition{{X: 0, Z: 0}, {X: 1, Z: 0}}},
		{ID: 2, Version: "1.20.0", ChunkCount: 1, MinX: 5, MinZ: 5, MaxX: 5, MaxZ: 5,
			Chunks: []worlddb.ChunkPosition{{X: 5, Z: 5}}},
	}
	if err := s.ReplaceVersionRegions(ctx, regions); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := s.VersionRegions(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Version != "1.19.8" || len(got[0].Chunks) != 2 || got[1].Chunks[0] != (worlddb.ChunkPosition{X: 5, Z: 5}) {
		t.Fatalf("unexpected regions: %+v", got)
	}
	if err := s.ReplaceVersionRegions(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := s.VersionRegions(ctx); len(got) != 0 {
		t.Fatalf("regions not cleared: %+v", got)
	}
	if err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}

func TestCheckpoint_ReportsBusyWhileReaderHoldsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(path, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.UpsertTraders(ctx, []worlddb.Trader{{ID: 1, Name: "Ina"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reader, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(20)")
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()
	tx, err := reader.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM traders`).Scan(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.UpsertTraders(ctx, []worlddb.Trader{{ID: 2, Name: "Ada"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Checkpoint(ctx); !errors.Is(err, atlaserr.ErrBusy) {
		t.Fatalf("checkpoint behind an open reader: expected ErrBusy, got %v", err)
	}

	_ = tx.Rollback()
	if err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint after reader finished: %v", err)
	}
}
