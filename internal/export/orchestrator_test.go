package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/extract"
	"github.com/daviaaze/VintageAtlas-sub002/internal/render"
	"github.com/daviaaze/VintageAtlas-sub002/internal/tilecache"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb/worldtest"
)

const (
	testTileSize = 256
	testBaseZoom = 9
)

func openCache(t *testing.T) *tilecache.Cache {
	t.Helper()
	c, err := tilecache.Open(filepath.Join(t.TempDir(), "tiles.db"), tilecache.Options{}, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newOrchestrator(t *testing.T, repo ChunkSource, cache TileStore, parallelism int, ex ...extract.Extractor) *Orchestrator {
	t.Helper()
	r := render.NewRenderer(testTileSize, render.NewPalette(nil, 42, 4), nil)
	o, err := New(Config{Name: "test", TileSize: testTileSize, BaseZoom: testBaseZoom, Parallelism: parallelism},
		repo, cache, nil, r, extract.NewSet(nil, ex...), nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestRun_SingleChunkProducesOneBaseTile(t *testing.T) {
	ctx := context.Background()
	w := worldtest.Create(t, map[worlddb.ChunkPosition]worlddb.ChunkRecord{{X: 0, Z: 0}: worldtest.PatternChunk(1)}, nil)
	cache := openCache(t)
	o := newOrchestrator(t, w.Repo, cache, 4)

	res, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Tiles != 1 || res.Chunks != 1 || res.Downsampled != testBaseZoom {
		t.Fatalf("result: %+v", res)
	}
	e, ok, err := cache.Extent(ctx, testBaseZoom)
	if err != nil || !ok {
		t.Fatalf("extent: ok=%v err=%v", ok, err)
	}
	if e != (tilecache.Extent{Count: 1}) {
		t.Fatalf("base extent: %+v", e)
	}
	for z := 0; z < testBaseZoom; z++ {
		if _, ok, _ := cache.GetTile(ctx, z, 0, 0); !ok {
			t.Fatalf("zoom %d tile 0,0 missing", z)
		}
	}
	if _, ok, _ := cache.GetTile(ctx, testBaseZoom, 1, 0); ok {
		t.Fatalf("unexpected neighbour tile")
	}
	if v, _, _ := cache.Metadata(ctx, "bounds"); v != "0,0,0,0" {
		t.Fatalf("bounds metadata: %q", v)
	}
	lo, hi, _, _ := cache.ZoomBounds(ctx)
	if lo != 0 || hi != testBaseZoom {
		t.Fatalf("zoom bounds: [%d,%d]", lo, hi)
	}
	if o.State() != Idle {
		t.Fatalf("state after run: %s", o.State())
	}
}

func spreadWorld(t *testing.T) *worldtest.World {
	t.Helper()
	chunks := map[worlddb.ChunkPosition]worlddb.ChunkRecord{}
	for x := int32(-12); x < 20; x += 3 {
		for z := int32(-9); z < 14; z += 2 {
			chunks[worlddb.ChunkPosition{X: x, Z: z}] = worldtest.PatternChunk(uint32(x*31 + z))
		}
	}
	return worldtest.Create(t, chunks, nil)
}

func TestRun_OutputIndependentOfParallelism(t *testing.T) {
	ctx := context.Background()
	w := spreadWorld(t)
	serial, parallel := openCache(t), openCache(t)
	if _, err := newOrchestrator(t, w.Repo, serial, 1).Run(ctx, Options{}); err != nil {
		t.Fatalf("serial run: %v", err)
	}
	if _, err := newOrchestrator(t, w.Repo, parallel, 8).Run(ctx, Options{}); err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	for z := 0; z <= testBaseZoom; z++ {
		a, err := serial.ListTiles(ctx, z)
		if err != nil {
			t.Fatalf("list serial: %v", err)
		}
		b, _ := parallel.ListTiles(ctx, z)
		if len(a) != len(b) || len(a) == 0 {
			t.Fatalf("zoom %d: %d vs %d tiles", z, len(a), len(b))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("zoom %d: tile sets differ at %d: %+v vs %+v", z, i, a[i], b[i])
			}
			x, _, _ := serial.GetTile(ctx, z, a[i].X, a[i].Y)
			y, _, _ := parallel.GetTile(ctx, z, a[i].X, a[i].Y)
			if !bytes.Equal(x, y) {
				t.Fatalf("zoom %d tile %+v: bytes differ", z, a[i])
			}
		}
	}
}

// gate blocks ProcessChunk until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gate) Kind() extract.Kind                               { return extract.KindTraders }
func (g *gate) Initialize(context.Context, extract.PassInfo) error { return nil }
func (g *gate) Finalize(context.Context, func(int, int)) error     { return nil }
func (g *gate) ProcessChunk(context.Context, *worlddb.ChunkSnapshot) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func TestRun_ConcurrentStartConflicts(t *testing.T) {
	ctx := context.Background()
	w := worldtest.Create(t, map[worlddb.ChunkPosition]worlddb.ChunkRecord{{}: worldtest.Chunk(1, 100)}, nil)
	cache := openCache(t)
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	o := newOrchestrator(t, w.Repo, cache, 2, g)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, Options{})
		done <- err
	}()
	<-g.entered
	if !o.Running() {
		t.Fatalf("orchestrator should report running")
	}

	called := false
	_, err := o.Run(ctx, Options{Progress: func(string, int, int) { called = true }})
	if !errors.Is(err, atlaserr.ErrExportRunning) {
		t.Fatalf("expected ErrExportRunning, got %v", err)
	}
	if called {
		t.Fatalf("a rejected run must have no side effects")
	}
	close(g.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

// stopper stops the orchestrator from inside the first unit of work.
type stopper struct {
	o    *Orchestrator
	once sync.Once
}

func (s *stopper) Kind() extract.Kind                               { return extract.KindTraders }
func (s *stopper) Initialize(context.Context, extract.PassInfo) error { return nil }
func (s *stopper) Finalize(context.Context, func(int, int)) error     { return nil }
func (s *stopper) ProcessChunk(context.Context, *worlddb.ChunkSnapshot) error {
	s.once.Do(s.o.Stop)
	return nil
}

func TestRun_StopKeepsCompletedTiles(t *testing.T) {
	ctx := context.Background()
	w := worldtest.Create(t, map[worlddb.ChunkPosition]worlddb.ChunkRecord{
		{X: 0, Z: 0}:  worldtest.PatternChunk(1),
		{X: 20, Z: 0}: worldtest.PatternChunk(2),
		{X: 40, Z: 0}: worldtest.PatternChunk(3),
	}, nil)
	cache := openCache(t)
	s := &stopper{}
	o := newOrchestrator(t, w.Repo, cache, 1, s)
	s.o = o

	res, err := o.Run(ctx, Options{})
	if !errors.Is(err, atlaserr.ErrCanceled) || !res.Failed() {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if _, ok, _ := cache.GetTile(ctx, testBaseZoom, 0, 0); !ok {
		t.Fatalf("the tile in flight when stopped should be stored")
	}
	if _, ok, _ := cache.GetTile(ctx, testBaseZoom, 5, 0); ok {
		t.Fatalf("no unit should start after stop")
	}
	if o.Running() {
		t.Fatalf("state after cancel: %s", o.State())
	}
	// idempotent re-run completes the pass
	if _, err := newOrchestrator(t, w.Repo, cache, 1).Run(ctx, Options{}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if e, _, _ := cache.Extent(ctx, testBaseZoom); e.Count != 3 {
		t.Fatalf("after rerun: %+v", e)
	}
}

func TestRun_IncrementalTouchesOnlyAffectedTiles(t *testing.T) {
	ctx := context.Background()
	w := worldtest.Create(t, map[worlddb.ChunkPosition]worlddb.ChunkRecord{{}: worldtest.Chunk(1, 100)}, nil)
	cache := openCache(t)
	o := newOrchestrator(t, w.Repo, cache, 2)
	if _, err := o.Run(ctx, Options{}); err != nil {
		t.Fatalf("full run: %v", err)
	}
	before, _, _ := cache.GetTile(ctx, testBaseZoom, 0, 0)
	parentBefore, _, _ := cache.GetTile(ctx, testBaseZoom-1, 0, 0)

	if err := w.Repo.SaveChunks(ctx, map[worlddb.ChunkPosition]worlddb.ChunkRecord{
		{X: 1, Z: 0}:  worldtest.Chunk(2, 120),
		{X: 40, Z: 0}: worldtest.Chunk(2, 120),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var phases []string
	res, err := o.Run(ctx, Options{
		Chunks:   []worlddb.ChunkPosition{{X: 1, Z: 0}},
		Progress: func(phase string, _, _ int) { phases = append(phases, phase) },
	})
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if res.Full || res.Tiles != 1 || res.Chunks != 2 {
		t.Fatalf("incremental result: %+v", res)
	}
	after, _, _ := cache.GetTile(ctx, testBaseZoom, 0, 0)
	if bytes.Equal(before, after) {
		t.Fatalf("touched tile was not re-rendered")
	}
	parentAfter, _, _ := cache.GetTile(ctx, testBaseZoom-1, 0, 0)
	if bytes.Equal(parentBefore, parentAfter) {
		t.Fatalf("ancestor was not rebuilt")
	}
	if _, ok, _ := cache.GetTile(ctx, testBaseZoom, 5, 0); ok {
		t.Fatalf("untouched tile must not be rendered by an incremental pass")
	}
	if len(phases) == 0 || phases[0] != "tiles" {
		t.Fatalf("progress phases: %v", phases)
	}
}

func TestRun_EmptyTileIsDeleted(t *testing.T) {
	ctx := context.Background()
	w := worldtest.Create(t, map[worlddb.ChunkPosition]worlddb.ChunkRecord{{}: worldtest.Chunk(1, 100)}, nil)
	cache := openCache(t)
	o := newOrchestrator(t, w.Repo, cache, 1)
	if _, err := o.Run(ctx, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := w.Repo.SaveChunks(ctx, map[worlddb.ChunkPosition]worlddb.ChunkRecord{{}: worldtest.Chunk(render.Air, 0)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.EmptyTiles != 1 {
		t.Fatalf("result: %+v", res)
	}
	for z := 0; z <= testBaseZoom; z++ {
		if _, ok, _ := cache.Extent(ctx, z); ok {
			t.Fatalf("zoom %d should be empty after the only chunk became air", z)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, err := New(Config{TileSize: 100, Parallelism: 1}, nil, nil, nil, nil, nil, nil); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	if ProcessingChunks.String() != "processing_chunks" || Idle.String() != "idle" {
		t.Fatalf("state names")
	}
}
