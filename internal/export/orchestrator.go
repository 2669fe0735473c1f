// Package export drives full and incremental export passes: base tiles are
// rendered in parallel, then the pyramid is filled one zoom level at a time,
// then extractors finalise and the stores are checkpointed.
package export

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/coords"
	"github.com/daviaaze/VintageAtlas-sub002/internal/extract"
	"github.com/daviaaze/VintageAtlas-sub002/internal/logging"
	"github.com/daviaaze/VintageAtlas-sub002/internal/render"
	"github.com/daviaaze/VintageAtlas-sub002/internal/tilecache"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// FormatVersion is written to the cache metadata as "version".
const FormatVersion = "1"

type State int32

const (
	Idle State = iota
	Initializing
	ProcessingChunks
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case ProcessingChunks:
		return "processing_chunks"
	case Finalizing:
		return "finalizing"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ChunkSource is the read side of the world repository.
type ChunkSource interface {
	ListChunkPositions(ctx context.Context) iter.Seq2[worlddb.ChunkPosition, error]
	GetChunk(ctx context.Context, pos worlddb.ChunkPosition) (*worlddb.ChunkSnapshot, bool, error)
}

// TileStore is the tile cache as seen by the orchestrator.
type TileStore interface {
	render.TileSource
	PutTile(ctx context.Context, zoom int, x, y int64, data []byte) error
	DeleteTile(ctx context.Context, zoom int, x, y int64) error
	Extent(ctx context.Context, zoom int) (tilecache.Extent, bool, error)
	SetMetadata(ctx context.Context, kv map[string]string) error
	Checkpoint(ctx context.Context) error
}

// Checkpointer flushes a write-ahead log.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

type Config struct {
	Name        string
	TileSize    int
	BaseZoom    int
	Parallelism int
}

// Options selects what one pass does.
type Options struct {
	// Chunks restricts the pass to the tiles touching these chunks. Nil means a full pass.
	Chunks   []worlddb.ChunkPosition
	Progress extract.Progress
}

// Result summarises a finished pass. Err is nil on success.
type Result struct {
	ID          string
	Full        bool
	Started     time.Time
	Elapsed     time.Duration
	Chunks      int
	Tiles       int
	EmptyTiles  int
	Downsampled int
	Err         error
}

func (r Result) Failed() bool { return r.Err != nil }

type Orchestrator struct {
	cfg        Config
	chunks     ChunkSource
	cache      TileStore
	meta       Checkpointer
	renderer   *render.Renderer
	down       *render.Downsampler
	extractors *extract.Set
	log        *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires an orchestrator. meta may be nil.
func New(cfg Config, chunks ChunkSource, cache TileStore, meta Checkpointer, renderer *render.Renderer, extractors *extract.Set, log *zap.Logger) (*Orchestrator, error) {
	if cfg.TileSize <= 0 || cfg.TileSize%worlddb.ChunkSize != 0 {
		return nil, fmt.Errorf("%w: tile size %d", atlaserr.ErrInvalidConfiguration, cfg.TileSize)
	}
	if cfg.BaseZoom < 0 {
		return nil, fmt.Errorf("%w: base zoom %d", atlaserr.ErrInvalidZoom, cfg.BaseZoom)
	}
	if cfg.Parallelism <= 0 {
		return nil, fmt.Errorf("%w: parallelism %d", atlaserr.ErrInvalidConfiguration, cfg.Parallelism)
	}
	log = logging.OrNop(log)
	if extractors == nil {
		extractors = extract.NewSet(log)
	}
	return &Orchestrator{
		cfg:        cfg,
		chunks:     chunks,
		cache:      cache,
		meta:       meta,
		renderer:   renderer,
		down:       render.NewDownsampler(cache, cfg.TileSize, cfg.BaseZoom, log),
		extractors: extractors,
		log:        log.Named("export"),
	}, nil
}

func (o *Orchestrator) State() State  { return State(o.state.Load()) }
func (o *Orchestrator) Running() bool { return o.State() != Idle }

// Stop asks the running pass to stop after the units of work in flight.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run executes one pass. A second Run while one is active returns
// atlaserr.ErrExportRunning and touches nothing.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	if !o.state.CompareAndSwap(int32(Idle), int32(Initializing)) {
		return Result{}, atlaserr.ErrExportRunning
	}
	defer o.state.Store(int32(Idle))

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	res := Result{ID: uuid.NewString(), Full: opts.Chunks == nil, Started: time.Now()}
	log := o.log.With(zap.String("export_id", res.ID), zap.Bool("full", res.Full))
	log.Info("export started", zap.Int("parallelism", o.cfg.Parallelism))

	p := newProgress(opts.Progress)
	err := o.run(ctx, opts, &res, p, log)
	res.Elapsed = time.Since(res.Started)

	if err != nil && ctx.Err() != nil && !errors.Is(err, atlaserr.ErrUnrecoverable) {
		// Completed tiles stay valid; make them durable before reporting.
		o.checkpoint(context.WithoutCancel(ctx), log)
		err = fmt.Errorf("%w after %s", atlaserr.ErrCanceled, res.Elapsed.Round(time.Millisecond))
	}
	if err != nil {
		res.Err = err
		log.Error("export failed", zap.Duration("elapsed", res.Elapsed), zap.Error(err))
		return res, err
	}
	log.Info("export finished",
		zap.Duration("elapsed", res.Elapsed),
		zap.String("chunks", humanize.Comma(int64(res.Chunks))),
		zap.String("tiles", humanize.Comma(int64(res.Tiles))),
		zap.Int("empty_tiles", res.EmptyTiles),
		zap.String("downsampled", humanize.Comma(int64(res.Downsampled))))
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, opts Options, res *Result, p *progress, log *zap.Logger) error {
	o.extractors.Initialize(ctx, extract.PassInfo{ID: res.ID, Full: res.Full})

	work, err := o.plan(ctx, opts.Chunks)
	if err != nil {
		return err
	}
	log.Debug("planned base tiles", zap.Int("tiles", len(work)))

	o.state.Store(int32(ProcessingChunks))
	dirty, err := o.renderBase(ctx, work, res, p)
	if err != nil {
		return err
	}
	if err := o.buildPyramid(ctx, dirty, res, p); err != nil {
		return err
	}

	o.state.Store(int32(Finalizing))
	if err := o.extractors.Finalize(ctx, p.report); err != nil {
		return err
	}
	if err := o.writeMetadata(ctx); err != nil {
		return err
	}
	return o.checkpoint(ctx, log)
}

type tileWork struct {
	tile   coords.Tile
	chunks []worlddb.ChunkPosition
}

// plan groups chunks into base-zoom tiles, ordered by (y, x). An incremental
// pass re-renders the whole footprint of every touched tile.
func (o *Orchestrator) plan(ctx context.Context, only []worlddb.ChunkPosition) ([]tileWork, error) {
	ts := o.cfg.TileSize
	tileOf := func(pos worlddb.ChunkPosition) coords.Tile {
		return coords.Tile{Zoom: o.cfg.BaseZoom, X: coords.ChunkToTile(int64(pos.X), ts), Y: coords.ChunkToTile(int64(pos.Z), ts)}
	}
	groups := map[coords.Tile][]worlddb.ChunkPosition{}

	if only == nil {
		for pos, err := range o.chunks.ListChunkPositions(ctx) {
			if err != nil {
				return nil, err
			}
			t := tileOf(pos)
			groups[t] = append(groups[t], pos)
		}
	} else {
		for _, pos := range only {
			t := tileOf(pos)
			if _, ok := groups[t]; ok {
				continue
			}
			x0, x1 := coords.TileChunkBounds(t.X, ts)
			z0, z1 := coords.TileChunkBounds(t.Y, ts)
			var footprint []worlddb.ChunkPosition
			for z := z0; z <= z1; z++ {
				for x := x0; x <= x1; x++ {
					footprint = append(footprint, worlddb.ChunkPosition{X: int32(x), Z: int32(z)})
				}
			}
			groups[t] = footprint
		}
	}

	out := make([]tileWork, 0, len(groups))
	for t, cs := range groups {
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].Z != cs[j].Z {
				return cs[i].Z < cs[j].Z
			}
			return cs[i].X < cs[j].X
		})
		out = append(out, tileWork{tile: t, chunks: cs})
	}
	sortTiles(out, func(w tileWork) coords.Tile { return w.tile })
	return out, nil
}

// renderBase renders every planned tile. A unit that has started runs to
// completion even if the pass is stopped; no new unit starts afterwards.
func (o *Orchestrator) renderBase(ctx context.Context, work []tileWork, res *Result, p *progress) ([]coords.Tile, error) {
	var chunksDone, tiles, empty atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)

	total := len(work)
	var done atomic.Int64
	for _, w := range work {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			uctx := context.WithoutCancel(gctx)
			n, wrote, err := o.renderUnit(uctx, w)
			if err != nil {
				return fmt.Errorf("tile %s: %w", w.tile, err)
			}
			chunksDone.Add(int64(n))
			if wrote {
				tiles.Add(1)
			} else {
				empty.Add(1)
			}
			p.report("tiles", int(done.Add(1)), total)
			return nil
		})
	}
	err := g.Wait()
	res.Chunks += int(chunksDone.Load())
	res.Tiles += int(tiles.Load())
	res.EmptyTiles += int(empty.Load())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirty := make([]coords.Tile, len(work))
	for i, w := range work {
		dirty[i] = w.tile
	}
	return dirty, nil
}

func (o *Orchestrator) renderUnit(ctx context.Context, w tileWork) (int, bool, error) {
	snaps := make([]*worlddb.ChunkSnapshot, 0, len(w.chunks))
	for _, pos := range w.chunks {
		snap, ok, err := o.chunks.GetChunk(ctx, pos)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		o.extractors.ProcessChunk(ctx, snap)
		snaps = append(snaps, snap)
	}
	b, ok, err := o.renderer.RenderTile(w.tile, snaps)
	if err != nil {
		return len(snaps), false, err
	}
	if !ok {
		return len(snaps), false, o.cache.DeleteTile(ctx, w.tile.Zoom, w.tile.X, w.tile.Y)
	}
	return len(snaps), true, o.cache.PutTile(ctx, w.tile.Zoom, w.tile.X, w.tile.Y, b)
}

// buildPyramid fills zoom levels below base from the tiles already cached.
// Each level completes before the next one starts.
func (o *Orchestrator) buildPyramid(ctx context.Context, dirty []coords.Tile, res *Result, p *progress) error {
	for zoom := o.cfg.BaseZoom - 1; zoom >= 0 && len(dirty) > 0; zoom-- {
		seen := map[coords.Tile]bool{}
		var parents []coords.Tile
		for _, t := range dirty {
			pt := t.Parent()
			if !seen[pt] {
				seen[pt] = true
				parents = append(parents, pt)
			}
		}
		sortTiles(parents, func(t coords.Tile) coords.Tile { return t })

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Parallelism)
		var written, done atomic.Int64
		phase := "pyramid z" + strconv.Itoa(zoom)
		for _, t := range parents {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				uctx := context.WithoutCancel(gctx)
				b, ok, err := o.down.Downsample(uctx, t)
				if err != nil {
					return fmt.Errorf("downsample %s: %w", t, err)
				}
				if ok {
					err = o.cache.PutTile(uctx, t.Zoom, t.X, t.Y, b)
					written.Add(1)
				} else {
					err = o.cache.DeleteTile(uctx, t.Zoom, t.X, t.Y)
				}
				if err != nil {
					return err
				}
				p.report(phase, int(done.Add(1)), len(parents))
				return nil
			})
		}
		err := g.Wait()
		res.Downsampled += int(written.Load())
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dirty = parents
	}
	return nil
}

func (o *Orchestrator) writeMetadata(ctx context.Context) error {
	kv := map[string]string{
		"name":      o.cfg.Name,
		"format":    "png",
		"version":   FormatVersion,
		"tile_size": strconv.Itoa(o.cfg.TileSize),
	}
	e, ok, err := o.cache.Extent(ctx, o.cfg.BaseZoom)
	if err != nil {
		return err
	}
	if ok {
		kv["bounds"] = fmt.Sprintf("%d,%d,%d,%d", e.MinX, e.MinY, e.MaxX, e.MaxY)
	}
	return o.cache.SetMetadata(ctx, kv)
}

func (o *Orchestrator) checkpoint(ctx context.Context, log *zap.Logger) error {
	if err := o.cache.Checkpoint(ctx); err != nil {
		if !errors.Is(err, atlaserr.ErrBusy) {
			return err
		}
		log.Warn("tile cache checkpoint incomplete", zap.Error(err))
	}
	if o.meta != nil {
		if err := o.meta.Checkpoint(ctx); err != nil {
			if !errors.Is(err, atlaserr.ErrBusy) {
				return err
			}
			log.Warn("metadata checkpoint incomplete", zap.Error(err))
		}
	}
	return nil
}

func sortTiles[T any](s []T, key func(T) coords.Tile) {
	sort.Slice(s, func(i, j int) bool {
		a, b := key(s[i]), key(s[j])
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}

// progress serialises callbacks from concurrent workers.
type progress struct {
	mu sync.Mutex
	fn extract.Progress
}

func newProgress(fn extract.Progress) *progress { return &progress{fn: fn} }

func (p *progress) report(phase string, processed, total int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn(phase, processed, total)
}
