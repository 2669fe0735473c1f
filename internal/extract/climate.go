package extract

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/config"
	"github.com/daviaaze/VintageAtlas-sub002/internal/render"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// RegionSource lists and reads regions for the fast mode.
type RegionSource interface {
	ListRegionPositions(ctx context.Context) iter.Seq2[worlddb.RegionPosition, error]
	GetRegion(ctx context.Context, pos worlddb.RegionPosition) (*worlddb.RegionData, bool, error)
}

// ChunkLoader makes a batch of chunks resident for live sampling. It must
// return once ctx is done.
type ChunkLoader interface {
	Load(ctx context.Context, batch []worlddb.ChunkPosition) (worlddb.Resident, error)
}

type ClimateStore interface {
	StoreClimateData(ctx context.Context, layer climate.Layer, points []climate.Point) error
}

type ClimateTileStore interface {
	ReplaceClimateTiles(ctx context.Context, layer climate.Layer, tiles iter.Seq2[climate.Tile, error]) (int, error)
}

type ClimateOptions struct {
	Mode                config.ClimateMode
	SamplesPerChunkEdge int
	BatchSize           int
	BatchWait           time.Duration
	TileSize            int
}

// Climate derives the temperature and rainfall layers. Fast mode reads the
// static worldgen maps of every region; OnDemand mode loads the chunks seen
// during the pass in batches and samples live climate. A pass uses exactly
// one mode and replaces both layers wholesale on Finalize.
type Climate struct {
	opts    ClimateOptions
	regions RegionSource
	loader  ChunkLoader
	points  ClimateStore
	tiles   ClimateTileStore
	log     *zap.Logger

	mu     sync.Mutex
	full   bool
	chunks []worlddb.ChunkPosition
}

func NewClimate(opts ClimateOptions, regions RegionSource, loader ChunkLoader, points ClimateStore, tiles ClimateTileStore, log *zap.Logger) (*Climate, error) {
	switch opts.Mode {
	case config.ClimateFast:
		if regions == nil {
			return nil, fmt.Errorf("%w: fast climate mode needs a region source", atlaserr.ErrInvalidConfiguration)
		}
	case config.ClimateOnDemand:
		if loader == nil {
			return nil, fmt.Errorf("%w: ondemand climate mode needs a chunk loader", atlaserr.ErrInvalidConfiguration)
		}
		if opts.SamplesPerChunkEdge <= 0 || worlddb.ChunkSize%opts.SamplesPerChunkEdge != 0 {
			return nil, fmt.Errorf("%w: samples per chunk edge %d must divide %d",
				atlaserr.ErrInvalidConfiguration, opts.SamplesPerChunkEdge, worlddb.ChunkSize)
		}
		if opts.BatchSize <= 0 || opts.BatchWait <= 0 {
			return nil, fmt.Errorf("%w: ondemand climate needs a positive batch size and wait", atlaserr.ErrInvalidConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown climate mode %q", atlaserr.ErrInvalidConfiguration, opts.Mode)
	}
	if opts.TileSize <= 0 {
		return nil, fmt.Errorf("%w: climate tile size %d", atlaserr.ErrInvalidConfiguration, opts.TileSize)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Climate{
		opts: opts, regions: regions, loader: loader, points: points, tiles: tiles,
		log: log.Named("climate").With(zap.String("mode", string(opts.Mode))),
	}, nil
}

func (*Climate) Kind() Kind { return KindClimate }

func (c *Climate) Initialize(_ context.Context, pass PassInfo) error {
	c.mu.Lock()
	c.full = pass.Full
	c.chunks = nil
	c.mu.Unlock()
	return nil
}

func (c *Climate) ProcessChunk(_ context.Context, snap *worlddb.ChunkSnapshot) error {
	if c.opts.Mode != config.ClimateOnDemand {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		c.chunks = append(c.chunks, snap.Pos)
	}
	return nil
}

func (c *Climate) Finalize(ctx context.Context, report func(processed, total int)) error {
	c.mu.Lock()
	full, chunks := c.full, c.chunks
	c.mu.Unlock()
	if !full {
		return nil
	}

	var (
		temp, rain []climate.Point
		cell       int
		err        error
	)
	if c.opts.Mode == config.ClimateFast {
		temp, rain, cell, err = c.collectFast(ctx, report)
	} else {
		temp, rain, cell, err = c.collectOnDemand(ctx, chunks, report)
	}
	if err != nil {
		return err
	}
	for _, l := range []struct {
		layer  climate.Layer
		points []climate.Point
	}{{climate.Temperature, temp}, {climate.Rainfall, rain}} {
		if err := c.points.StoreClimateData(ctx, l.layer, l.points); err != nil {
			return err
		}
		n, err := c.tiles.ReplaceClimateTiles(ctx, l.layer, render.RasterizeClimate(l.layer, l.points, c.opts.TileSize, cell))
		if err != nil {
			return err
		}
		c.log.Info("climate layer stored",
			zap.String("layer", string(l.layer)), zap.Int("points", len(l.points)), zap.Int("tiles", n))
	}
	return nil
}

func (c *Climate) collectFast(ctx context.Context, report func(processed, total int)) (temp, rain []climate.Point, cell int, err error) {
	var positions []worlddb.RegionPosition
	for pos, err := range c.regions.ListRegionPositions(ctx) {
		if err != nil {
			return nil, nil, 0, err
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Z != positions[j].Z {
			return positions[i].Z < positions[j].Z
		}
		return positions[i].X < positions[j].X
	})

	for i, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, nil, 0, err
		}
		reg, ok, err := c.regions.GetRegion(ctx, pos)
		if err != nil {
			return nil, nil, 0, err
		}
		if ok {
			cs := reg.CellSize()
			if cell == 0 || cs < cell {
				cell = cs
			}
			ox, oz := int64(pos.X)*worlddb.RegionSize, int64(pos.Z)*worlddb.RegionSize
			for cz := 0; cz < reg.ClimateSize; cz++ {
				for cx := 0; cx < reg.ClimateSize; cx++ {
					t8, r8 := reg.ClimateCell(cx, cz)
					x, z := ox+int64(cx*cs), oz+int64(cz*cs)
					temp = append(temp, climate.Point{X: x, Z: z, Value: t8, Real: climate.DescaleTemperature(t8)})
					rain = append(rain, climate.Point{X: x, Z: z, Value: r8, Real: climate.DescaleRainfall(r8)})
				}
			}
		}
		report(i+1, len(positions))
	}
	return temp, rain, cell, nil
}

func (c *Climate) collectOnDemand(ctx context.Context, chunks []worlddb.ChunkPosition, report func(processed, total int)) (temp, rain []climate.Point, cell int, err error) {
	sorted := make([]worlddb.ChunkPosition, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Z != sorted[j].Z {
			return sorted[i].Z < sorted[j].Z
		}
		return sorted[i].X < sorted[j].X
	})

	n := c.opts.SamplesPerChunkEdge
	step := worlddb.ChunkSize / n
	skipped := 0
	for start := 0; start < len(sorted); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(sorted))
		batch := sorted[start:end]

		res, err := c.loadBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, atlaserr.ErrUnrecoverable) {
				return nil, nil, 0, err
			}
			skipped++
			c.log.Warn("skipping climate batch",
				zap.Stringer("first", batch[0]), zap.Int("chunks", len(batch)), zap.Error(err))
			report(end, len(sorted))
			continue
		}
		for _, pos := range batch {
			ox, oz := int64(pos.X)*worlddb.ChunkSize, int64(pos.Z)*worlddb.ChunkSize
			for sz := 0; sz < n; sz++ {
				for sx := 0; sx < n; sx++ {
					x, z := ox+int64(sx*step), oz+int64(sz*step)
					t, r, ok := res.Sample(x, z)
					if !ok {
						continue
					}
					temp = append(temp, climate.Point{X: x, Z: z, Value: climate.ScaleTemperature(t), Real: t})
					rain = append(rain, climate.Point{X: x, Z: z, Value: climate.ScaleRainfall(r), Real: r})
				}
			}
		}
		res.Release()
		report(end, len(sorted))
	}
	if skipped > 0 {
		c.log.Warn("climate batches skipped", zap.Int("skipped", skipped))
	}
	return temp, rain, step, nil
}

func (c *Climate) loadBatch(ctx context.Context, batch []worlddb.ChunkPosition) (worlddb.Resident, error) {
	bctx, cancel := context.WithTimeout(ctx, c.opts.BatchWait)
	defer cancel()
	return c.loader.Load(bctx, batch)
}
