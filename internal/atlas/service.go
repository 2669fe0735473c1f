// Package atlas wires the pipeline together and exposes the calls the
// serving layer makes: tile and climate bytes, traders, version regions and
// export control.
package atlas

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/config"
	"github.com/daviaaze/VintageAtlas-sub002/internal/coords"
	"github.com/daviaaze/VintageAtlas-sub002/internal/export"
	"github.com/daviaaze/VintageAtlas-sub002/internal/extract"
	"github.com/daviaaze/VintageAtlas-sub002/internal/logging"
	"github.com/daviaaze/VintageAtlas-sub002/internal/metastore"
	"github.com/daviaaze/VintageAtlas-sub002/internal/render"
	"github.com/daviaaze/VintageAtlas-sub002/internal/tilecache"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// TraderMarker is a trader with its position already in display space.
type TraderMarker struct {
	worlddb.Trader
	DisplayX int64
	DisplayY int64
}

type Service struct {
	cfg       config.Config
	transform *coords.Transform
	repo      *worlddb.Repository
	cache     *tilecache.Cache
	meta      *metastore.Store
	orch      *export.Orchestrator
	hot       *ristretto.Cache[string, []byte]
	log       *zap.Logger

	// hotGen counts hot cache invalidations. A reader only caches bytes
	// when no invalidation happened since it started its read.
	hotMu  sync.RWMutex
	hotGen atomic.Uint64
	// afterTileRead, when set, runs between the cache read and the hot
	// cache fill.
	afterTileRead func()

	busy atomic.Bool
	wg   sync.WaitGroup

	mu   sync.Mutex
	last *export.Result

	closeOnce sync.Once
}

// Open validates cfg and opens every store. The caller owns Close.
func Open(cfg config.Config, log *zap.Logger) (s *Service, err error) {
	log = logging.OrNop(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ox, oz := cfg.OriginBlocks()
	tr, err := coords.New(cfg.TileSize, cfg.BaseZoom, ox, oz, log)
	if err != nil {
		return nil, err
	}
	pal, err := paletteFrom(cfg.Render)
	if err != nil {
		return nil, err
	}

	s = &Service{cfg: cfg, transform: tr, log: log.Named("atlas")}
	defer func() {
		if err != nil {
			s.closeStores()
		}
	}()

	s.repo, err = worlddb.Open(cfg.WorldDB, worlddb.Options{
		MaxConnections: cfg.Repository.MaxConnections,
		AcquireTimeout: cfg.Repository.AcquireTimeout,
		BusyTimeout:    cfg.Cache.BusyTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	s.cache, err = tilecache.Open(cfg.TileCachePath(), tilecache.Options{
		BusyTimeout:    cfg.Cache.BusyTimeout,
		MaxConnections: cfg.Cache.MaxConnections,
		ZoomLevels:     cfg.BaseZoom + 1,
	}, log)
	if err != nil {
		return nil, err
	}
	s.meta, err = metastore.Open(cfg.MetadataPath(), cfg.Cache.BusyTimeout, log)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.ReadCacheBytes > 0 {
		s.hot, err = ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: 100_000,
			MaxCost:     cfg.Cache.ReadCacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("hot tile cache: %w", err)
		}
	}

	climateEx, err := extract.NewClimate(extract.ClimateOptions{
		Mode:                cfg.Climate.Mode,
		SamplesPerChunkEdge: cfg.Climate.SamplesPerChunkEdge,
		BatchSize:           cfg.Climate.BatchSize,
		BatchWait:           cfg.Climate.BatchWait,
		TileSize:            cfg.TileSize,
	}, s.repo, worlddb.NewSeasonalLoader(s.repo, worlddb.Calendar{
		DayOfYear:   cfg.Climate.DayOfYear,
		DaysPerYear: cfg.Climate.DaysPerYear,
		HourOfDay:   cfg.Climate.HourOfDay,
	}), s.meta, s.cache, log)
	if err != nil {
		return nil, err
	}
	set := extract.NewSet(log,
		extract.NewTraders(s.meta),
		climateEx,
		extract.NewChunkVersions(s.meta),
	)
	s.orch, err = export.New(export.Config{
		Name:        "world",
		TileSize:    cfg.TileSize,
		BaseZoom:    cfg.BaseZoom,
		Parallelism: cfg.Parallelism(),
	}, s.repo, s.cache, s.meta, render.NewRenderer(cfg.TileSize, pal, log), set, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func paletteFrom(r config.Render) (*render.Palette, error) {
	entries := make(map[uint32]color.NRGBA, len(r.Palette))
	for id, hex := range r.Palette {
		c, err := config.ParseHexColor(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: palette entry %d: %v", atlaserr.ErrInvalidConfiguration, id, err)
		}
		entries[id] = c
	}
	return render.NewPalette(entries, r.Seed, 6), nil
}

func (s *Service) Transform() *coords.Transform { return s.transform }

func tileKey(zoom int, x, y int64) string { return fmt.Sprintf("%d/%d/%d", zoom, x, y) }

// GetTileBytes reads a tile by absolute storage coordinate. ok is false for a
// tile that was never rendered.
func (s *Service) GetTileBytes(ctx context.Context, zoom int, x, y int64) ([]byte, bool, error) {
	if err := s.transform.CheckZoom(zoom); err != nil {
		return nil, false, err
	}
	key := tileKey(zoom, x, y)
	gen := s.hotGen.Load()
	if s.hot != nil {
		if b, ok := s.hot.Get(key); ok {
			return b, true, nil
		}
	}
	b, ok, err := s.cache.GetTile(ctx, zoom, x, y)
	if err != nil || !ok {
		return nil, false, err
	}
	if s.afterTileRead != nil {
		s.afterTileRead()
	}
	if s.hot != nil {
		s.hotMu.RLock()
		if s.hotGen.Load() == gen {
			s.hot.Set(key, b, int64(len(b)))
		}
		s.hotMu.RUnlock()
	}
	return b, true, nil
}

// invalidateHot drops every hot tile and stops in-flight reads from
// caching what they read before now.
func (s *Service) invalidateHot() {
	if s.hot == nil {
		return
	}
	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	s.hotGen.Add(1)
	s.hot.Clear()
}

// GetGridTileBytes is GetTileBytes addressed by display grid coordinate.
func (s *Service) GetGridTileBytes(ctx context.Context, zoom int, gridX, gridY int64) ([]byte, bool, error) {
	x, y, err := s.transform.GridToStorage(zoom, gridX, gridY)
	if err != nil {
		return nil, false, err
	}
	return s.GetTileBytes(ctx, zoom, x, y)
}

// GetTileETag returns a strong validator for the current tile bytes.
func (s *Service) GetTileETag(ctx context.Context, zoom int, x, y int64) (string, bool, error) {
	b, ok, err := s.GetTileBytes(ctx, zoom, x, y)
	if err != nil || !ok {
		return "", false, err
	}
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(b)), true, nil
}

func (s *Service) GetClimateLayerBytes(ctx context.Context, layer climate.Layer, x, y int64) ([]byte, bool, error) {
	return s.cache.GetClimateTile(ctx, layer, x, y)
}

func (s *Service) Extent(ctx context.Context, zoom int) (tilecache.Extent, bool, error) {
	if err := s.transform.CheckZoom(zoom); err != nil {
		return tilecache.Extent{}, false, err
	}
	return s.cache.Extent(ctx, zoom)
}

// GetTraders lists known traders with display coordinates (north up).
func (s *Service) GetTraders(ctx context.Context) ([]TraderMarker, error) {
	traders, err := s.meta.Traders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TraderMarker, len(traders))
	for i, t := range traders {
		dx, dy := s.transform.GameToDisplay(t.X, t.Z)
		out[i] = TraderMarker{Trader: t, DisplayX: dx, DisplayY: dy}
	}
	return out, nil
}

func (s *Service) GetVersionRegions(ctx context.Context) ([]metastore.VersionRegion, error) {
	return s.meta.VersionRegions(ctx)
}

// ExportNow runs one pass and waits for it.
func (s *Service) ExportNow(ctx context.Context, opts export.Options) (export.Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return export.Result{}, atlaserr.ErrExportRunning
	}
	defer s.busy.Store(false)
	return s.runExport(ctx, opts)
}

// TriggerExport starts a pass in the background. It returns
// atlaserr.ErrExportRunning when one is already active.
func (s *Service) TriggerExport(opts export.Options) error {
	if !s.busy.CompareAndSwap(false, true) {
		return atlaserr.ErrExportRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		_, _ = s.runExport(context.Background(), opts)
	}()
	return nil
}

func (s *Service) runExport(ctx context.Context, opts export.Options) (export.Result, error) {
	s.invalidateHot()
	res, err := s.orch.Run(ctx, opts)
	if errors.Is(err, atlaserr.ErrExportRunning) {
		return res, err
	}
	s.invalidateHot()
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	return res, err
}

func (s *Service) IsExportRunning() bool { return s.busy.Load() || s.orch.Running() }

// StopExport asks a running pass to stop between units of work.
func (s *Service) StopExport() { s.orch.Stop() }

// LastResult returns the outcome of the most recent pass, if any.
func (s *Service) LastResult() (export.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return export.Result{}, false
	}
	return *s.last, true
}

// Close stops a running export, waits for it and closes every store.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.orch != nil {
			s.orch.Stop()
		}
		s.wg.Wait()
		err = s.closeStores()
	})
	return err
}

func (s *Service) closeStores() error {
	var errs []error
	if s.hot != nil {
		s.hot.Close()
	}
	if s.meta != nil {
		errs = append(errs, s.meta.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	return errors.Join(errs...)
}
