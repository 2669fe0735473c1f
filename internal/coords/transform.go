// Package coords maps between game-world blocks, the zoom-relative display
// grid and absolute storage tile numbers.
//
// Storage coordinates are what the tile cache is keyed by; grid coordinates
// are relative to the configured origin: storage = originAt(zoom) + grid.
package coords

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

type Transform struct {
	configured  bool
	tileSize    int
	baseZoom    int
	resolutions []int64
	originX     int64
	originZ     int64
	origins     [][2]int64

	log      *zap.Logger
	warnOnce sync.Once
}

// New precomputes per-zoom origins. originX/originZ are world blocks.
func New(tileSize, baseZoom int, originX, originZ int64, log *zap.Logger) (*Transform, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if tileSize <= 0 || tileSize%ChunkSize != 0 {
		return nil, fmt.Errorf("%w: tile size %d", atlaserr.ErrInvalidConfiguration, tileSize)
	}
	if baseZoom < 0 || baseZoom > 30 {
		return nil, fmt.Errorf("%w: base zoom %d", atlaserr.ErrInvalidConfiguration, baseZoom)
	}
	t := &Transform{
		configured:  true,
		tileSize:    tileSize,
		baseZoom:    baseZoom,
		resolutions: make([]int64, baseZoom+1),
		originX:     originX,
		originZ:     originZ,
		origins:     make([][2]int64, baseZoom+1),
		log:         log,
	}
	for z := 0; z <= baseZoom; z++ {
		res := int64(1) << uint(baseZoom-z)
		t.resolutions[z] = res
		span := int64(tileSize) * res
		t.origins[z] = [2]int64{FloorDiv(originX, span), FloorDiv(originZ, span)}
	}
	return t, nil
}

// Unconfigured returns a transform that maps storage == grid. Every use logs a
// warning once so the fallback is visible.
func Unconfigured(log *zap.Logger) *Transform {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transform{log: log}
}

func (t *Transform) Configured() bool { return t.configured }
func (t *Transform) TileSize() int    { return t.tileSize }
func (t *Transform) BaseZoom() int    { return t.baseZoom }

// CheckZoom fails with ErrInvalidZoom for zoom outside [0, baseZoom].
func (t *Transform) CheckZoom(zoom int) error {
	if zoom < 0 || (t.configured && zoom > t.baseZoom) {
		return fmt.Errorf("%w: %d not in [0,%d]", atlaserr.ErrInvalidZoom, zoom, t.baseZoom)
	}
	return nil
}

// Resolution returns the block-per-pixel multiplier of zoom.
func (t *Transform) Resolution(zoom int) (int64, error) {
	if err := t.CheckZoom(zoom); err != nil {
		return 0, err
	}
	if !t.configured {
		t.warnFallback()
		return 1, nil
	}
	return t.resolutions[zoom], nil
}

// OriginAt is the storage tile of grid (0,0) at zoom.
func (t *Transform) OriginAt(zoom int) (x, y int64, err error) {
	if err := t.CheckZoom(zoom); err != nil {
		return 0, 0, err
	}
	if !t.configured {
		t.warnFallback()
		return 0, 0, nil
	}
	o := t.origins[zoom]
	return o[0], o[1], nil
}

func (t *Transform) GridToStorage(zoom int, gridX, gridY int64) (int64, int64, error) {
	ox, oy, err := t.OriginAt(zoom)
	if err != nil {
		return 0, 0, err
	}
	return ox + gridX, oy + gridY, nil
}

func (t *Transform) StorageToGrid(zoom int, storageX, storageY int64) (int64, int64, error) {
	ox, oy, err := t.OriginAt(zoom)
	if err != nil {
		return 0, 0, err
	}
	return storageX - ox, storageY - oy, nil
}

// GameToDisplay maps a world block position to display space. Display Y is
// north-up, so it is the negated world Z offset.
func (t *Transform) GameToDisplay(x, z int64) (displayX, displayY int64) {
	return x - t.originX, -(z - t.originZ)
}

func (t *Transform) DisplayToGame(displayX, displayY int64) (x, z int64) {
	return displayX + t.originX, -displayY + t.originZ
}

// BlockTile returns the storage tile containing a world block at zoom.
func (t *Transform) BlockTile(zoom int, x, z int64) (Tile, error) {
	res, err := t.Resolution(zoom)
	if err != nil {
		return Tile{}, err
	}
	size := int64(t.tileSize)
	if size == 0 {
		size = 1
	}
	span := size * res
	return Tile{Zoom: zoom, X: FloorDiv(x, span), Y: FloorDiv(z, span)}, nil
}

func (t *Transform) warnFallback() {
	t.warnOnce.Do(func() {
		t.log.Warn("coordinate transform has no configuration; using identity storage == grid")
	})
}
