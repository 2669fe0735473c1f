package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/coords"
)

// TileSource reads cached tiles by absolute storage coordinate.
type TileSource interface {
	GetTile(ctx context.Context, zoom int, x, y int64) ([]byte, bool, error)
}

// Downsampler builds a tile at zoom z from its four children at z+1.
type Downsampler struct {
	src      TileSource
	tileSize int
	baseZoom int
	log      *zap.Logger
}

func NewDownsampler(src TileSource, tileSize, baseZoom int, log *zap.Logger) *Downsampler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Downsampler{src: src, tileSize: tileSize, baseZoom: baseZoom, log: log.Named("downsample")}
}

// Downsample composites the children of t into one tile, each child scaled
// into its quadrant. Missing or undecodable children leave their quadrant
// transparent; when no child could be used ok is false.
func (d *Downsampler) Downsample(ctx context.Context, t coords.Tile) ([]byte, bool, error) {
	if t.Zoom < 0 || t.Zoom >= d.baseZoom {
		return nil, false, fmt.Errorf("%w: downsample zoom %d must be in [0,%d)", atlaserr.ErrInvalidZoom, t.Zoom, d.baseZoom)
	}
	ts := d.tileSize
	half := ts / 2
	dst := image.NewNRGBA(image.Rect(0, 0, ts, ts))

	used := 0
	for i, c := range t.Children() {
		b, ok, err := d.src.GetTile(ctx, c.Zoom, c.X, c.Y)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		src, err := png.Decode(bytes.NewReader(b))
		if err != nil {
			d.log.Warn("undecodable child tile; leaving quadrant transparent",
				zap.Stringer("tile", c), zap.Error(err))
			continue
		}
		col, row := i%2, i/2
		dr := image.Rect(col*half, row*half, col*half+half, row*half+half)
		draw.CatmullRom.Scale(dst, dr, src, src.Bounds(), draw.Src, nil)
		used++
	}
	if used == 0 {
		return nil, false, nil
	}
	b, err := encodePNG(dst)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
