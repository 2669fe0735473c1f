// Package render turns decoded chunks into raster tiles and builds the lower
// zoom levels of the pyramid from already cached tiles.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/coords"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

// Renderer draws base-zoom tiles: one pixel per surface block.
type Renderer struct {
	tileSize int
	palette  *Palette
	log      *zap.Logger
}

func NewRenderer(tileSize int, palette *Palette, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{tileSize: tileSize, palette: palette, log: log.Named("render")}
}

func (r *Renderer) TileSize() int { return r.tileSize }

// RenderTile draws base-zoom tile t from chunks. Chunks outside t's footprint
// are ignored. ok is false when nothing in the footprint had content.
// Output is byte-identical for identical input.
func (r *Renderer) RenderTile(t coords.Tile, chunks []*worlddb.ChunkSnapshot) ([]byte, bool, error) {
	ts := r.tileSize
	img := image.NewNRGBA(image.Rect(0, 0, ts, ts))
	heights := make([]int32, ts*ts)
	for i := range heights {
		heights[i] = -1
	}
	minX := t.X * int64(ts)
	minZ := t.Y * int64(ts)

	drawn := 0
	for _, ch := range chunks {
		if ch == nil {
			continue
		}
		ox, oz := ch.OriginBlock()
		px0, pz0 := ox-minX, oz-minZ
		if px0 < 0 || pz0 < 0 || px0 >= int64(ts) || pz0 >= int64(ts) {
			continue
		}
		for lz := 0; lz < worlddb.ChunkSize; lz++ {
			for lx := 0; lx < worlddb.ChunkSize; lx++ {
				c, ok := r.palette.Color(ch.BlockAt(lx, lz), ox+int64(lx), oz+int64(lz))
				if !ok {
					continue
				}
				px, pz := int(px0)+lx, int(pz0)+lz
				img.SetNRGBA(px, pz, c)
				heights[px+pz*ts] = int32(ch.HeightAt(lx, lz))
				drawn++
			}
		}
	}
	if drawn == 0 {
		return nil, false, nil
	}
	shade(img, heights, ts)

	b, err := encodePNG(img)
	if err != nil {
		return nil, false, fmt.Errorf("encode tile %s: %w", t, err)
	}
	return b, true, nil
}

// shade lightens columns higher than their northern neighbour and darkens lower ones.
func shade(img *image.NRGBA, heights []int32, ts int) {
	for z := ts - 1; z >= 1; z-- {
		for x := 0; x < ts; x++ {
			h := heights[x+z*ts]
			hn := heights[x+(z-1)*ts]
			if h < 0 || hn < 0 || h == hn {
				continue
			}
			pct := 92
			if h > hn {
				pct = 108
			}
			c := img.NRGBAAt(x, z)
			img.SetNRGBA(x, z, color.NRGBA{R: scaleChannel(c.R, pct), G: scaleChannel(c.G, pct), B: scaleChannel(c.B, pct), A: c.A})
		}
	}
}

func scaleChannel(v uint8, pct int) uint8 {
	n := int(v) * pct / 100
	if n > 255 {
		return 255
	}
	return uint8(n)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
