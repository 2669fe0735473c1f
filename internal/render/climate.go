package render

import (
	"fmt"
	"image"
	"image/color"
	"iter"
	"sort"

	"golang.org/x/image/draw"

	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/coords"
)

// RasterizeClimate renders one layer's points into tiles of tileSize blocks.
// Each point paints a cell x cell square anchored at its position. Tiles are
// yielded in (Y, X) order and only one tile image is held at a time.
func RasterizeClimate(layer climate.Layer, points []climate.Point, tileSize, cell int) iter.Seq2[climate.Tile, error] {
	return func(yield func(climate.Tile, error) bool) {
		if !layer.Valid() {
			yield(climate.Tile{}, fmt.Errorf("unknown climate layer %q", layer))
			return
		}
		if cell <= 0 {
			cell = 1
		}
		ts, cs := int64(tileSize), int64(cell)

		order := make([]int, len(points))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			a, b := points[order[i]], points[order[j]]
			if a.Z != b.Z {
				return a.Z < b.Z
			}
			return a.X < b.X
		})

		// A cell straddles a tile edge when cell does not divide tileSize, so
		// a point may land in up to four tiles.
		type key struct{ x, y int64 }
		byTile := map[key][]int{}
		for _, i := range order {
			p := points[i]
			for ty := coords.FloorDiv(p.Z, ts); ty <= coords.FloorDiv(p.Z+cs-1, ts); ty++ {
				for tx := coords.FloorDiv(p.X, ts); tx <= coords.FloorDiv(p.X+cs-1, ts); tx++ {
					k := key{tx, ty}
					byTile[k] = append(byTile[k], i)
				}
			}
		}
		keys := make([]key, 0, len(byTile))
		for k := range byTile {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].y != keys[j].y {
				return keys[i].y < keys[j].y
			}
			return keys[i].x < keys[j].x
		})

		img := image.NewNRGBA(image.Rect(0, 0, tileSize, tileSize))
		src := image.NewUniform(color.NRGBA{})
		for _, k := range keys {
			clear(img.Pix)
			ox, oy := k.x*ts, k.y*ts
			for _, i := range byTile[k] {
				p := points[i]
				src.C = rampColor(layer, p.Value)
				x0, y0 := int(p.X-ox), int(p.Z-oy)
				r := image.Rect(x0, y0, x0+cell, y0+cell).Intersect(img.Rect)
				draw.Draw(img, r, src, image.Point{}, draw.Src)
			}
			b, err := encodePNG(img)
			if err != nil {
				yield(climate.Tile{}, fmt.Errorf("encode %s tile %d,%d: %w", layer, k.x, k.y, err))
				return
			}
			delete(byTile, k)
			if !yield(climate.Tile{X: k.x, Y: k.y, Data: b}, nil) {
				return
			}
		}
	}
}

// rampColor maps a scaled climate value to a colour: blue to red for
// temperature, pale yellow to deep blue for rainfall.
func rampColor(layer climate.Layer, v uint8) color.NRGBA {
	lerp := func(a, b uint8) uint8 {
		return uint8((int(a)*(255-int(v)) + int(b)*int(v)) / 255)
	}
	if layer == climate.Temperature {
		return color.NRGBA{R: lerp(30, 230), G: lerp(60, 40), B: lerp(220, 30), A: 0xff}
	}
	return color.NRGBA{R: lerp(250, 10), G: lerp(240, 60), B: lerp(200, 190), A: 0xff}
}
