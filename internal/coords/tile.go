package coords

import "fmt"

// ChunkSize is the fixed chunk edge length in blocks.
const ChunkSize = 32

// Tile identifies one cached raster tile in absolute storage coordinates.
type Tile struct {
	Zoom int
	X, Y int64
}

func (t Tile) String() string { return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y) }

// Parent is the tile one zoom level coarser that contains t.
func (t Tile) Parent() Tile {
	return Tile{Zoom: t.Zoom - 1, X: FloorDiv(t.X, 2), Y: FloorDiv(t.Y, 2)}
}

// Children returns the four tiles at Zoom+1 in quadrant order (row*2+col, top-left first).
func (t Tile) Children() [4]Tile {
	z := t.Zoom + 1
	x, y := t.X*2, t.Y*2
	return [4]Tile{
		{Zoom: z, X: x, Y: y},
		{Zoom: z, X: x + 1, Y: y},
		{Zoom: z, X: x, Y: y + 1},
		{Zoom: z, X: x + 1, Y: y + 1},
	}
}

// BlockToTile maps a world block coordinate to its base-zoom storage tile.
func BlockToTile(block int64, tileSize int) int64 {
	return FloorDiv(block, int64(tileSize))
}

// ChunkToTile maps a chunk coordinate to its base-zoom storage tile.
func ChunkToTile(chunk int64, tileSize int) int64 {
	return FloorDiv(chunk, int64(tileSize/ChunkSize))
}

// TileChunkBounds returns the inclusive chunk range covered by a base-zoom tile along one axis.
func TileChunkBounds(tile int64, tileSize int) (first, last int64) {
	n := int64(tileSize / ChunkSize)
	return tile * n, tile*n + n - 1
}
