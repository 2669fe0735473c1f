package worlddb

import "fmt"

const (
	// ChunkSize is the chunk edge length in blocks.
	ChunkSize = 32
	// ChunkArea is the number of surface columns in a chunk.
	ChunkArea = ChunkSize * ChunkSize
	// RegionSize is the region edge length in blocks.
	RegionSize = 512
	// RegionChunks is the region edge length in chunks.
	RegionChunks = RegionSize / ChunkSize
)

// ChunkPosition is one horizontal chunk coordinate.
type ChunkPosition struct {
	X, Z int32
}

func (p ChunkPosition) String() string { return fmt.Sprintf("%d,%d", p.X, p.Z) }

// Key packs the position into the int64 primary key used by the world store.
func (p ChunkPosition) Key() int64 { return packKey(p.X, p.Z) }

// Region returns the region containing the chunk.
func (p ChunkPosition) Region() RegionPosition {
	return RegionPosition{X: floorDiv32(p.X, RegionChunks), Z: floorDiv32(p.Z, RegionChunks)}
}

func ChunkPositionFromKey(k int64) ChunkPosition {
	x, z := unpackKey(k)
	return ChunkPosition{X: x, Z: z}
}

// ChunkOfBlock returns the chunk containing world block (x, z).
func ChunkOfBlock(x, z int64) ChunkPosition {
	return ChunkPosition{X: int32(floorDiv64(x, ChunkSize)), Z: int32(floorDiv64(z, ChunkSize))}
}

// RegionPosition is one region coordinate (a 2D vector in region units).
type RegionPosition struct {
	X, Z int32
}

func (p RegionPosition) String() string { return fmt.Sprintf("%d,%d", p.X, p.Z) }
func (p RegionPosition) Key() int64     { return packKey(p.X, p.Z) }

func RegionPositionFromKey(k int64) RegionPosition {
	x, z := unpackKey(k)
	return RegionPosition{X: x, Z: z}
}

// RegionOfBlock returns the region containing world block (x, z).
func RegionOfBlock(x, z int64) RegionPosition {
	return RegionPosition{X: int32(floorDiv64(x, RegionSize)), Z: int32(floorDiv64(z, RegionSize))}
}

// Trader is a discovered trader NPC.
type Trader struct {
	ID   int64
	Name string
	Type string
	X    int64
	Y    int64
	Z    int64
}

// ChunkSnapshot is the decoded payload of one chunk. It is shared by every
// extractor during an export pass and must not be mutated.
type ChunkSnapshot struct {
	Pos         ChunkPosition
	GameVersion string
	// Blocks and Heights are surface columns indexed x + z*ChunkSize.
	Blocks  []uint32
	Heights []uint16
	Traders []Trader
}

func (s *ChunkSnapshot) BlockAt(lx, lz int) uint32  { return s.Blocks[lx+lz*ChunkSize] }
func (s *ChunkSnapshot) HeightAt(lx, lz int) uint16 { return s.Heights[lx+lz*ChunkSize] }

// OriginBlock is the world block of local column (0,0).
func (s *ChunkSnapshot) OriginBlock() (x, z int64) {
	return int64(s.Pos.X) * ChunkSize, int64(s.Pos.Z) * ChunkSize
}

// RegionData is the decoded payload of one region: a static worldgen climate
// map of ClimateSize x ClimateSize cells covering RegionSize blocks.
type RegionData struct {
	Pos         RegionPosition
	ClimateSize int
	// Climate cells are packed as temperature<<16 | rainfall<<8.
	Climate []uint32
}

// CellSize is the block edge of one climate cell.
func (r *RegionData) CellSize() int { return RegionSize / r.ClimateSize }

// ClimateCell returns scaled temperature and rainfall of cell (cx, cz).
func (r *RegionData) ClimateCell(cx, cz int) (temp, rain uint8) {
	c := r.Climate[cx+cz*r.ClimateSize]
	return uint8(c >> 16), uint8(c >> 8)
}

// ClimateAtBlock returns the cell covering world block (x, z), which must lie in the region.
func (r *RegionData) ClimateAtBlock(x, z int64) (temp, rain uint8) {
	lx := x - int64(r.Pos.X)*RegionSize
	lz := z - int64(r.Pos.Z)*RegionSize
	cell := int64(r.CellSize())
	return r.ClimateCell(int(lx/cell), int(lz/cell))
}

// PackClimate packs a climate cell the way region records store it.
func PackClimate(temp, rain uint8) uint32 {
	return uint32(temp)<<16 | uint32(rain)<<8
}

func packKey(x, z int32) int64 {
	return int64(uint64(uint32(x))<<32 | uint64(uint32(z)))
}

func unpackKey(k int64) (x, z int32) {
	u := uint64(k)
	return int32(uint32(u >> 32)), int32(uint32(u))
}

func floorDiv32(a, b int32) int32 {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

func floorDiv64(a, b int64) int64 {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}
