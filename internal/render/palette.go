package render

import (
	"encoding/binary"
	"image/color"

	"github.com/cespare/xxhash/v2"
)

// Air is the block id of an empty column; it is never drawn.
const Air uint32 = 0

// Palette maps block ids to colours. It is built once at startup and is
// read-only afterwards, so one instance can be shared by every render worker.
type Palette struct {
	colors    map[uint32]color.NRGBA
	seed      uint64
	variation int
}

// NewPalette copies entries. Ids missing from entries get a stable colour
// derived from the id. variation is the max per-block brightness jitter.
func NewPalette(entries map[uint32]color.NRGBA, seed int64, variation int) *Palette {
	p := &Palette{
		colors:    make(map[uint32]color.NRGBA, len(entries)),
		seed:      uint64(seed),
		variation: variation,
	}
	for id, c := range entries {
		p.colors[id] = c
	}
	return p
}

// Base returns the colour of id before variation.
func (p *Palette) Base(id uint32) color.NRGBA {
	if c, ok := p.colors[id]; ok {
		return c
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := xxhash.Sum64(buf[:])
	return color.NRGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 0xff}
}

// Color returns the colour of block id at world (x, z). ok is false for air.
// The result depends only on (seed, id, x, z).
func (p *Palette) Color(id uint32, x, z int64) (color.NRGBA, bool) {
	if id == Air {
		return color.NRGBA{}, false
	}
	c := p.Base(id)
	if p.variation <= 0 {
		return c, true
	}
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], p.seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(id))
	binary.LittleEndian.PutUint64(buf[16:], uint64(x))
	binary.LittleEndian.PutUint64(buf[24:], uint64(z))
	span := uint64(2*p.variation + 1)
	d := int(xxhash.Sum64(buf[:])%span) - p.variation
	c.R = addClamp(c.R, d)
	c.G = addClamp(c.G, d)
	c.B = addClamp(c.B, d)
	return c, true
}

func addClamp(v uint8, d int) uint8 {
	n := int(v) + d
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}
