// Package climate holds the point model shared by the climate extractor, the
// metadata store and the climate rasteriser.
package climate

import "math"

type Layer string

const (
	Temperature Layer = "temperature"
	Rainfall    Layer = "rainfall"
)

// Layers lists every climate layer in storage order.
var Layers = []Layer{Temperature, Rainfall}

func (l Layer) Valid() bool { return l == Temperature || l == Rainfall }

// Point is one climate sample at a world block position.
// Value is 0..255 for visualisation; Real is in physical units
// (degrees Celsius for temperature, 0..1 for rainfall).
type Point struct {
	X, Z  int64
	Value uint8
	Real  float64
}

// DescaleTemperature converts a worldgen temperature byte to degrees Celsius.
func DescaleTemperature(v uint8) float64 { return float64(v)/4.25 - 20 }

// ScaleTemperature is the inverse of DescaleTemperature, clamped to a byte.
func ScaleTemperature(c float64) uint8 { return clampByte((c + 20) * 4.25) }

func DescaleRainfall(v uint8) float64 { return float64(v) / 255 }

func ScaleRainfall(r float64) uint8 { return clampByte(r * 255) }

func clampByte(f float64) uint8 {
	f = math.Round(f)
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}

// Tile is one rendered climate raster tile. Climate layers use a single
// resolution, so tiles are addressed by (X, Y) only.
type Tile struct {
	X, Y int64
	Data []byte
}
