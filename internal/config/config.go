package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

// ChunkSize is the fixed horizontal edge length of a chunk in blocks.
const ChunkSize = 32

const maxBaseZoom = 24

type ClimateMode string

const (
	ClimateFast     ClimateMode = "fast"
	ClimateOnDemand ClimateMode = "ondemand"
)

type Config struct {
	WorldDB   string `yaml:"world_db"`
	OutputDir string `yaml:"output_dir"`

	TileSize               int `yaml:"tile_size"`
	BaseZoom               int `yaml:"base_zoom"`
	MaxDegreeOfParallelism int `yaml:"max_degree_of_parallelism"`

	// Origin is the world block that maps to grid (0,0). OriginTile, when set,
	// overrides it with a base-zoom storage tile.
	Origin     *BlockPos `yaml:"origin,omitempty"`
	OriginTile *TilePos  `yaml:"origin_tile,omitempty"`

	Climate    Climate    `yaml:"climate"`
	Repository Repository `yaml:"repository"`
	Cache      Cache      `yaml:"cache"`
	Render     Render     `yaml:"render"`
	Log        Log        `yaml:"log"`
}

type BlockPos struct {
	X int64 `yaml:"x"`
	Z int64 `yaml:"z"`
}

type TilePos struct {
	X int64 `yaml:"x"`
	Y int64 `yaml:"y"`
}

type Climate struct {
	Mode                ClimateMode   `yaml:"mode"`
	SamplesPerChunkEdge int           `yaml:"samples_per_chunk_edge"`
	BatchSize           int           `yaml:"batch_size"`
	BatchWait           time.Duration `yaml:"batch_wait"`
	DayOfYear           int           `yaml:"day_of_year"`
	DaysPerYear         int           `yaml:"days_per_year"`
	HourOfDay           float64       `yaml:"hour_of_day"`
}

type Repository struct {
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type Cache struct {
	BusyTimeout    time.Duration `yaml:"busy_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	ReadCacheBytes int64         `yaml:"read_cache_bytes"`
}

type Render struct {
	Seed    int64             `yaml:"seed"`
	Palette map[uint32]string `yaml:"palette,omitempty"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads a YAML config, applies defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		OutputDir: "./atlas-data",
		TileSize:  256,
		BaseZoom:  9,
		Climate: Climate{
			Mode:                ClimateFast,
			SamplesPerChunkEdge: 2,
			BatchSize:           256,
			BatchWait:           30 * time.Second,
			DaysPerYear:         108,
			HourOfDay:           12,
		},
		Repository: Repository{
			MaxConnections: 8,
			AcquireTimeout: 10 * time.Second,
		},
		Cache: Cache{
			BusyTimeout:    5 * time.Second,
			MaxConnections: 4,
			ReadCacheBytes: 64 << 20,
		},
		Log: Log{Level: "info"},
	}
}

// Normalize fills zero values left by a partial YAML document.
func (c *Config) Normalize() {
	d := Defaults()
	c.WorldDB = strings.TrimSpace(c.WorldDB)
	c.OutputDir = strings.TrimSpace(c.OutputDir)
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	c.Climate.Mode = ClimateMode(strings.ToLower(strings.TrimSpace(string(c.Climate.Mode))))
	if c.Climate.Mode == "" {
		c.Climate.Mode = d.Climate.Mode
	}
	if c.Climate.SamplesPerChunkEdge <= 0 {
		c.Climate.SamplesPerChunkEdge = d.Climate.SamplesPerChunkEdge
	}
	if c.Climate.BatchSize <= 0 {
		c.Climate.BatchSize = d.Climate.BatchSize
	}
	if c.Climate.BatchWait <= 0 {
		c.Climate.BatchWait = d.Climate.BatchWait
	}
	if c.Climate.DaysPerYear <= 0 {
		c.Climate.DaysPerYear = d.Climate.DaysPerYear
	}
	if c.Repository.MaxConnections <= 0 {
		c.Repository.MaxConnections = d.Repository.MaxConnections
	}
	if c.Repository.AcquireTimeout <= 0 {
		c.Repository.AcquireTimeout = d.Repository.AcquireTimeout
	}
	if c.Cache.BusyTimeout <= 0 {
		c.Cache.BusyTimeout = d.Cache.BusyTimeout
	}
	if c.Cache.MaxConnections <= 0 {
		c.Cache.MaxConnections = d.Cache.MaxConnections
	}
	if c.Cache.ReadCacheBytes < 0 {
		c.Cache.ReadCacheBytes = 0
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

// Validate rejects settings that cannot produce a consistent pyramid. All
// failures wrap atlaserr.ErrInvalidConfiguration.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", atlaserr.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}
	if c.WorldDB == "" {
		return bad("world_db is required")
	}
	if c.TileSize <= 0 || c.TileSize%ChunkSize != 0 {
		return bad("tile_size %d must be a positive multiple of %d", c.TileSize, ChunkSize)
	}
	if c.BaseZoom < 0 || c.BaseZoom > maxBaseZoom {
		return bad("base_zoom %d must be within [0,%d]", c.BaseZoom, maxBaseZoom)
	}
	switch c.Climate.Mode {
	case ClimateFast, ClimateOnDemand:
	default:
		return bad("unknown climate mode %q", c.Climate.Mode)
	}
	if n := c.Climate.SamplesPerChunkEdge; n <= 0 || n > ChunkSize || ChunkSize%n != 0 {
		return bad("samples_per_chunk_edge %d must be a positive divisor of %d", n, ChunkSize)
	}
	if c.Climate.DayOfYear < 0 || c.Climate.DayOfYear >= c.Climate.DaysPerYear {
		return bad("day_of_year %d outside [0,%d)", c.Climate.DayOfYear, c.Climate.DaysPerYear)
	}
	if c.Climate.HourOfDay < 0 || c.Climate.HourOfDay >= 24 {
		return bad("hour_of_day %.2f outside [0,24)", c.Climate.HourOfDay)
	}
	for id, hex := range c.Render.Palette {
		if _, err := ParseHexColor(hex); err != nil {
			return bad("palette entry %d: %v", id, err)
		}
	}
	return nil
}

// Resolutions returns the per-zoom resolution multipliers, coarse first:
// resolutions[BaseZoom] == 1 and each earlier entry doubles the next.
func (c Config) Resolutions() []int64 {
	out := make([]int64, c.BaseZoom+1)
	for z := range out {
		out[z] = int64(1) << uint(c.BaseZoom-z)
	}
	return out
}

func (c Config) ChunksPerTile() int { return c.TileSize / ChunkSize }

// OriginBlocks is the world-space origin of the display grid, in blocks.
func (c Config) OriginBlocks() (x, z int64) {
	if c.OriginTile != nil {
		return c.OriginTile.X * int64(c.TileSize), c.OriginTile.Y * int64(c.TileSize)
	}
	if c.Origin != nil {
		return c.Origin.X, c.Origin.Z
	}
	return 0, 0
}

// Parallelism resolves MaxDegreeOfParallelism; <=0 means hardware concurrency.
func (c Config) Parallelism() int {
	if c.MaxDegreeOfParallelism <= 0 {
		return runtime.NumCPU()
	}
	return c.MaxDegreeOfParallelism
}

func (c Config) TileCachePath() string { return filepath.Join(c.OutputDir, "tiles.db") }
func (c Config) MetadataPath() string  { return filepath.Join(c.OutputDir, "metadata.db") }
