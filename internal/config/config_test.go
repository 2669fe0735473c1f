package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "atlas.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	p := writeConfig(t, `
world_db: /srv/world.vcdbs
tile_size: 512
base_zoom: 7
origin_tile: {x: 100, y: 200}
climate:
  mode: OnDemand
  batch_wait: 2s
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TileSize != 512 || cfg.BaseZoom != 7 {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.Climate.Mode != ClimateOnDemand {
		t.Fatalf("mode: got %q", cfg.Climate.Mode)
	}
	if cfg.Climate.BatchWait != 2*time.Second {
		t.Fatalf("batch_wait: got %v", cfg.Climate.BatchWait)
	}
	if cfg.Repository.MaxConnections != 8 || cfg.Cache.BusyTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Repository, cfg.Cache)
	}
	x, z := cfg.OriginBlocks()
	if x != 100*512 || z != 200*512 {
		t.Fatalf("origin blocks: got %d,%d", x, z)
	}
	if cfg.ChunksPerTile() != 16 {
		t.Fatalf("chunks per tile: got %d", cfg.ChunksPerTile())
	}
}

func TestValidate_RejectsBadTileSize(t *testing.T) {
	cfg := Defaults()
	cfg.WorldDB = "w.db"
	cfg.TileSize = 100
	if err := cfg.Validate(); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestValidate_RejectsUnknownClimateModeAndMissingWorld(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
		t.Fatalf("missing world_db should fail, got %v", err)
	}
	cfg.WorldDB = "w.db"
	cfg.Climate.Mode = "blended"
	if err := cfg.Validate(); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
		t.Fatalf("unknown mode should fail, got %v", err)
	}
	cfg.Climate.Mode = ClimateFast
	cfg.Render.Palette = map[uint32]string{3: "#zzzzzz"}
	if err := cfg.Validate(); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
		t.Fatalf("bad palette should fail, got %v", err)
	}
}

func TestValidate_RejectsNonPositiveSamples(t *testing.T) {
	for _, n := range []int{0, -1, -32, 3, ChunkSize * 2} {
		cfg := Defaults()
		cfg.WorldDB = "w.db"
		cfg.Climate.SamplesPerChunkEdge = n
		if err := cfg.Validate(); !errors.Is(err, atlaserr.ErrInvalidConfiguration) {
			t.Fatalf("samples %d: expected invalid configuration, got %v", n, err)
		}
	}
	cfg := Defaults()
	cfg.WorldDB = "w.db"
	cfg.Climate.SamplesPerChunkEdge = ChunkSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("samples %d: %v", ChunkSize, err)
	}
}

func TestResolutions_DoubleTowardsCoarseZoom(t *testing.T) {
	cfg := Defaults()
	got := cfg.Resolutions()
	want := []int64{512, 256, 128, 64, 32, 16, 8, 4, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("len: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resolutions[%d]: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#336699")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.R != 0x33 || c.G != 0x66 || c.B != 0x99 || c.A != 0xff {
		t.Fatalf("unexpected colour %+v", c)
	}
	c, err = ParseHexColor("10203040")
	if err != nil || c.A != 0x40 {
		t.Fatalf("rgba parse: %+v %v", c, err)
	}
}
