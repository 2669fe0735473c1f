package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/daviaaze/VintageAtlas-sub002/internal/atlas"
	"github.com/daviaaze/VintageAtlas-sub002/internal/atlaserr"
	"github.com/daviaaze/VintageAtlas-sub002/internal/climate"
	"github.com/daviaaze/VintageAtlas-sub002/internal/config"
	"github.com/daviaaze/VintageAtlas-sub002/internal/export"
	"github.com/daviaaze/VintageAtlas-sub002/internal/logging"
	"github.com/daviaaze/VintageAtlas-sub002/internal/worlddb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "export":
		exportCmd(args)
	case "tile":
		tileCmd(args)
	case "climate":
		climateCmd(args)
	case "extent":
		extentCmd(args)
	case "traders":
		tradersCmd(args)
	case "regions":
		regionsCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: atlas <export|tile|climate|extent|traders|regions> -config atlas.yaml [flags]")
}

func open(fs *flag.FlagSet, args []string) (*atlas.Service, *zap.Logger) {
	cfgPath := fs.String("config", "atlas.yaml", "config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.File)
	svc, err := atlas.Open(cfg, log)
	if err != nil {
		_ = log.Sync()
		fmt.Fprintln(os.Stderr, "open:", err)
		if errors.Is(err, atlaserr.ErrInvalidConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	return svc, log
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	chunks := fs.String("chunks", "", "incremental export: chunk positions x,z;x,z (optional)")
	quiet := fs.Bool("quiet", false, "do not print progress")
	// flags are parsed by open, so read them only after it returns
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	var opts export.Options
	if strings.TrimSpace(*chunks) != "" {
		list, err := parseChunks(*chunks)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -chunks:", err)
			os.Exit(2)
		}
		opts.Chunks = list
	}
	if !*quiet {
		opts.Progress = func(phase string, processed, total int) {
			fmt.Fprintf(os.Stderr, "\r%-16s %s/%s", phase, humanize.Comma(int64(processed)), humanize.Comma(int64(total)))
			if processed == total {
				fmt.Fprintln(os.Stderr)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := svc.ExportNow(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export %s failed after %s: %v\n", res.ID, res.Elapsed, err)
		os.Exit(1)
	}
	fmt.Printf("export %s: %s chunks, %s tiles (%d empty), %s downsampled in %s\n",
		res.ID, humanize.Comma(int64(res.Chunks)), humanize.Comma(int64(res.Tiles)), res.EmptyTiles,
		humanize.Comma(int64(res.Downsampled)), res.Elapsed)
}

func tileCmd(args []string) {
	fs := flag.NewFlagSet("tile", flag.ExitOnError)
	zoom := fs.Int("z", 0, "zoom level")
	x := fs.Int64("x", 0, "tile x")
	y := fs.Int64("y", 0, "tile y")
	grid := fs.Bool("grid", false, "x/y are display grid coordinates instead of storage coordinates")
	out := fs.String("out", "", "write png here (default stdout)")
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	ctx := context.Background()
	var (
		b   []byte
		ok  bool
		err error
	)
	if *grid {
		b, ok, err = svc.GetGridTileBytes(ctx, *zoom, *x, *y)
	} else {
		b, ok, err = svc.GetTileBytes(ctx, *zoom, *x, *y)
	}
	writeBlob(b, ok, err, *out)
}

func climateCmd(args []string) {
	fs := flag.NewFlagSet("climate", flag.ExitOnError)
	layer := fs.String("layer", string(climate.Temperature), "temperature|rainfall")
	x := fs.Int64("x", 0, "tile x")
	y := fs.Int64("y", 0, "tile y")
	out := fs.String("out", "", "write png here (default stdout)")
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	b, ok, err := svc.GetClimateLayerBytes(context.Background(), climate.Layer(*layer), *x, *y)
	writeBlob(b, ok, err, *out)
}

func writeBlob(b []byte, ok bool, err error, out string) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "absent")
		os.Exit(3)
	}
	if out == "" {
		_, _ = os.Stdout.Write(b)
		return
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
}

func extentCmd(args []string) {
	fs := flag.NewFlagSet("extent", flag.ExitOnError)
	zoom := fs.Int("z", 0, "zoom level")
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	e, ok, err := svc.Extent(context.Background(), *zoom)
	if err != nil {
		fmt.Fprintln(os.Stderr, "extent:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("empty")
		return
	}
	fmt.Printf("x [%d,%d] y [%d,%d] tiles=%d\n", e.MinX, e.MaxX, e.MinY, e.MaxY, e.Count)
}

func tradersCmd(args []string) {
	fs := flag.NewFlagSet("traders", flag.ExitOnError)
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	traders, err := svc.GetTraders(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "traders:", err)
		os.Exit(1)
	}
	printJSON(traders)
}

func regionsCmd(args []string) {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	svc, log := open(fs, args)
	defer svc.Close()
	defer log.Sync()

	regions, err := svc.GetVersionRegions(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "regions:", err)
		os.Exit(1)
	}
	printJSON(regions)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
}

// parseChunks reads "x,z;x,z".
func parseChunks(s string) ([]worlddb.ChunkPosition, error) {
	var out []worlddb.ChunkPosition
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xs, zs, ok := strings.Cut(part, ",")
		if !ok {
			return nil, fmt.Errorf("%q: want x,z", part)
		}
		x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		z, err := strconv.ParseInt(strings.TrimSpace(zs), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, worlddb.ChunkPosition{X: int32(x), Z: int32(z)})
	}
	if len(out) == 0 {
		return nil, errors.New("no chunk positions")
	}
	return out, nil
}
