package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/mbtiles"
	"Fast-TileServer/internal/source"
	"Fast-TileServer/internal/tile"
)

//flag
var (
	driver  string
	dsn     string
	coord   string
	timeout time.Duration
)

func init() {
	flag.StringVar(&driver, "driver", mbtiles.SQLite, "archive driver, sqlite3 or mysql")
	flag.StringVar(&dsn, "dsn", "", "archive `file` or mysql dsn")
	flag.StringVar(&coord, "tile", "", "also fetch the tile `z/x/y`")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "per query timeout")
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

func main() {
	flag.Parse()
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Usage: tools -dsn world.mbtiles [-driver sqlite3] [-tile z/x/y]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	ctx := context.Background()
	archive, err := mbtiles.Open(ctx, mbtiles.Options{Driver: driver, DSN: dsn})
	if err != nil {
		log.Fatalf("open archive error ~ %s", err)
	}
	defer archive.Close()

	raw, err := archive.Metadata(ctx)
	if err != nil {
		log.Fatalf("read metadata error ~ %s", err)
	}
	meta, err := source.ParseMetadata(raw)
	if err != nil {
		log.Fatalf("parse metadata error ~ %s", err)
	}
	printMetadata(raw)

	start := time.Now()
	bar := pb.StartNew(meta.MaxZoom - meta.MinZoom + 1)
	pyramid, err := source.BuildPyramid(ctx, archive, meta.MinZoom, meta.MaxZoom, source.PyramidOptions{
		Timeout:  timeout,
		Parallel: 4,
		Progress: func(int) { bar.Increment() },
	})
	bar.Finish()
	if err != nil {
		log.Fatalf("build pyramid error ~ %s", err)
	}
	log.Infof("pyramid %d-%d built in %.3fs", pyramid.MinZoom, pyramid.MaxZoom, time.Since(start).Seconds())
	printPyramid(pyramid)

	if coord != "" {
		var c tile.Coord
		if _, err := fmt.Sscanf(coord, "%d/%d/%d", &c.Z, &c.X, &c.Y); err != nil || !c.Valid() {
			log.Fatalf("invalid tile %q", coord)
		}
		td, err := archive.Tile(ctx, c.Z, c.X, c.Y)
		if err != nil {
			log.Fatalf("fetch tile %s error ~ %s", c, err)
		}
		fmt.Printf("\ntile %s: %d bytes, %s %s\n", c, len(td.C),
			td.Header.Get("Content-Type"), td.Header.Get("Content-Encoding"))
	}
}

func printMetadata(raw map[string]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := raw[k]
		if len(v) > 80 {
			v = v[:77] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\n", k, v)
	}
	w.Flush()
}

func printPyramid(p *source.Pyramid) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "zoom\tx\ty\ttiles")
	for z := p.MinZoom; z <= p.MaxZoom; z++ {
		r, ok := p.At(z)
		if !ok {
			fmt.Fprintf(w, "%d\t-\t-\t0\n", z)
			continue
		}
		n := (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
		fmt.Fprintf(w, "%d\t%d-%d\t%d-%d\t<=%d\n", z, r.MinX, r.MaxX, r.MinY, r.MaxY, n)
	}
	w.Flush()
}
