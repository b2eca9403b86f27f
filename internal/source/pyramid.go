package source

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"Fast-TileServer/internal/tile"
)

// Pyramid records, per zoom, the XYZ tile rectangle an archive has data in.
type Pyramid struct {
	MinZoom int
	MaxZoom int
	levels  []level
}

type level struct {
	rect      tile.Rect
	populated bool
}

// PyramidOptions tunes BuildPyramid.
type PyramidOptions struct {
	// Timeout bounds each per-zoom query. Zero means no bound beyond ctx.
	Timeout time.Duration
	// Parallel limits concurrent queries. Zero means one goroutine per zoom.
	Parallel int
	// Progress is called after each zoom completes, possibly concurrently.
	Progress func(z int)
}

// Len is the number of zoom levels covered, populated or not.
func (p *Pyramid) Len() int {
	return len(p.levels)
}

// At returns the populated rectangle at zoom z. ok is false for zooms
// without tiles and for zooms outside [MinZoom, MaxZoom].
func (p *Pyramid) At(z int) (tile.Rect, bool) {
	if p == nil || z < p.MinZoom || z > p.MaxZoom {
		return tile.Rect{}, false
	}
	l := p.levels[z-p.MinZoom]
	return l.rect, l.populated
}

// BuildPyramid queries the archive once per zoom in [minzoom, maxzoom],
// concurrently, and converts each native extent to XYZ tile space. Any
// failing query fails the whole build.
func BuildPyramid(ctx context.Context, archive Extenter, minzoom, maxzoom int, opts PyramidOptions) (*Pyramid, error) {
	if minzoom < 0 || maxzoom > MemberMaxZoom || minzoom > maxzoom {
		return nil, fmt.Errorf("invalid zoom range %d..%d", minzoom, maxzoom)
	}
	p := &Pyramid{
		MinZoom: minzoom,
		MaxZoom: maxzoom,
		levels:  make([]level, maxzoom-minzoom+1),
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for z := minzoom; z <= maxzoom; z++ {
		g.Go(func() error {
			qctx, cancel := gctx, context.CancelFunc(func() {})
			if opts.Timeout > 0 {
				qctx, cancel = context.WithTimeout(gctx, opts.Timeout)
			}
			defer cancel()

			e, ok, err := archive.ZoomExtent(qctx, z)
			if err != nil {
				return fmt.Errorf("zoom %d: %w", z, err)
			}
			if ok {
				// slot z-minzoom is owned by this goroutine
				p.levels[z-minzoom] = level{rect: e.ToRect(z), populated: true}
			}
			if opts.Progress != nil {
				opts.Progress(z)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for z := minzoom; z <= maxzoom; z++ {
		if r, ok := p.At(z); ok {
			log.Debugf("zoom %d bounds %s", z, r)
		}
	}
	return p, nil
}
