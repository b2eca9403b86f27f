package source

import (
	"context"

	"Fast-TileServer/internal/tile"
)

// Fetch returns the tile (z, x, y) of source id.
//
// For a concrete source the archive answers directly. For a virtual source
// the covering member's archive answers; if no member covers the tile the
// result is tile.ErrNotFound and no archive is touched. So is a coordinate
// outside the tile grid of its zoom. Archive errors are returned unchanged.
func (r *Registry) Fetch(ctx context.Context, id string, z, x, y int) (*tile.Tile, error) {
	if !r.ready.Load() {
		return nil, ErrNotReady
	}
	s, ok := r.sources[id]
	if !ok {
		return nil, ErrUnknownSource
	}
	if !(tile.Coord{Z: z, X: x, Y: y}).Valid() {
		return nil, tile.ErrNotFound
	}
	switch s := s.(type) {
	case *Concrete:
		return s.Fetch(ctx, z, x, y)
	case *Virtual:
		m, err := s.MemberAt(z, x, y)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, tile.ErrNotFound
		}
		return m.Source.Fetch(ctx, z, x, y)
	}
	return nil, ErrUnknownSource
}
