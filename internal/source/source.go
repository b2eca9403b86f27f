// Package source holds the tile sources served by the server.
//
// A concrete source wraps one tile archive. A virtual source merges several
// concrete sources into one endpoint: for each requested tile the first
// member, in declaration order, whose zoom window and populated tile range
// cover the coordinate supplies the tile.
//
// Sources are built once by Load and never change afterwards, so a Registry
// is safe for concurrent use without locking.
package source

import (
	"context"
	"errors"
	"net/http"

	"Fast-TileServer/internal/tile"
)

// Zoom defaults.
const (
	// DefaultMinZoom and DefaultMaxZoom apply when archive metadata states no zoom.
	DefaultMinZoom = 0
	DefaultMaxZoom = 24
	// MemberMaxZoom is the upper end of a member's window when not configured.
	MemberMaxZoom = 30
)

var (
	// ErrUnknownSource is returned for an id that is not registered.
	ErrUnknownSource = errors.New("unknown source")
	// ErrNotReady is returned by operations that need a resolved source.
	ErrNotReady = errors.New("source not ready")
	// ErrAlreadyResolved is returned when resolving a virtual source twice.
	ErrAlreadyResolved = errors.New("source already resolved")
)

// Kind distinguishes concrete from virtual sources.
type Kind string

const (
	KindConcrete Kind = "concrete"
	KindVirtual  Kind = "virtual"
)

// Extenter answers per-zoom range queries.
type Extenter interface {
	// ZoomExtent returns the native (TMS) row/column range at zoom z, with
	// ok false when the zoom holds no tiles.
	ZoomExtent(ctx context.Context, z int) (e tile.Extent, ok bool, err error)
}

// Archive is the storage behind a concrete source.
type Archive interface {
	Extenter
	Metadata(ctx context.Context) (map[string]string, error)
	// Tile returns tile.ErrNotFound when there is no tile at (z, x, y).
	Tile(ctx context.Context, z, x, y int) (*tile.Tile, error)
	Close() error
}

// Source is a concrete or virtual source.
type Source interface {
	SourceID() string
	Kind() Kind
	Meta() *Metadata
}

// Concrete is a source backed by a single archive.
type Concrete struct {
	ID      string
	meta    *Metadata
	archive Archive
	pyramid *Pyramid
}

func (c *Concrete) SourceID() string { return c.ID }
func (c *Concrete) Kind() Kind       { return KindConcrete }
func (c *Concrete) Meta() *Metadata  { return c.meta }

// Pyramid returns the per-zoom populated tile ranges of the archive.
func (c *Concrete) Pyramid() *Pyramid { return c.pyramid }

// Fetch reads a tile straight from the archive. Content-Type follows the
// published format, which configuration may override.
func (c *Concrete) Fetch(ctx context.Context, z, x, y int) (*tile.Tile, error) {
	td, err := c.archive.Tile(ctx, z, x, y)
	if err != nil {
		return nil, err
	}
	if td.Header == nil {
		td.Header = http.Header{}
	}
	td.Header.Set("Content-Type", tile.ContentType(c.meta.Format))
	return td, nil
}

// Member is one entry of a virtual source. Order within the virtual source
// is priority: earlier members win.
type Member struct {
	RefID   string
	MinZoom int
	MaxZoom int
	// Source is bound when the virtual source is resolved.
	Source *Concrete
}

// covers reports whether the member supplies tile (z, x, y).
func (m *Member) covers(z, x, y int) bool {
	if z < m.MinZoom || z > m.MaxZoom || m.Source == nil {
		return false
	}
	r, ok := m.Source.pyramid.At(z)
	if !ok {
		return false
	}
	return r.Contains(x, y)
}
