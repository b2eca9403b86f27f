package mbtiles

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"Fast-TileServer/internal/tile"
)

type memKey struct {
	z, col, row int
}

// MemoryArchive is an in-memory archive for testing. Tiles are kept in the
// TMS row convention, the same way they are stored on disk.
type MemoryArchive struct {
	mu    sync.RWMutex
	meta  map[string]string
	tiles map[memKey][]byte

	// ExtentErr, when set, is consulted before every ZoomExtent call.
	ExtentErr func(z int) error
	// TileErr, when set, is returned by every Tile call.
	TileErr error
	// Hang makes ZoomExtent block until its context is done.
	Hang bool

	fetches atomic.Int64
	closed  atomic.Bool
}

// NewMemoryArchive creates an archive with the given metadata table.
func NewMemoryArchive(meta map[string]string) *MemoryArchive {
	return &MemoryArchive{
		meta:  maps.Clone(meta),
		tiles: make(map[memKey][]byte),
	}
}

// Put stores a tile addressed in XYZ.
func (m *MemoryArchive) Put(z, x, y int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiles[memKey{z: z, col: x, row: tile.FlipY(y, z)}] = data
}

// Fetches reports how many times Tile was called.
func (m *MemoryArchive) Fetches() int64 {
	return m.fetches.Load()
}

// Closed reports whether Close was called.
func (m *MemoryArchive) Closed() bool {
	return m.closed.Load()
}

func (m *MemoryArchive) Metadata(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.meta), nil
}

func (m *MemoryArchive) ZoomExtent(ctx context.Context, z int) (tile.Extent, bool, error) {
	if m.Hang {
		<-ctx.Done()
		return tile.Extent{}, false, ctx.Err()
	}
	if m.ExtentErr != nil {
		if err := m.ExtentErr(z); err != nil {
			return tile.Extent{}, false, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var e tile.Extent
	found := false
	for k := range m.tiles {
		if k.z != z {
			continue
		}
		if !found {
			e = tile.Extent{MinRow: k.row, MaxRow: k.row, MinCol: k.col, MaxCol: k.col}
			found = true
			continue
		}
		e.MinRow = min(e.MinRow, k.row)
		e.MaxRow = max(e.MaxRow, k.row)
		e.MinCol = min(e.MinCol, k.col)
		e.MaxCol = max(e.MaxCol, k.col)
	}
	return e, found, nil
}

func (m *MemoryArchive) Tile(ctx context.Context, z, x, y int) (*tile.Tile, error) {
	m.fetches.Add(1)
	if m.TileErr != nil {
		return nil, m.TileErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.tiles[memKey{z: z, col: x, row: tile.FlipY(y, z)}]
	if !ok || len(data) == 0 {
		return nil, tile.ErrNotFound
	}
	return &tile.Tile{
		Coord:  tile.Coord{Z: z, X: x, Y: y},
		C:      data,
		Header: tile.Headers(m.meta["format"], data),
	}, nil
}

func (m *MemoryArchive) Close() error {
	m.closed.Store(true)
	return nil
}
