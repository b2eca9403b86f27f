package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileServer/internal/mbtiles"
	"Fast-TileServer/internal/tile"
)

func TestBuildPyramid(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	a.Put(0, 0, 0, []byte{1})
	a.Put(3, 2, 1, []byte{1})
	a.Put(3, 5, 6, []byte{1})
	a.Put(10, 10, 5, []byte{1})
	a.Put(10, 20, 15, []byte{1})

	p, err := BuildPyramid(context.Background(), a, 0, 10, PyramidOptions{})
	require.NoError(t, err)
	assert.Equal(t, 11, p.Len())

	r, ok := p.At(0)
	require.True(t, ok)
	assert.Equal(t, tile.Rect{}, r)

	r, ok = p.At(3)
	require.True(t, ok)
	assert.Equal(t, tile.Rect{MinX: 2, MinY: 1, MaxX: 5, MaxY: 6}, r)

	r, ok = p.At(10)
	require.True(t, ok)
	assert.Equal(t, tile.Rect{MinX: 10, MinY: 5, MaxX: 20, MaxY: 15}, r)

	for z := 0; z <= 10; z++ {
		if r, ok := p.At(z); ok {
			assert.LessOrEqual(t, r.MinX, r.MaxX, "zoom %d", z)
			assert.LessOrEqual(t, r.MinY, r.MaxY, "zoom %d", z)
		}
	}

	_, ok = p.At(5)
	assert.False(t, ok, "zoom without tiles is empty, not [0,0,0,0]")
	_, ok = p.At(11)
	assert.False(t, ok)
	_, ok = p.At(-1)
	assert.False(t, ok)
}

func TestBuildPyramidOffsetRange(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	a.Put(7, 3, 4, []byte{1})

	p, err := BuildPyramid(context.Background(), a, 7, 14, PyramidOptions{Parallel: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Len())

	r, ok := p.At(7)
	require.True(t, ok)
	assert.Equal(t, tile.Rect{MinX: 3, MinY: 4, MaxX: 3, MaxY: 4}, r)
	_, ok = p.At(6)
	assert.False(t, ok)
}

func TestBuildPyramidFailsWhole(t *testing.T) {
	boom := errors.New("disk gone")
	a := mbtiles.NewMemoryArchive(nil)
	a.Put(2, 1, 1, []byte{1})
	a.ExtentErr = func(z int) error {
		if z == 4 {
			return boom
		}
		return nil
	}

	p, err := BuildPyramid(context.Background(), a, 0, 6, PyramidOptions{})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "zoom 4")
}

func TestBuildPyramidTimeout(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	a.Hang = true

	start := time.Now()
	_, err := BuildPyramid(context.Background(), a, 0, 3, PyramidOptions{Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBuildPyramidProgress(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	var (
		mu   sync.Mutex
		seen = map[int]int{}
	)
	_, err := BuildPyramid(context.Background(), a, 2, 5, PyramidOptions{
		Progress: func(z int) {
			mu.Lock()
			seen[z]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 1, 3: 1, 4: 1, 5: 1}, seen)
}

func TestBuildPyramidInvalidRange(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	for _, zr := range [][2]int{{5, 4}, {-1, 3}, {0, 31}} {
		_, err := BuildPyramid(context.Background(), a, zr[0], zr[1], PyramidOptions{})
		assert.Error(t, err, "range %v", zr)
	}
}

func TestNilPyramidAt(t *testing.T) {
	var p *Pyramid
	_, ok := p.At(0)
	assert.False(t, ok)
}
