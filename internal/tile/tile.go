package tile

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when no tile exists at the requested coordinate.
var ErrNotFound = errors.New("tile not found")

//Coord 瓦片坐标, XYZ schema (north-up, origin top-left)
type Coord struct {
	Z int
	X int
	Y int
}

func (c Coord) String() string {
	return fmt.Sprintf("{%d/%d/%d}", c.Z, c.X, c.Y)
}

// Valid reports whether the coordinate addresses a tile inside the zoom's grid.
func (c Coord) Valid() bool {
	if c.Z < 0 || c.Z > 30 {
		return false
	}
	n := 1 << c.Z
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

//Tile 瓦片数据
type Tile struct {
	Coord
	C      []byte
	Header http.Header
}

// FlipY converts a row index between the TMS convention used on disk by
// MBTiles (row 0 = south) and the XYZ convention (row 0 = north). It is its
// own inverse.
func FlipY(row, z int) int {
	return (1 << z) - row - 1
}

// Extent is the native row/column range an archive holds at one zoom level.
// Rows are in the archive's TMS convention.
type Extent struct {
	MinRow int
	MaxRow int
	MinCol int
	MaxCol int
}

// Rect is an inclusive tile-index rectangle in the XYZ convention.
type Rect struct {
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// ToRect converts a native extent at zoom z into XYZ tile-index space.
// Flipping reverses row order, so the northern bound comes from the
// archive's largest row and the southern bound from its smallest.
func (e Extent) ToRect(z int) Rect {
	return Rect{
		MinX: e.MinCol,
		MinY: FlipY(e.MaxRow, z),
		MaxX: e.MaxCol,
		MaxY: FlipY(e.MinRow, z),
	}
}

// Contains reports whether (x, y) lies inside r, edges included.
func (r Rect) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", r.MinX, r.MinY, r.MaxX, r.MaxY)
}
