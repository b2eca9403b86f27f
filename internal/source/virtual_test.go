package source

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileServer/internal/mbtiles"
	"Fast-TileServer/internal/tile"
)

func intp(v int) *int { return &v }

// concrete builds a ready concrete source over a memory archive.
func concrete(t *testing.T, id string, meta *Metadata, a *mbtiles.MemoryArchive) *Concrete {
	t.Helper()
	p, err := BuildPyramid(context.Background(), a, meta.MinZoom, meta.MaxZoom, PyramidOptions{})
	require.NoError(t, err)
	return &Concrete{ID: id, meta: meta, archive: a, pyramid: p}
}

func lookupOf(cs ...*Concrete) func(string) (*Concrete, bool) {
	m := make(map[string]*Concrete)
	for _, c := range cs {
		m[c.ID] = c
	}
	return func(id string) (*Concrete, bool) {
		c, ok := m[id]
		return c, ok
	}
}

// worldAndCity is the A/B layout: A spans zoom 0-6 over the whole grid, B
// spans zoom 7-14 and at zoom 10 only holds x 10-20, y 5-15.
func worldAndCity(t *testing.T) (*Concrete, *Concrete) {
	a := mbtiles.NewMemoryArchive(nil)
	for z := 0; z <= 6; z++ {
		n := 1 << z
		a.Put(z, 0, 0, []byte("a"))
		a.Put(z, n-1, n-1, []byte("a"))
	}
	b := mbtiles.NewMemoryArchive(nil)
	b.Put(10, 10, 5, []byte("b"))
	b.Put(10, 20, 15, []byte("b"))
	b.Put(10, 15, 10, []byte("b"))

	world := concrete(t, "A", &Metadata{MinZoom: 0, MaxZoom: 6, Bounds: WorldBound}, a)
	city := concrete(t, "B", &Metadata{MinZoom: 7, MaxZoom: 14,
		Bounds: orb.Bound{Min: orb.Point{8, 47}, Max: orb.Point{9, 48}}}, b)
	return world, city
}

func TestMemberAtWindowsAndRectangles(t *testing.T) {
	world, city := worldAndCity(t)
	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{
		{ID: "A", MinZoom: intp(0), MaxZoom: intp(6)},
		{ID: "B", MinZoom: intp(7), MaxZoom: intp(14)},
	}})
	require.NoError(t, v.Resolve(lookupOf(world, city)))

	tests := []struct {
		name    string
		z, x, y int
		want    string
	}{
		{"inside B rectangle", 10, 15, 10, "B"},
		{"outside B rectangle", 10, 100, 100, ""},
		{"low zoom from A", 3, 0, 0, "A"},
		{"B zoom without data", 8, 0, 0, ""},
		{"beyond aggregate", 15, 0, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := v.MemberAt(tt.z, tt.x, tt.y)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.want, m.RefID)
		})
	}
}

func TestMemberAtFirstMatchWins(t *testing.T) {
	coarseArchive := mbtiles.NewMemoryArchive(nil)
	coarseArchive.Put(6, 0, 0, []byte("coarse"))
	coarseArchive.Put(6, 3, 3, []byte("coarse"))
	fineArchive := mbtiles.NewMemoryArchive(nil)
	fineArchive.Put(6, 1, 1, []byte("fine"))

	coarse := concrete(t, "Coarse", &Metadata{MinZoom: 0, MaxZoom: 10, Bounds: WorldBound}, coarseArchive)
	fine := concrete(t, "Fine", &Metadata{MinZoom: 5, MaxZoom: 10, Bounds: WorldBound}, fineArchive)

	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{
		{ID: "Coarse", MinZoom: intp(0), MaxZoom: intp(10)},
		{ID: "Fine", MinZoom: intp(5), MaxZoom: intp(10)},
	}})
	require.NoError(t, v.Resolve(lookupOf(coarse, fine)))

	for range 20 {
		m, err := v.MemberAt(6, 1, 1)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "Coarse", m.RefID, "earlier member wins, not the best fit")
	}

	// reversed declaration reverses the winner
	r := NewVirtual(VirtualDef{ID: "R", Members: []MemberDef{{ID: "Fine"}, {ID: "Coarse"}}})
	require.NoError(t, r.Resolve(lookupOf(coarse, fine)))
	m, err := r.MemberAt(6, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "Fine", m.RefID)
}

func TestMemberAtRejectsOutsideAggregateZoom(t *testing.T) {
	a := mbtiles.NewMemoryArchive(nil)
	a.Put(8, 1, 1, []byte("x"))
	p, err := BuildPyramid(context.Background(), a, 0, 10, PyramidOptions{})
	require.NoError(t, err)
	// metadata claims less than the archive holds
	c := &Concrete{ID: "A", meta: &Metadata{MinZoom: 0, MaxZoom: 5, Bounds: WorldBound}, archive: a, pyramid: p}

	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{{ID: "A"}}})
	require.NoError(t, v.Resolve(lookupOf(c)))
	_, ok := c.Pyramid().At(8)
	require.True(t, ok)

	m, err := v.MemberAt(8, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMemberDefaults(t *testing.T) {
	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{{ID: "A"}, {ID: "B", MinZoom: intp(4)}}})
	assert.Equal(t, 0, v.Members[0].MinZoom)
	assert.Equal(t, MemberMaxZoom, v.Members[0].MaxZoom)
	assert.Equal(t, 4, v.Members[1].MinZoom)
	assert.Equal(t, 30, v.Members[1].MaxZoom)
}

func TestUnresolvedVirtual(t *testing.T) {
	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{{ID: "A"}}})
	assert.False(t, v.Resolved())
	assert.Nil(t, v.Meta())

	_, err := v.MemberAt(0, 0, 0)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, v.Resolve(lookupOf()))
	assert.True(t, v.Resolved())
	assert.ErrorIs(t, v.Resolve(lookupOf()), ErrAlreadyResolved)
}

func TestResolveDropsDanglingMembers(t *testing.T) {
	world, city := worldAndCity(t)
	world.meta.VectorLayers = []VectorLayer{{ID: "water"}}
	v := NewVirtual(VirtualDef{ID: "V", Members: []MemberDef{{ID: "A"}, {ID: "ghost"}, {ID: "B"}}})

	require.NoError(t, v.Resolve(lookupOf(world, city)))
	require.Len(t, v.Members, 2)
	assert.Equal(t, "A", v.Members[0].RefID)
	assert.Equal(t, "B", v.Members[1].RefID)
	assert.Same(t, world, v.Members[0].Source)

	all := NewVirtual(VirtualDef{ID: "W", Members: []MemberDef{{ID: "ghost"}}})
	require.NoError(t, all.Resolve(lookupOf(world)))
	assert.Empty(t, all.Members)
	assert.Empty(t, all.Meta().VectorLayers)
	assert.Equal(t, WorldBound, all.Meta().Bounds)

	m, err := all.MemberAt(3, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestAggregate(t *testing.T) {
	west := &Concrete{ID: "west", meta: &Metadata{
		MinZoom: 2, MaxZoom: 8,
		Bounds: orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{10, 5}},
		VectorLayers: []VectorLayer{
			{ID: "roads", Description: "west roads"},
			{ID: "water"},
		},
	}}
	east := &Concrete{ID: "east", meta: &Metadata{
		MinZoom: 4, MaxZoom: 12,
		Bounds: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 15}},
		VectorLayers: []VectorLayer{
			{ID: "roads", Description: "east roads"},
			{ID: "places"},
		},
	}}

	m := Aggregate([]Member{{RefID: "west", Source: west, MaxZoom: 3}, {RefID: "east", Source: east}}, nil)

	assert.Equal(t, orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{20, 15}}, m.Bounds)
	assert.Equal(t, 2, m.MinZoom, "native range, not member window")
	assert.Equal(t, 12, m.MaxZoom)
	assert.Equal(t, [3]float64{5, 5, 12}, m.Center)
	assert.Equal(t, TileJSONVersion, m.TileJSON)
	assert.Equal(t, tile.PBF, m.Format)

	require.Len(t, m.VectorLayers, 3)
	assert.Equal(t, "roads", m.VectorLayers[0].ID)
	assert.Equal(t, "east roads", m.VectorLayers[0].Description, "later member wins")
	assert.Equal(t, "water", m.VectorLayers[1].ID)
	assert.Equal(t, "places", m.VectorLayers[2].ID)
}

func TestAggregateCenterOverride(t *testing.T) {
	c := &Concrete{ID: "c", meta: &Metadata{MinZoom: 0, MaxZoom: 6, Bounds: WorldBound}}

	m := Aggregate([]Member{{Source: c}}, []float64{10, 50, 4})
	assert.Equal(t, [3]float64{10, 50, 4}, m.Center)

	m = Aggregate([]Member{{Source: c}}, []float64{10, 50})
	assert.Equal(t, [3]float64{10, 50, 6}, m.Center)
}

func TestAggregateEmpty(t *testing.T) {
	m := Aggregate(nil, nil)
	assert.Equal(t, DefaultMinZoom, m.MinZoom)
	assert.Equal(t, DefaultMaxZoom, m.MaxZoom)
	assert.Equal(t, WorldBound, m.Bounds)
	assert.Nil(t, m.VectorLayers)
}
