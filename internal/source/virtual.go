package source

import (
	"sync/atomic"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"
)

// Virtual merges several concrete sources into one endpoint.
//
// A Virtual starts unresolved: it only knows its member list. Resolve binds
// the members to their concrete sources and computes the merged metadata.
// Until then MemberAt and Meta refuse to answer.
type Virtual struct {
	ID      string
	Members []Member

	center   []float64
	meta     *Metadata
	resolved atomic.Bool
}

// NewVirtual creates an unresolved virtual source.
func NewVirtual(def VirtualDef) *Virtual {
	v := &Virtual{ID: def.ID, center: def.Center}
	for _, md := range def.Members {
		m := Member{RefID: md.ID, MinZoom: 0, MaxZoom: MemberMaxZoom}
		if md.MinZoom != nil {
			m.MinZoom = *md.MinZoom
		}
		if md.MaxZoom != nil {
			m.MaxZoom = *md.MaxZoom
		}
		v.Members = append(v.Members, m)
	}
	return v
}

func (v *Virtual) SourceID() string { return v.ID }
func (v *Virtual) Kind() Kind       { return KindVirtual }

// Meta returns the merged metadata, or nil while unresolved.
func (v *Virtual) Meta() *Metadata {
	if !v.resolved.Load() {
		return nil
	}
	return v.meta
}

// Resolved reports whether Resolve has completed.
func (v *Virtual) Resolved() bool {
	return v.resolved.Load()
}

// Resolve binds every member to its concrete source via lookup. Members
// whose source is unknown or failed to load are dropped with a warning.
// It must be called once, after all concrete sources finished loading.
func (v *Virtual) Resolve(lookup func(id string) (*Concrete, bool)) error {
	if v.resolved.Load() {
		return ErrAlreadyResolved
	}
	kept := v.Members[:0]
	for _, m := range v.Members {
		c, ok := lookup(m.RefID)
		if !ok {
			log.WithFields(log.Fields{"source": v.ID, "member": m.RefID}).Warn("member source not available, dropped")
			continue
		}
		m.Source = c
		kept = append(kept, m)
	}
	v.Members = kept
	v.meta = Aggregate(v.Members, v.center)
	v.meta.Name = v.ID
	v.resolved.Store(true)
	log.WithFields(log.Fields{"source": v.ID, "members": len(v.Members)}).Info("virtual source resolved")
	return nil
}

// MemberAt returns the member that supplies tile (z, x, y), or nil when no
// member covers it. Members are tried in declaration order and the first
// one whose zoom window and populated range contain the tile wins.
func (v *Virtual) MemberAt(z, x, y int) (*Member, error) {
	if !v.resolved.Load() {
		return nil, ErrNotReady
	}
	if z < v.meta.MinZoom || z > v.meta.MaxZoom {
		return nil, nil
	}
	for i := range v.Members {
		if v.Members[i].covers(z, x, y) {
			return &v.Members[i], nil
		}
	}
	return nil, nil
}

// Aggregate merges the metadata of resolved members. Bounds and zoom range
// are unions over the members' own archive metadata; vector layers are
// keyed by id with later members overwriting earlier ones. center, when it
// holds at least lng and lat, replaces the computed bounds midpoint.
func Aggregate(members []Member, center []float64) *Metadata {
	m := &Metadata{
		TileJSON: TileJSONVersion,
		Format:   VirtualFormat,
		MinZoom:  DefaultMinZoom,
		MaxZoom:  DefaultMaxZoom,
		Bounds:   WorldBound,
		Extra:    make(map[string]any),
	}

	var (
		bound  orb.Bound
		layers []VectorLayer
		index  = make(map[string]int)
		first  = true
	)
	for _, mem := range members {
		if mem.Source == nil {
			continue
		}
		src := mem.Source.Meta()
		if first {
			bound = src.Bounds
			m.MinZoom, m.MaxZoom = src.MinZoom, src.MaxZoom
			first = false
		} else {
			bound = bound.Union(src.Bounds)
			m.MinZoom = min(m.MinZoom, src.MinZoom)
			m.MaxZoom = max(m.MaxZoom, src.MaxZoom)
		}
		for _, l := range src.VectorLayers {
			if i, ok := index[l.ID]; ok {
				layers[i] = l
				continue
			}
			index[l.ID] = len(layers)
			layers = append(layers, l)
		}
	}
	if !first {
		m.Bounds = bound
	}
	m.VectorLayers = layers

	m.Center = centerOf(m.Bounds, m.MaxZoom)
	if len(center) >= 2 {
		m.Center[0], m.Center[1] = center[0], center[1]
		if len(center) >= 3 {
			m.Center[2] = center[2]
		}
	}
	return m
}
