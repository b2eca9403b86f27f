package source

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"Fast-TileServer/internal/tile"
)

// Fixed fields of merged (virtual) metadata.
const (
	TileJSONVersion = "2.0.0"
	VirtualFormat   = tile.PBF
	Scheme          = "xyz"
)

// WorldBound is the extent of the web mercator tile grid.
var WorldBound = maptile.New(0, 0, 0).Bound()

// Metadata describes a source in TileJSON terms.
type Metadata struct {
	TileJSON     string
	Name         string
	Description  string
	Attribution  string
	Format       string
	MinZoom      int
	MaxZoom      int
	Bounds       orb.Bound
	Center       [3]float64
	VectorLayers []VectorLayer
	Tiles        []string
	// Extra carries any other field, from the archive or from configuration.
	Extra map[string]any
}

// VectorLayer is one entry of vector_layers.
type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *int              `json:"minzoom,omitempty"`
	MaxZoom     *int              `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// MarshalJSON flattens Extra into the TileJSON object.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+12)
	maps.Copy(out, m.Extra)
	out["tilejson"] = m.TileJSON
	out["scheme"] = Scheme
	out["format"] = m.Format
	out["minzoom"] = m.MinZoom
	out["maxzoom"] = m.MaxZoom
	out["bounds"] = []float64{m.Bounds.Min.X(), m.Bounds.Min.Y(), m.Bounds.Max.X(), m.Bounds.Max.Y()}
	out["center"] = m.Center[:]
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if m.Attribution != "" {
		out["attribution"] = m.Attribution
	}
	if m.VectorLayers != nil {
		out["vector_layers"] = m.VectorLayers
	}
	if m.Tiles != nil {
		out["tiles"] = m.Tiles
	}
	return json.Marshal(out)
}

// Clone returns a copy whose slices and maps can be changed freely.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.VectorLayers = append([]VectorLayer(nil), m.VectorLayers...)
	c.Tiles = append([]string(nil), m.Tiles...)
	c.Extra = maps.Clone(m.Extra)
	return &c
}

// centerOf is the midpoint of b at zoom z.
func centerOf(b orb.Bound, z int) [3]float64 {
	c := b.Center()
	return [3]float64{c.X(), c.Y(), float64(z)}
}

// ParseMetadata reads the MBTiles metadata table into Metadata. Missing
// zooms fall back to the server defaults and missing bounds to the world.
func ParseMetadata(raw map[string]string) (*Metadata, error) {
	m := &Metadata{
		TileJSON: TileJSONVersion,
		Format:   tile.PNG,
		MinZoom:  DefaultMinZoom,
		MaxZoom:  DefaultMaxZoom,
		Bounds:   WorldBound,
		Extra:    make(map[string]any),
	}
	centerSet := false
	for k, v := range raw {
		var err error
		switch k {
		case "name":
			m.Name = v
		case "description":
			m.Description = v
		case "attribution":
			m.Attribution = v
		case "format":
			if v != "" {
				m.Format = v
			}
		case "minzoom":
			m.MinZoom, err = strconv.Atoi(strings.TrimSpace(v))
		case "maxzoom":
			m.MaxZoom, err = strconv.Atoi(strings.TrimSpace(v))
		case "bounds":
			m.Bounds, err = parseBounds(v)
		case "center":
			m.Center, err = parseCenter(v)
			centerSet = err == nil
		case "json":
			err = m.parseJSON(v)
		default:
			m.Extra[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("metadata %s=%q: %w", k, v, err)
		}
	}
	if m.MinZoom > m.MaxZoom {
		return nil, fmt.Errorf("metadata minzoom %d above maxzoom %d", m.MinZoom, m.MaxZoom)
	}
	if !centerSet {
		m.Center = centerOf(m.Bounds, m.MaxZoom)
	}
	return m, nil
}

func splitFloats(v string) ([]float64, error) {
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseBounds(v string) (orb.Bound, error) {
	f, err := splitFloats(v)
	if err != nil {
		return orb.Bound{}, err
	}
	return boundFrom(f)
}

func boundFrom(f []float64) (orb.Bound, error) {
	if len(f) != 4 {
		return orb.Bound{}, fmt.Errorf("want 4 values, got %d", len(f))
	}
	b := orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}
	if b.IsEmpty() {
		return orb.Bound{}, fmt.Errorf("inverted bounds %v", f)
	}
	return b, nil
}

func parseCenter(v string) ([3]float64, error) {
	f, err := splitFloats(v)
	if err != nil {
		return [3]float64{}, err
	}
	if len(f) != 3 {
		return [3]float64{}, fmt.Errorf("want 3 values, got %d", len(f))
	}
	return [3]float64{f[0], f[1], f[2]}, nil
}

// parseJSON reads the "json" metadata row, which holds vector_layers and
// optionally tilestats.
func (m *Metadata) parseJSON(v string) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(v), &doc); err != nil {
		return err
	}
	for k, raw := range doc {
		if k == "vector_layers" {
			if err := json.Unmarshal(raw, &m.VectorLayers); err != nil {
				return err
			}
			continue
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return err
		}
		m.Extra[k] = val
	}
	return nil
}

// ApplyOverrides merges configured fields onto archive metadata. Known
// TileJSON fields replace the archive values; anything else lands in Extra.
func (m *Metadata) ApplyOverrides(overrides map[string]any) error {
	for k, v := range overrides {
		var err error
		switch k {
		case "name":
			m.Name, err = cast.ToStringE(v)
		case "description":
			m.Description, err = cast.ToStringE(v)
		case "attribution":
			m.Attribution, err = cast.ToStringE(v)
		case "format":
			m.Format, err = cast.ToStringE(v)
		case "minzoom":
			m.MinZoom, err = cast.ToIntE(v)
		case "maxzoom":
			m.MaxZoom, err = cast.ToIntE(v)
		case "bounds":
			var f []float64
			if f, err = toFloats(v); err == nil {
				m.Bounds, err = boundFrom(f)
			}
		case "center":
			var f []float64
			if f, err = toFloats(v); err == nil {
				if len(f) != 3 {
					err = fmt.Errorf("want 3 values, got %d", len(f))
				} else {
					m.Center = [3]float64{f[0], f[1], f[2]}
				}
			}
		case "tilejson", "scheme", "tiles", "vector_layers":
			log.Warnf("metadata override %q is ignored", k)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("override %s: %w", k, err)
		}
	}
	if m.MinZoom > m.MaxZoom {
		return fmt.Errorf("override leaves minzoom %d above maxzoom %d", m.MinZoom, m.MaxZoom)
	}
	return nil
}

func toFloats(v any) ([]float64, error) {
	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(items))
	for i, it := range items {
		if out[i], err = cast.ToFloat64E(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}
