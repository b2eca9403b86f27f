package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConcreteDef configures one archive-backed source.
type ConcreteDef struct {
	ID string
	// Driver and DSN locate the archive; they are interpreted by the Opener.
	Driver string
	DSN    string
	// Tiles are tile URL templates published in the metadata.
	Tiles []string
	// Overrides are merged onto the archive metadata.
	Overrides map[string]any
}

// MemberDef is one entry of a virtual source's member list.
type MemberDef struct {
	ID      string
	MinZoom *int
	MaxZoom *int
}

// VirtualDef configures a virtual source.
type VirtualDef struct {
	ID string
	// Center is an optional [lng, lat, zoom] override.
	Center  []float64
	Members []MemberDef
}

// Definitions is everything Load needs to build a Registry.
type Definitions struct {
	Concrete []ConcreteDef
	Virtual  []VirtualDef
}

// Opener opens the archive of a concrete source.
type Opener func(ctx context.Context, def ConcreteDef) (Archive, error)

// Options controls Load.
type Options struct {
	Opener Opener
	// QueryTimeout bounds opening an archive and every metadata or range query.
	QueryTimeout time.Duration
	// Parallel limits concurrent range queries per archive.
	Parallel int
	// Strict makes any concrete source failure fail Load. Otherwise failed
	// sources are left out and logged.
	Strict bool
	// OnConcrete is called once per concrete source when it finishes
	// loading, possibly from several goroutines at once.
	OnConcrete func(id string, err error)
}

// Registry maps source ids to sources. It is immutable once Load returns.
type Registry struct {
	sources map[string]Source
	ids     []string
	ready   atomic.Bool
}

// Entry is one line of the source listing.
type Entry struct {
	ID       string
	Kind     Kind
	Metadata *Metadata
}

// Load opens every concrete source in parallel, waits for all of them to
// succeed or fail, then resolves the virtual sources against the concrete
// sources that made it.
func Load(ctx context.Context, defs Definitions, opts Options) (*Registry, error) {
	if opts.Opener == nil {
		return nil, errors.New("source: no archive opener")
	}
	if err := checkIDs(defs); err != nil {
		return nil, err
	}

	// virtual stubs exist before any archive is touched
	virtuals := make([]*Virtual, 0, len(defs.Virtual))
	for _, def := range defs.Virtual {
		virtuals = append(virtuals, NewVirtual(def))
	}

	loaded := make([]*Concrete, len(defs.Concrete))
	errs := make([]error, len(defs.Concrete))
	var wg sync.WaitGroup
	for i, def := range defs.Concrete {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded[i], errs[i] = loadConcrete(ctx, def, opts)
			if opts.OnConcrete != nil {
				opts.OnConcrete(def.ID, errs[i])
			}
		}()
	}
	wg.Wait()

	r := &Registry{sources: make(map[string]Source, len(defs.Concrete)+len(defs.Virtual))}
	concretes := make(map[string]*Concrete, len(loaded))
	for i, c := range loaded {
		if errs[i] != nil {
			log.WithField("source", defs.Concrete[i].ID).Errorf("load failed: %s", errs[i])
			continue
		}
		concretes[c.ID] = c
		r.sources[c.ID] = c
	}
	if err := errors.Join(errs...); err != nil && opts.Strict {
		r.Close()
		return nil, err
	}

	lookup := func(id string) (*Concrete, bool) {
		c, ok := concretes[id]
		return c, ok
	}
	for _, v := range virtuals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// cannot fail: every stub is fresh
			_ = v.Resolve(lookup)
		}()
	}
	wg.Wait()
	for _, v := range virtuals {
		r.sources[v.ID] = v
	}

	for id := range r.sources {
		r.ids = append(r.ids, id)
	}
	slices.Sort(r.ids)
	r.ready.Store(true)
	log.Infof("%d sources ready (%d concrete, %d virtual)", len(r.ids), len(concretes), len(virtuals))
	return r, nil
}

func checkIDs(defs Definitions) error {
	seen := make(map[string]bool)
	add := func(id string) error {
		if id == "" {
			return errors.New("source with empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate source id %q", id)
		}
		seen[id] = true
		return nil
	}
	for _, d := range defs.Concrete {
		if err := add(d.ID); err != nil {
			return err
		}
	}
	for _, d := range defs.Virtual {
		if err := add(d.ID); err != nil {
			return err
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func loadConcrete(ctx context.Context, def ConcreteDef, opts Options) (*Concrete, error) {
	start := time.Now()
	octx, cancel := withTimeout(ctx, opts.QueryTimeout)
	archive, err := opts.Opener(octx, def)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", def.ID, err)
	}

	c, err := newConcrete(ctx, def, archive, opts)
	if err != nil {
		if cerr := archive.Close(); cerr != nil {
			log.WithField("source", def.ID).Warnf("close archive: %s", cerr)
		}
		return nil, fmt.Errorf("load %s: %w", def.ID, err)
	}
	log.WithFields(log.Fields{
		"source":  def.ID,
		"zoom":    fmt.Sprintf("%d-%d", c.meta.MinZoom, c.meta.MaxZoom),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("source ready")
	return c, nil
}

func newConcrete(ctx context.Context, def ConcreteDef, archive Archive, opts Options) (*Concrete, error) {
	mctx, cancel := withTimeout(ctx, opts.QueryTimeout)
	raw, err := archive.Metadata(mctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		return nil, err
	}
	if err := meta.ApplyOverrides(def.Overrides); err != nil {
		return nil, err
	}
	if meta.Name == "" {
		meta.Name = def.ID
	}
	if len(def.Tiles) > 0 {
		meta.Tiles = slices.Clone(def.Tiles)
	}

	pyramid, err := BuildPyramid(ctx, archive, meta.MinZoom, meta.MaxZoom, PyramidOptions{
		Timeout:  opts.QueryTimeout,
		Parallel: opts.Parallel,
	})
	if err != nil {
		return nil, fmt.Errorf("bounds pyramid: %w", err)
	}
	return &Concrete{ID: def.ID, meta: meta, archive: archive, pyramid: pyramid}, nil
}

// Get looks up a source by id.
func (r *Registry) Get(id string) (Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// List returns every source, concrete and virtual alike, sorted by id.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.ids))
	for _, id := range r.ids {
		s := r.sources[id]
		out = append(out, Entry{ID: id, Kind: s.Kind(), Metadata: s.Meta()})
	}
	return out
}

// Close closes every archive.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.sources {
		if c, ok := s.(*Concrete); ok {
			if err := c.archive.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", c.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
