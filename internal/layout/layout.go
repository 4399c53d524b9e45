// Package layout assigns a size and a file offset to every resource of a
// catalog before anything is written.
//
// The fixed prefix is always the 12-byte file header, the imap and the mmap.
// Every other resource follows in rank order (cast index, key table, cast
// members, configuration, member payloads, verbatim, free slots), catalog
// order within a rank, packed back to back.
package layout

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

var (
	// ErrMissingDirectory is returned when the catalog lacks an imap or mmap.
	ErrMissingDirectory = errors.New("catalog has no directory resource")

	// ErrTooLarge is returned when the planned file exceeds 32-bit offsets.
	ErrTooLarge = errors.New("planned archive exceeds 4 GiB")
)

// Placement is the planned position of one resource.
type Placement struct {
	Index  int32
	Tag    rifx.Tag
	Kind   rifx.Kind
	Size   uint32
	Offset uint32
}

// End returns the offset just past the resource's payload.
func (p Placement) End() uint32 {
	return p.Offset + rifx.Span(p.Size)
}

// Plan is the derived catalog produced by a layout pass. The live catalog
// is not modified by planning.
type Plan struct {
	// Placements in visitation order, which is also file order.
	Placements []Placement

	// HeaderSize is the sum of the spans of every non-header resource.
	HeaderSize      uint32
	MemoryMapOffset uint32

	// EntryCount is the number of memory-map slots, UsedCount the number
	// of catalog entries occupying them.
	EntryCount int
	UsedCount  int

	// Env is the serializer environment the plan was sized with; the writer
	// must encode with the same one.
	Env *serializer.Env

	byIndex map[int32]int
}

// Lookup returns the placement of the resource at catalog index.
func (p *Plan) Lookup(index int32) (Placement, bool) {
	i, ok := p.byIndex[index]
	if !ok {
		return Placement{}, false
	}
	return p.Placements[i], true
}

// FileSize is the total length of the planned archive.
func (p *Plan) FileSize() uint32 {
	return rifx.FileHeaderSize + p.HeaderSize
}

// Planner runs layout passes.
type Planner struct {
	registry *serializer.Registry
	logger   *slog.Logger
}

// New returns a planner sizing resources through registry.
func New(registry *serializer.Registry, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{registry: registry, logger: logger}
}

// Plan sizes and places every resource of cat. dirty names the resources
// whose content changed; src is the archive unchanged resources are copied
// from. Any sizing failure aborts the whole plan.
func (p *Planner) Plan(cat *catalog.Catalog, src io.ReaderAt, dirty *serializer.DirtySet) (*Plan, error) {
	resources := cat.Resources()

	prefix, err := directoryResources(resources)
	if err != nil {
		return nil, err
	}

	env := &serializer.Env{
		Catalog: cat,
		Source:  src,
		Dirty:   propagateDirty(resources, dirty),
	}

	plan := &Plan{
		EntryCount:      cat.MapEntries(),
		UsedCount:       len(resources),
		MemoryMapOffset: rifx.MemoryMapOffset,
		Env:             env,
		byIndex:         make(map[int32]int, len(resources)),
	}

	if prefix.header != nil {
		plan.place(Placement{Index: prefix.header.Index, Tag: prefix.header.Tag, Kind: rifx.KindHeader})
	}
	plan.place(Placement{
		Index:  prefix.imap.Index,
		Tag:    prefix.imap.Tag,
		Kind:   rifx.KindIndexMap,
		Size:   rifx.IndexMapPayloadSize,
		Offset: rifx.IndexMapOffset,
	})
	plan.place(Placement{
		Index:  prefix.mmap.Index,
		Tag:    prefix.mmap.Tag,
		Kind:   rifx.KindMemoryMap,
		Size:   rifx.MemoryMapSize(plan.EntryCount),
		Offset: rifx.MemoryMapOffset,
	})

	cursor := uint64(rifx.MemoryMapOffset) + uint64(rifx.Span(rifx.MemoryMapSize(plan.EntryCount)))

	ranked := slices.DeleteFunc(slices.Clone(resources), func(r *catalog.Resource) bool {
		return r.Kind.Rank() < 0
	})
	slices.SortStableFunc(ranked, func(a, b *catalog.Resource) int {
		return a.Kind.Rank() - b.Kind.Rank()
	})

	for _, r := range ranked {
		s, err := p.registry.For(r)
		if err != nil {
			return nil, err
		}
		size, err := s.Size(env, r)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s: %w", r.Ref(), err)
		}
		if cursor+uint64(rifx.Span(size)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s at offset %d", ErrTooLarge, r.Ref(), cursor)
		}

		plan.place(Placement{
			Index:  r.Index,
			Tag:    r.Tag,
			Kind:   r.Kind,
			Size:   size,
			Offset: uint32(cursor),
		})
		p.logger.Debug("planned resource",
			"index", r.Index,
			"tag", r.Tag.String(),
			"kind", r.Kind.String(),
			"size", size,
			"offset", cursor,
			"dirty", env.Dirty.Has(r.Index),
		)
		cursor += uint64(rifx.Span(size))
	}

	var headerSize uint64
	for _, pl := range plan.Placements {
		if pl.Kind != rifx.KindHeader {
			headerSize += uint64(rifx.Span(pl.Size))
		}
	}
	if rifx.FileHeaderSize+headerSize > math.MaxUint32 {
		return nil, ErrTooLarge
	}
	plan.HeaderSize = uint32(headerSize)
	if prefix.header != nil {
		plan.Placements[plan.byIndex[prefix.header.Index]].Size = plan.HeaderSize
	}

	p.logger.Info("planned archive layout",
		"entries", plan.EntryCount,
		"file_size", plan.FileSize(),
		"dirty", dirtySummary(env.Dirty),
	)

	return plan, nil
}

func (p *Plan) place(pl Placement) {
	p.byIndex[pl.Index] = len(p.Placements)
	p.Placements = append(p.Placements, pl)
}

type directory struct {
	header, imap, mmap *catalog.Resource
}

// directoryResources locates the fixed-prefix resources. imap and mmap are
// mandatory; the header entry is optional.
func directoryResources(resources []*catalog.Resource) (directory, error) {
	var d directory
	for _, r := range resources {
		var slot **catalog.Resource
		switch r.Kind {
		case rifx.KindHeader:
			slot = &d.header
		case rifx.KindIndexMap:
			slot = &d.imap
		case rifx.KindMemoryMap:
			slot = &d.mmap
		default:
			continue
		}
		if *slot != nil {
			return d, fmt.Errorf("duplicate %s resource at #%d and #%d", r.Tag, (*slot).Index, r.Index)
		}
		*slot = r
	}
	if d.imap == nil {
		return d, fmt.Errorf("%w: %s", ErrMissingDirectory, rifx.TagIndexMap)
	}
	if d.mmap == nil {
		return d, fmt.Errorf("%w: %s", ErrMissingDirectory, rifx.TagMemoryMap)
	}
	return d, nil
}

// propagateDirty extends dirty with the children of every dirty cast
// member, since a changed member may re-encode the payloads it owns. When
// the cast changed, freed slots included, the configuration blocks are
// dirty too so their cast bounds are refreshed.
func propagateDirty(resources []*catalog.Resource, dirty *serializer.DirtySet) *serializer.DirtySet {
	if dirty.All() {
		return dirty
	}
	var extra []int32
	castChanged := false
	for _, r := range resources {
		if !dirty.Has(r.Index) {
			continue
		}
		switch r.Kind {
		case rifx.KindCastMember:
			castChanged = true
			for _, ch := range r.Children {
				extra = append(extra, ch.Index)
			}
		case rifx.KindCastIndex, rifx.KindFree:
			castChanged = true
		}
	}
	if castChanged {
		for _, r := range resources {
			if r.Kind == rifx.KindConfig {
				extra = append(extra, r.Index)
			}
		}
	}
	return dirty.With(extra...)
}

func dirtySummary(d *serializer.DirtySet) any {
	if d.All() {
		return "all"
	}
	return d.Len()
}
