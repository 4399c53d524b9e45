package catalog

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/ossyrian/rifxsave/internal/rifx"
)

// Ref points at another resource by tag and catalog index.
type Ref struct {
	Tag   rifx.Tag `toml:"tag" json:"tag"`
	Index int32    `toml:"index" json:"index"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Tag, r.Index)
}

// Resource is one directory entry of a container.
type Resource struct {
	Tag   rifx.Tag
	Index int32

	// Size and Offset describe the resource in the source archive. Size
	// excludes the 8-byte tag+size header; Offset points at that header.
	Size   uint32
	Offset uint32

	// round-tripped, not interpreted
	Flags              uint16
	Unk1               uint16
	NextFreeResourceID int32

	LibResourceID int32
	CastID        int32 // -1 unless the resource is a cast member

	Children []Ref

	// Kind is derived from Tag when the resource enters a catalog.
	Kind rifx.Kind

	// Content is the decoded, edited payload. Nil means the bytes are
	// unchanged and can be copied from the source archive.
	Content any
}

// Ref returns the resource's own reference.
func (r *Resource) Ref() Ref {
	return Ref{Tag: r.Tag, Index: r.Index}
}

// Catalog is the in-memory table of every resource in a container, plus
// the key table tying parents to children.
type Catalog struct {
	MetaTag       rifx.Tag
	FormatTag     rifx.Tag
	ImapVersion   uint32
	FormatVersion uint32
	MapReserved   [8]byte

	// MapCapacity is the number of memory-map slots reserved by the source
	// archive. Slots beyond Len are written as empty entries.
	MapCapacity int

	resources []*Resource
	keys      *KeyTable
}

// New returns an empty catalog for the given container markers.
func New(meta, format rifx.Tag) *Catalog {
	return &Catalog{
		MetaTag:     meta,
		FormatTag:   format,
		ImapVersion: 1,
		keys:        NewKeyTable(),
	}
}

// Keys returns the catalog's key table.
func (c *Catalog) Keys() *KeyTable { return c.keys }

// Len returns the number of catalog entries, free slots included.
func (c *Catalog) Len() int { return len(c.resources) }

// MapEntries returns how many memory-map entries the catalog needs.
func (c *Catalog) MapEntries() int {
	return max(len(c.resources), c.MapCapacity)
}

// Resources returns the entries in catalog order.
func (c *Catalog) Resources() []*Resource {
	return slices.Clone(c.resources)
}

// Add appends r at the next catalog index and returns the stored entry.
// Loaders use Add to rebuild a catalog in directory order.
func (c *Catalog) Add(r Resource) *Resource {
	r.Index = int32(len(c.resources))
	r.Kind = rifx.KindOf(r.Tag)
	r.Children = nil
	res := &r
	c.resources = append(c.resources, res)
	return res
}

// AllocateNewEntry appends an empty resource of the given tag and returns
// its index. Indices are never handed out twice.
func (c *Catalog) AllocateNewEntry(tag rifx.Tag) int32 {
	res := c.Add(Resource{
		Tag:                tag,
		CastID:             -1,
		NextFreeResourceID: rifx.NoFreeID,
	})
	return res.Index
}

// Get returns the resource at index.
func (c *Catalog) Get(index int32) (*Resource, bool) {
	if index < 0 || int(index) >= len(c.resources) {
		return nil, false
	}
	return c.resources[index], true
}

// Find returns the resource at index if it carries tag.
func (c *Catalog) Find(tag rifx.Tag, index int32) (*Resource, bool) {
	res, ok := c.Get(index)
	if !ok || res.Tag != tag {
		return nil, false
	}
	return res, true
}

// FindByTag returns every resource with tag, in catalog order.
func (c *Catalog) FindByTag(tag rifx.Tag) []*Resource {
	return lo.Filter(c.resources, func(r *Resource, _ int) bool { return r.Tag == tag })
}

// FindFirst returns the first resource with tag.
func (c *Catalog) FindFirst(tag rifx.Tag) (*Resource, bool) {
	return lo.Find(c.resources, func(r *Resource) bool { return r.Tag == tag })
}

// FindByCastID returns the cast member of library lib with the given cast id.
func (c *Catalog) FindByCastID(lib, castID int32) (*Resource, bool) {
	return lo.Find(c.resources, func(r *Resource) bool {
		return r.Kind == rifx.KindCastMember && r.LibResourceID == lib && r.CastID == castID
	})
}

// CastMembers returns the populated cast members of library lib ordered by
// ascending cast id.
func (c *Catalog) CastMembers(lib int32) []*Resource {
	members := lo.Filter(c.resources, func(r *Resource, _ int) bool {
		return r.Kind == rifx.KindCastMember && r.LibResourceID == lib && r.CastID >= 0
	})
	slices.SortStableFunc(members, func(a, b *Resource) int {
		return int(a.CastID) - int(b.CastID)
	})
	return members
}

// FindParent returns the index of the resource owning (tag, child). A
// missing owner is an integrity failure and returns ErrNoParent.
func (c *Catalog) FindParent(tag rifx.Tag, child int32) (int32, error) {
	parent, ok := c.keys.Parent(tag, child)
	if !ok {
		return 0, fmt.Errorf("%w: %s#%d", ErrNoParent, tag, child)
	}
	return parent, nil
}

// AddKeyEntry records one relationship and mirrors it into the parent's
// Children list.
func (c *Catalog) AddKeyEntry(e KeyEntry) error {
	parent, ok := c.Get(e.Parent)
	if !ok {
		return fmt.Errorf("%w: parent #%d", ErrNotFound, e.Parent)
	}
	if _, ok := c.Find(e.ChildTag, e.Child); !ok {
		return fmt.Errorf("%w: child %s#%d of #%d", ErrNotFound, e.ChildTag, e.Child, e.Parent)
	}
	c.keys.add(e)
	parent.Children = append(parent.Children, Ref{Tag: e.ChildTag, Index: e.Child})
	return nil
}

// RegisterChildren appends one key-table entry per child of the parent.
// Every reference is checked before anything is recorded.
func (c *Catalog) RegisterChildren(parentTag rifx.Tag, parentIndex int32, children []Ref) error {
	if _, ok := c.Find(parentTag, parentIndex); !ok {
		return fmt.Errorf("%w: parent %s#%d", ErrNotFound, parentTag, parentIndex)
	}
	for _, ch := range children {
		if _, ok := c.Find(ch.Tag, ch.Index); !ok {
			return fmt.Errorf("%w: child %s of %s#%d", ErrNotFound, ch, parentTag, parentIndex)
		}
	}
	for _, ch := range children {
		if err := c.AddKeyEntry(KeyEntry{Child: ch.Index, Parent: parentIndex, ChildTag: ch.Tag}); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterChildren removes every key-table entry owned by the parent and
// returns how many were removed.
func (c *Catalog) UnregisterChildren(parentTag rifx.Tag, parentIndex int32) (int, error) {
	parent, ok := c.Find(parentTag, parentIndex)
	if !ok {
		return 0, fmt.Errorf("%w: parent %s#%d", ErrNotFound, parentTag, parentIndex)
	}
	removed := c.keys.removeParent(parentIndex)
	parent.Children = nil
	return removed, nil
}

// ReplaceChildren swaps a parent's child set for children.
func (c *Catalog) ReplaceChildren(parentTag rifx.Tag, parentIndex int32, children []Ref) error {
	for _, ch := range children {
		if _, ok := c.Find(ch.Tag, ch.Index); !ok {
			return fmt.Errorf("%w: child %s of %s#%d", ErrNotFound, ch, parentTag, parentIndex)
		}
	}
	if _, err := c.UnregisterChildren(parentTag, parentIndex); err != nil {
		return err
	}
	return c.RegisterChildren(parentTag, parentIndex, children)
}

// SetContent attaches an edited payload to the resource at index.
func (c *Catalog) SetContent(index int32, content any) error {
	res, ok := c.Get(index)
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNotFound, index)
	}
	res.Content = content
	return nil
}

// Free turns the entry at index into an empty placeholder. It is detached
// from its parent and its children are released; released bitmaps,
// palettes, texts and film loops that no other resource owns are freed as
// well. The slot itself stays.
func (c *Catalog) Free(index int32) error {
	res, ok := c.Get(index)
	if !ok {
		return fmt.Errorf("%w: #%d", ErrNotFound, index)
	}
	if res.Kind == rifx.KindHeader || res.Kind == rifx.KindIndexMap || res.Kind == rifx.KindMemoryMap {
		return fmt.Errorf("cannot free directory resource %s", res.Ref())
	}

	owned := lo.Filter(res.Children, func(ch Ref, _ int) bool {
		return rifx.KindOf(ch.Tag).MemberOwned()
	})
	c.keys.removeParent(index)
	res.Children = nil
	if parentIndex, ok := c.keys.removeChild(res.Tag, index); ok {
		if parent, ok := c.Get(parentIndex); ok {
			self := res.Ref()
			parent.Children = slices.DeleteFunc(parent.Children, func(r Ref) bool { return r == self })
		}
	}

	res.Tag = rifx.TagFree
	res.Kind = rifx.KindFree
	res.Size = 0
	res.Content = nil
	res.CastID = -1

	for _, ch := range owned {
		if _, stillOwned := c.keys.Parent(ch.Tag, ch.Index); stillOwned {
			continue
		}
		if err := c.Free(ch.Index); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the key table and the resources' child lists
// describe the same relationships.
func (c *Catalog) Validate() error {
	total := 0
	for _, res := range c.resources {
		total += len(res.Children)
		for _, ch := range res.Children {
			parent, ok := c.keys.Parent(ch.Tag, ch.Index)
			if !ok || parent != res.Index {
				return fmt.Errorf("%w: %s listed as child of %s", ErrNoParent, ch, res.Ref())
			}
		}
	}
	if total != c.keys.Len() {
		return fmt.Errorf("key table holds %d entries but resources list %d children", c.keys.Len(), total)
	}
	if int(c.keys.EntryCount) != total || int(c.keys.UsedCount) != total {
		return fmt.Errorf("key table counters %d/%d do not match %d relationships",
			c.keys.EntryCount, c.keys.UsedCount, total)
	}
	return nil
}
