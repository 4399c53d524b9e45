package catalog

import (
	"slices"

	"github.com/ossyrian/rifxsave/internal/rifx"
)

// KeyEntry is one parent→child relationship of the key table.
type KeyEntry struct {
	Child    int32
	Parent   int32
	ChildTag rifx.Tag
}

// KeyTable indexes which parent resource owns which child resources.
// Entries keep insertion order, which is also their serialized order.
type KeyTable struct {
	EntrySize  uint16
	EntrySize2 uint16

	// EntryCount and UsedCount always equal the number of relationships.
	EntryCount int32
	UsedCount  int32

	entries []KeyEntry
	byTag   map[rifx.Tag]map[int32][]int32 // child tag -> parent -> children
	owner   map[rifx.Tag]map[int32]int32   // child tag -> child -> first parent
}

// NewKeyTable returns an empty key table.
func NewKeyTable() *KeyTable {
	return &KeyTable{
		EntrySize:  rifx.KeyTableEntrySize,
		EntrySize2: rifx.KeyTableEntrySize,
		byTag:      make(map[rifx.Tag]map[int32][]int32),
		owner:      make(map[rifx.Tag]map[int32]int32),
	}
}

// Len returns the number of relationships.
func (kt *KeyTable) Len() int { return len(kt.entries) }

// Entries returns a copy of the relationships in serialized order.
func (kt *KeyTable) Entries() []KeyEntry {
	return slices.Clone(kt.entries)
}

// SerializedSize is the payload size of the KEY* resource.
func (kt *KeyTable) SerializedSize() uint32 {
	return rifx.KeyTableSize(len(kt.entries))
}

// Children returns the child indices of the given tag owned by parent.
func (kt *KeyTable) Children(childTag rifx.Tag, parent int32) []int32 {
	return slices.Clone(kt.byTag[childTag][parent])
}

// Parent returns the owner of (childTag, child).
func (kt *KeyTable) Parent(childTag rifx.Tag, child int32) (int32, bool) {
	parent, ok := kt.owner[childTag][child]
	return parent, ok
}

// setOwner records parent for e's child unless an earlier entry owns it.
func (kt *KeyTable) setOwner(e KeyEntry) {
	children, ok := kt.owner[e.ChildTag]
	if !ok {
		children = make(map[int32]int32)
		kt.owner[e.ChildTag] = children
	}
	if _, taken := children[e.Child]; !taken {
		children[e.Child] = e.Parent
	}
}

// reindexOwners rebuilds the owner index after entries were removed.
func (kt *KeyTable) reindexOwners() {
	clear(kt.owner)
	for _, e := range kt.entries {
		kt.setOwner(e)
	}
}

func (kt *KeyTable) add(e KeyEntry) {
	kt.entries = append(kt.entries, e)
	parents, ok := kt.byTag[e.ChildTag]
	if !ok {
		parents = make(map[int32][]int32)
		kt.byTag[e.ChildTag] = parents
	}
	parents[e.Parent] = append(parents[e.Parent], e.Child)
	kt.setOwner(e)
	kt.EntryCount++
	kt.UsedCount++
}

// removeParent drops every relationship owned by parent and returns how
// many were removed.
func (kt *KeyTable) removeParent(parent int32) int {
	before := len(kt.entries)
	kt.entries = slices.DeleteFunc(kt.entries, func(e KeyEntry) bool {
		return e.Parent == parent
	})
	removed := before - len(kt.entries)
	for tag, parents := range kt.byTag {
		delete(parents, parent)
		if len(parents) == 0 {
			delete(kt.byTag, tag)
		}
	}
	if removed > 0 {
		kt.reindexOwners()
	}
	kt.EntryCount -= int32(removed)
	kt.UsedCount -= int32(removed)
	return removed
}

// removeChild drops the relationship owning (childTag, child), if any.
func (kt *KeyTable) removeChild(childTag rifx.Tag, child int32) (parent int32, ok bool) {
	i := slices.IndexFunc(kt.entries, func(e KeyEntry) bool {
		return e.ChildTag == childTag && e.Child == child
	})
	if i < 0 {
		return 0, false
	}
	parent = kt.entries[i].Parent
	kt.entries = slices.Delete(kt.entries, i, i+1)

	parents := kt.byTag[childTag]
	parents[parent] = slices.DeleteFunc(parents[parent], func(c int32) bool { return c == child })
	if len(parents[parent]) == 0 {
		delete(parents, parent)
	}
	if len(parents) == 0 {
		delete(kt.byTag, childTag)
	}
	kt.reindexOwners()
	kt.EntryCount--
	kt.UsedCount--
	return parent, true
}
