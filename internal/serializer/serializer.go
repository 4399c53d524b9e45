// Package serializer knows how to size and encode every resource kind of a
// container. Serializers are looked up through an explicit Registry keyed by
// the Kind cached on each catalog entry.
package serializer

import (
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
)

var (
	// ErrNoSource is returned when an unchanged resource must be copied but
	// no source archive is available.
	ErrNoSource = errors.New("no source archive to copy unchanged resource from")

	// ErrNoSerializer is returned for kinds without a registered serializer.
	ErrNoSerializer = errors.New("no serializer registered for resource kind")

	// ErrContentType is returned when a resource carries content of the
	// wrong type for its kind.
	ErrContentType = errors.New("resource content does not match its kind")
)

// Serializer sizes and encodes resources of one kind.
type Serializer interface {
	// Size returns the payload size of r, excluding its tag+size header.
	Size(env *Env, r *catalog.Resource) (uint32, error)

	// Write emits exactly Size bytes of payload for r.
	Write(env *Env, r *catalog.Resource, w io.Writer) error
}

// Encoder is implemented by decoded payload models that can re-encode
// themselves.
type Encoder interface {
	EncodedSize() (uint32, error)
	Encode(w io.Writer) error
}

// Env is what serializers may consult besides the resource itself.
type Env struct {
	Catalog *catalog.Catalog
	Source  io.ReaderAt // original archive, nil for a catalog built from scratch
	Dirty   *DirtySet
}

// DirtySet records which catalog entries changed since the last write.
type DirtySet struct {
	all     bool
	indices map[int32]struct{}
}

// AllDirty marks every resource as changed, for a full rebuild.
func AllDirty() *DirtySet {
	return &DirtySet{all: true}
}

// DirtyOf marks the given indices as changed.
func DirtyOf(indices ...int32) *DirtySet {
	d := &DirtySet{indices: make(map[int32]struct{}, len(indices))}
	for _, i := range indices {
		d.indices[i] = struct{}{}
	}
	return d
}

// Has reports whether index is dirty. A nil set is empty.
func (d *DirtySet) Has(index int32) bool {
	if d == nil {
		return false
	}
	if d.all {
		return true
	}
	_, ok := d.indices[index]
	return ok
}

// All reports whether every resource is dirty.
func (d *DirtySet) All() bool { return d != nil && d.all }

// Len returns the number of explicitly dirty indices.
func (d *DirtySet) Len() int {
	if d == nil {
		return 0
	}
	return len(d.indices)
}

// With returns a copy of d that also contains indices.
func (d *DirtySet) With(indices ...int32) *DirtySet {
	if d.All() {
		return AllDirty()
	}
	out := DirtyOf(indices...)
	if d != nil {
		maps.Copy(out.indices, d.indices)
	}
	return out
}

// Registry maps each resource kind to its serializer.
type Registry struct {
	byKind map[rifx.Kind]Serializer
}

// NewRegistry returns a registry holding the serializers for every payload
// kind the rebuilder handles. The directory kinds (header, imap, mmap) are
// written by the archive writer itself and are not registered.
func NewRegistry() *Registry {
	reg := &Registry{byKind: make(map[rifx.Kind]Serializer)}
	reg.Register(rifx.KindKeyTable, KeyTable{})
	reg.Register(rifx.KindCastIndex, CastIndex{})
	reg.Register(rifx.KindCastMember, CastMemberRecord{})
	reg.Register(rifx.KindConfig, ConfigBlock{})
	for _, kind := range []rifx.Kind{rifx.KindBitmap, rifx.KindPalette, rifx.KindText, rifx.KindFilmLoop} {
		reg.Register(kind, MemberPayload{})
	}
	reg.Register(rifx.KindVerbatim, Verbatim{})
	reg.Register(rifx.KindFree, Free{})
	return reg
}

// Register installs s for kind, replacing any previous serializer.
func (reg *Registry) Register(kind rifx.Kind, s Serializer) {
	reg.byKind[kind] = s
}

// For returns the serializer for r's kind.
func (reg *Registry) For(r *catalog.Resource) (Serializer, error) {
	s, ok := reg.byKind[r.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoSerializer, r.Kind, r.Ref())
	}
	return s, nil
}
