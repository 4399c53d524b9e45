package serializer

import (
	"fmt"
	"io"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
)

// KeyTable encodes the catalog's parent/child index. Its content is always
// derived from the catalog, never copied.
type KeyTable struct{}

func (KeyTable) Size(env *Env, _ *catalog.Resource) (uint32, error) {
	return env.Catalog.Keys().SerializedSize(), nil
}

func (KeyTable) Write(env *Env, _ *catalog.Resource, w io.Writer) error {
	kt := env.Catalog.Keys()
	fw := rifx.NewFieldWriter(w)
	fw.U16LE(kt.EntrySize)
	fw.U16LE(kt.EntrySize2)
	fw.I32LE(kt.EntryCount)
	fw.I32LE(kt.UsedCount)
	for _, e := range kt.Entries() {
		fw.I32BE(e.Child)
		fw.I32BE(e.Parent)
		fw.Tag(e.ChildTag)
	}
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write key table: %w", err)
	}
	return nil
}

// CastIndex lists the catalog index of every populated cast member of the
// resource's library, in ascending cast id order. Holes are skipped.
type CastIndex struct{}

func (CastIndex) Size(env *Env, r *catalog.Resource) (uint32, error) {
	return uint32(4 * len(env.Catalog.CastMembers(r.LibResourceID))), nil
}

func (CastIndex) Write(env *Env, r *catalog.Resource, w io.Writer) error {
	fw := rifx.NewFieldWriter(w)
	for _, m := range env.Catalog.CastMembers(r.LibResourceID) {
		fw.I32BE(m.Index)
	}
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write cast index %s: %w", r.Ref(), err)
	}
	return nil
}

// CastMemberRecord re-encodes edited cast members and copies the rest.
type CastMemberRecord struct{}

func (CastMemberRecord) Size(env *Env, r *catalog.Resource) (uint32, error) {
	return sizeOf(env, r, ownContent(r))
}

func (CastMemberRecord) Write(env *Env, r *catalog.Resource, w io.Writer) error {
	return writeOf(env, r, ownContent(r), w)
}

// ConfigBlock copies the configuration block, refreshing its cast-array
// bounds when the block or the cast changed.
type ConfigBlock struct{}

func (c ConfigBlock) bytes(env *Env, r *catalog.Resource) ([]byte, bool, error) {
	var raw []byte
	switch content := r.Content.(type) {
	case *Config:
		raw = content.Raw
	case Raw:
		return content, true, nil
	case nil:
		if !env.Dirty.Has(r.Index) {
			return nil, false, nil
		}
		data, err := readSource(env, r)
		if err != nil {
			return nil, false, err
		}
		raw = data
	default:
		return nil, false, fmt.Errorf("%w: %s holds %T", ErrContentType, r.Ref(), r.Content)
	}

	members := env.Catalog.CastMembers(rifx.FirstLibraryID)
	if len(members) == 0 {
		return raw, true, nil
	}
	return patchCastBounds(raw, members[0].CastID, members[len(members)-1].CastID), true, nil
}

func (c ConfigBlock) Size(env *Env, r *catalog.Resource) (uint32, error) {
	data, ok, err := c.bytes(env, r)
	if err != nil {
		return 0, err
	}
	if !ok {
		return r.Size, nil
	}
	return uint32(len(data)), nil
}

func (c ConfigBlock) Write(env *Env, r *catalog.Resource, w io.Writer) error {
	data, ok, err := c.bytes(env, r)
	if err != nil {
		return err
	}
	if !ok {
		return copySource(env, r, w)
	}
	_, err = w.Write(data)
	return err
}

// MemberPayload handles bitmaps, palettes, text blocks and film loops. A
// payload is taken from the resource itself, or, when the resource is
// dirty, from the cast member owning it.
type MemberPayload struct{}

func (MemberPayload) resolve(env *Env, r *catalog.Resource) (Encoder, error) {
	if r.Content != nil {
		return ownContent(r), nil
	}
	if !env.Dirty.Has(r.Index) {
		return nil, nil
	}

	parentIndex, err := env.Catalog.FindParent(r.Tag, r.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owner of %s: %w", r.Ref(), err)
	}
	parent, ok := env.Catalog.Get(parentIndex)
	if !ok {
		return nil, fmt.Errorf("%w: owner #%d of %s", catalog.ErrNotFound, parentIndex, r.Ref())
	}
	member, ok := parent.Content.(*CastMember)
	if !ok {
		return nil, nil
	}
	return member.payload(r.Kind), nil
}

func (p MemberPayload) Size(env *Env, r *catalog.Resource) (uint32, error) {
	enc, err := p.resolve(env, r)
	if err != nil {
		return 0, err
	}
	return sizeOf(env, r, enc)
}

func (p MemberPayload) Write(env *Env, r *catalog.Resource, w io.Writer) error {
	enc, err := p.resolve(env, r)
	if err != nil {
		return err
	}
	return writeOf(env, r, enc, w)
}

// Verbatim relocates resources the rebuilder does not interpret.
type Verbatim struct{}

func (Verbatim) Size(env *Env, r *catalog.Resource) (uint32, error) {
	return sizeOf(env, r, ownContent(r))
}

func (Verbatim) Write(env *Env, r *catalog.Resource, w io.Writer) error {
	return writeOf(env, r, ownContent(r), w)
}

// Free is an empty placeholder slot; it only costs its 8-byte header.
type Free struct{}

func (Free) Size(*Env, *catalog.Resource) (uint32, error)   { return 0, nil }
func (Free) Write(*Env, *catalog.Resource, io.Writer) error { return nil }

// ownContent returns r's content as an Encoder, or a failing encoder when
// the content cannot encode itself.
func ownContent(r *catalog.Resource) Encoder {
	switch c := r.Content.(type) {
	case nil:
		return nil
	case Encoder:
		return c
	default:
		return contentMismatch{r: r}
	}
}

type contentMismatch struct{ r *catalog.Resource }

func (m contentMismatch) err() error {
	return fmt.Errorf("%w: %s holds %T", ErrContentType, m.r.Ref(), m.r.Content)
}

func (m contentMismatch) EncodedSize() (uint32, error) { return 0, m.err() }
func (m contentMismatch) Encode(io.Writer) error       { return m.err() }

// sizeOf returns the size of enc, or of the source bytes when enc is nil.
func sizeOf(_ *Env, r *catalog.Resource, enc Encoder) (uint32, error) {
	if enc == nil {
		return r.Size, nil
	}
	size, err := enc.EncodedSize()
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", r.Ref(), err)
	}
	return size, nil
}

// writeOf encodes enc, or copies the source bytes when enc is nil.
func writeOf(env *Env, r *catalog.Resource, enc Encoder, w io.Writer) error {
	if enc == nil {
		return copySource(env, r, w)
	}
	if err := enc.Encode(w); err != nil {
		return fmt.Errorf("failed to encode %s: %w", r.Ref(), err)
	}
	return nil
}

func sourceSection(env *Env, r *catalog.Resource) (*io.SectionReader, error) {
	if env.Source == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, r.Ref())
	}
	return io.NewSectionReader(env.Source, int64(r.Offset)+rifx.ResourceHeaderSize, int64(r.Size)), nil
}

func readSource(env *Env, r *catalog.Resource) ([]byte, error) {
	if r.Size == 0 {
		return nil, nil
	}
	sec, err := sourceSection(env, r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, r.Size)
	if _, err := io.ReadFull(sec, data); err != nil {
		return nil, fmt.Errorf("failed to read %s from source: %w", r.Ref(), err)
	}
	return data, nil
}

// copySource streams r's original payload to w.
func copySource(env *Env, r *catalog.Resource, w io.Writer) error {
	if r.Size == 0 {
		return nil
	}
	sec, err := sourceSection(env, r)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, sec)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", r.Ref(), err)
	}
	if n != int64(r.Size) {
		return fmt.Errorf("failed to copy %s: source ended after %d of %d bytes", r.Ref(), n, r.Size)
	}
	return nil
}
