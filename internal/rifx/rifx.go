package rifx

import (
	"fmt"
	"io"
)

// FileHeader is the 12-byte container prefix.
type FileHeader struct {
	Meta   Tag    // RIFX or XFIR
	Size   uint32 // bytes after the 8-byte meta+size prefix
	Format Tag    // sub-format, e.g. MV93
}

func (h FileHeader) Write(w io.Writer) error {
	fw := NewFieldWriter(w)
	fw.Tag(h.Meta)
	fw.U32LE(h.Size)
	fw.Tag(h.Format)
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write file header: %w", err)
	}
	return nil
}

func ReadFileHeader(r io.Reader) (FileHeader, error) {
	fr := NewFieldReader(r)
	h := FileHeader{Meta: fr.Tag(), Size: fr.U32LE(), Format: fr.Tag()}
	if err := fr.Err(); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if !IsMetaTag(h.Meta) {
		return h, fmt.Errorf("invalid container magic: expected %q or %q, got %q", TagRIFX, TagXFIR, h.Meta)
	}
	return h, nil
}

// IndexMap is the payload of the imap resource.
type IndexMap struct {
	Version         uint32
	MemoryMapOffset uint32
	FormatVersion   uint32
}

func (m IndexMap) Write(w io.Writer) error {
	fw := NewFieldWriter(w)
	fw.U32LE(m.Version)
	fw.U32LE(m.MemoryMapOffset)
	fw.U32LE(m.FormatVersion)
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write imap: %w", err)
	}
	return nil
}

func ReadIndexMap(r io.Reader) (IndexMap, error) {
	fr := NewFieldReader(r)
	m := IndexMap{Version: fr.U32LE(), MemoryMapOffset: fr.U32LE(), FormatVersion: fr.U32LE()}
	if err := fr.Err(); err != nil {
		return m, fmt.Errorf("failed to read imap: %w", err)
	}
	return m, nil
}

// MemoryMapHeader is the fixed part of the mmap payload.
type MemoryMapHeader struct {
	HeaderSize  uint16
	EntrySize   uint16
	TotalCount  int32
	UsedCount   int32
	Reserved    [8]byte
	FirstFreeID int32
}

func (h MemoryMapHeader) Write(w io.Writer) error {
	fw := NewFieldWriter(w)
	fw.U16LE(h.HeaderSize)
	fw.U16LE(h.EntrySize)
	fw.I32LE(h.TotalCount)
	fw.I32LE(h.UsedCount)
	fw.Bytes(h.Reserved[:])
	fw.I32LE(h.FirstFreeID)
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write mmap header: %w", err)
	}
	return nil
}

func ReadMemoryMapHeader(r io.Reader) (MemoryMapHeader, error) {
	fr := NewFieldReader(r)
	var h MemoryMapHeader
	h.HeaderSize = fr.U16LE()
	h.EntrySize = fr.U16LE()
	h.TotalCount = fr.I32LE()
	h.UsedCount = fr.I32LE()
	fr.Bytes(h.Reserved[:])
	h.FirstFreeID = fr.I32LE()
	if err := fr.Err(); err != nil {
		return h, fmt.Errorf("failed to read mmap header: %w", err)
	}
	return h, nil
}

// MemoryMapEntry is one directory record of the mmap.
type MemoryMapEntry struct {
	Tag        Tag
	Size       uint32
	Offset     uint32
	Flags      uint16
	Unk1       uint16
	NextFreeID int32
}

func (e MemoryMapEntry) Write(w io.Writer) error {
	fw := NewFieldWriter(w)
	fw.Tag(e.Tag)
	fw.U32LE(e.Size)
	fw.U32LE(e.Offset)
	fw.U16LE(e.Flags)
	fw.U16LE(e.Unk1)
	fw.I32LE(e.NextFreeID)
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write mmap entry: %w", err)
	}
	return nil
}

func ReadMemoryMapEntry(r io.Reader) (MemoryMapEntry, error) {
	fr := NewFieldReader(r)
	e := MemoryMapEntry{
		Tag:        fr.Tag(),
		Size:       fr.U32LE(),
		Offset:     fr.U32LE(),
		Flags:      fr.U16LE(),
		Unk1:       fr.U16LE(),
		NextFreeID: fr.I32LE(),
	}
	if err := fr.Err(); err != nil {
		return e, fmt.Errorf("failed to read mmap entry: %w", err)
	}
	return e, nil
}
