package parser

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
)

// RifxReader reads the directory of a container file.
type RifxReader struct {
	file   io.ReaderAt
	size   int64
	logger *slog.Logger
	header *rifx.FileHeader
}

// NewRifxReader returns a reader over the size bytes of file.
func NewRifxReader(file io.ReaderAt, size int64, logger *slog.Logger) *RifxReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RifxReader{file: file, size: size, logger: logger}
}

func (r *RifxReader) section(offset, length int64) *io.SectionReader {
	return io.NewSectionReader(r.file, offset, length)
}

// checkSpan fails unless [offset, offset+length) lies inside the file.
func (r *RifxReader) checkSpan(what string, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > r.size {
		return fmt.Errorf("%s at %d (%d bytes) lies outside the %d-byte file", what, offset, length, r.size)
	}
	return nil
}

// ReadHeader reads and validates the 12-byte container header.
func (r *RifxReader) ReadHeader() (*rifx.FileHeader, error) {
	if err := r.checkSpan("file header", 0, rifx.FileHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}
	h, err := rifx.ReadFileHeader(r.section(0, rifx.FileHeaderSize))
	if err != nil {
		return nil, err
	}
	if int64(h.Size)+8 > r.size {
		return nil, fmt.Errorf("truncated container: header declares %d bytes, file has %d", int64(h.Size)+8, r.size)
	}
	if rifx.IsAfterBurner(h.Format) {
		return nil, fmt.Errorf("after-burner container %s is not supported", h.Format)
	}

	r.logger.Info("header is valid",
		"meta", h.Meta.String(),
		"size", h.Size,
		"format", h.Format.String(),
	)

	r.header = &h
	return &h, nil
}

// readResourceHeader reads the tag+size prefix at offset and checks that
// the tag is want and the payload fits in the file.
func (r *RifxReader) readResourceHeader(offset int64, want rifx.Tag) (uint32, error) {
	if err := r.checkSpan(want.String(), offset, rifx.ResourceHeaderSize); err != nil {
		return 0, err
	}
	tag, size, err := rifx.ReadResourceHeader(r.section(offset, rifx.ResourceHeaderSize))
	if err != nil {
		return 0, err
	}
	if tag != want {
		return 0, fmt.Errorf("expected %s at %d, found %s", want, offset, tag)
	}
	if err := r.checkSpan(want.String(), offset+rifx.ResourceHeaderSize, int64(size)); err != nil {
		return 0, err
	}
	return size, nil
}

// ReadIndexMap reads the imap following the file header.
func (r *RifxReader) ReadIndexMap() (*rifx.IndexMap, error) {
	size, err := r.readResourceHeader(rifx.IndexMapOffset, rifx.TagIndexMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read imap: %w", err)
	}
	if size < rifx.IndexMapPayloadSize {
		return nil, fmt.Errorf("imap payload of %d bytes is too short", size)
	}
	m, err := rifx.ReadIndexMap(r.section(rifx.IndexMapOffset+rifx.ResourceHeaderSize, int64(size)))
	if err != nil {
		return nil, err
	}

	r.logger.Debug("read imap",
		"version", m.Version,
		"mmap_offset", m.MemoryMapOffset,
		"format_version", m.FormatVersion,
	)
	return &m, nil
}

// ReadMemoryMap reads the mmap at offset and returns its header and the
// used entries.
func (r *RifxReader) ReadMemoryMap(offset uint32) (*rifx.MemoryMapHeader, []rifx.MemoryMapEntry, error) {
	size, err := r.readResourceHeader(int64(offset), rifx.TagMemoryMap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read mmap: %w", err)
	}
	body := r.section(int64(offset)+rifx.ResourceHeaderSize, int64(size))

	h, err := rifx.ReadMemoryMapHeader(body)
	if err != nil {
		return nil, nil, err
	}
	if h.HeaderSize < rifx.MemoryMapHeaderSize || h.EntrySize < rifx.MemoryMapEntrySize {
		return nil, nil, fmt.Errorf("invalid mmap geometry: header %d, entry %d", h.HeaderSize, h.EntrySize)
	}
	if h.UsedCount < 0 || h.TotalCount < h.UsedCount {
		return nil, nil, fmt.Errorf("invalid mmap counts: %d used of %d", h.UsedCount, h.TotalCount)
	}
	need := int64(h.HeaderSize) + int64(h.EntrySize)*int64(h.UsedCount)
	if need > int64(size) {
		return nil, nil, fmt.Errorf("mmap of %d bytes cannot hold %d entries", size, h.UsedCount)
	}

	entries := make([]rifx.MemoryMapEntry, 0, h.UsedCount)
	for i := int64(0); i < int64(h.UsedCount); i++ {
		at := int64(h.HeaderSize) + i*int64(h.EntrySize)
		e, err := rifx.ReadMemoryMapEntry(io.NewSectionReader(body, at, int64(h.EntrySize)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read mmap entry %d: %w", i, err)
		}
		entries = append(entries, e)

		r.logger.Debug("read mmap entry",
			"index", i,
			"tag", e.Tag.String(),
			"size", e.Size,
			"offset", e.Offset,
		)
	}

	r.logger.Info("read mmap",
		"used_count", h.UsedCount,
		"total_count", h.TotalCount,
	)
	return &h, entries, nil
}

// payload reads the whole payload of a catalog resource.
func (r *RifxReader) payload(res *catalog.Resource) ([]byte, error) {
	data := make([]byte, res.Size)
	if _, err := r.file.ReadAt(data, int64(res.Offset)+rifx.ResourceHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", res.Ref(), err)
	}
	return data, nil
}

// ReadKeyTable links parents to children from the KEY* resource. Entries
// whose parent is a library id rather than a resource name the library of
// a cast index and are applied to that resource instead.
func (r *RifxReader) ReadKeyTable(cat *catalog.Catalog, res *catalog.Resource) error {
	data, err := r.payload(res)
	if err != nil {
		return err
	}
	if len(data) < rifx.KeyTableHeaderSize {
		return fmt.Errorf("key table of %d bytes is too short", len(data))
	}

	entrySize := int(binary.LittleEndian.Uint16(data[0:]))
	usedCount := int(int32(binary.LittleEndian.Uint32(data[8:])))
	if entrySize < rifx.KeyTableEntrySize {
		return fmt.Errorf("invalid key table entry size %d", entrySize)
	}
	if usedCount < 0 || rifx.KeyTableHeaderSize+usedCount*entrySize > len(data) {
		return fmt.Errorf("key table of %d bytes cannot hold %d entries", len(data), usedCount)
	}

	for i := range usedCount {
		at := rifx.KeyTableHeaderSize + i*entrySize
		e := catalog.KeyEntry{
			Child:    int32(binary.BigEndian.Uint32(data[at:])),
			Parent:   int32(binary.BigEndian.Uint32(data[at+4:])),
			ChildTag: rifx.Tag(binary.BigEndian.Uint32(data[at+8:])),
		}

		if e.ChildTag == rifx.TagCastIndex && e.Parent >= rifx.FirstLibraryID {
			if cas, ok := cat.Find(rifx.TagCastIndex, e.Child); ok {
				cas.LibResourceID = e.Parent
			}
			continue
		}
		if err := cat.AddKeyEntry(e); err != nil {
			r.logger.Warn("skipping key table entry",
				"child", e.Child,
				"parent", e.Parent,
				"child_tag", e.ChildTag.String(),
				"error", err,
			)
		}
	}

	r.logger.Info("read key table", "entries", cat.Keys().Len())
	return nil
}

// castArrayStart returns the first cast id recorded in the configuration
// block, or 1 when there is none.
func (r *RifxReader) castArrayStart(cat *catalog.Catalog) int32 {
	cfg, ok := cat.FindFirst(rifx.TagConfig)
	if !ok {
		cfg, ok = cat.FindFirst(rifx.TagConfigD6)
	}
	if !ok || cfg.Size < 16 {
		return 1
	}
	data, err := r.payload(cfg)
	if err != nil {
		return 1
	}
	return int32(binary.BigEndian.Uint16(data[12:]))
}

// ReadCastIndexes assigns library and cast ids to the members listed by
// every CAS* resource. A zero slot is a hole; its cast id is skipped.
func (r *RifxReader) ReadCastIndexes(cat *catalog.Catalog) error {
	start := r.castArrayStart(cat)

	for n, cas := range cat.FindByTag(rifx.TagCastIndex) {
		if cas.LibResourceID == 0 {
			cas.LibResourceID = rifx.FirstLibraryID + int32(n)
		}
		data, err := r.payload(cas)
		if err != nil {
			return err
		}

		members := 0
		for i := 0; i+4 <= len(data); i += 4 {
			index := int32(binary.BigEndian.Uint32(data[i:]))
			if index == 0 {
				continue
			}
			member, ok := cat.Find(rifx.TagCastMember, index)
			if !ok {
				return fmt.Errorf("%s lists #%d which is not a cast member", cas.Ref(), index)
			}
			member.LibResourceID = cas.LibResourceID
			member.CastID = start + int32(i/4)
			members++
		}

		r.logger.Debug("read cast index",
			"index", cas.Index,
			"library", cas.LibResourceID,
			"members", members,
		)
	}
	return nil
}

// Load reads the directory, key table and cast indexes of a container and
// returns the populated catalog. Payloads are not decoded.
func Load(file io.ReaderAt, size int64, logger *slog.Logger) (*catalog.Catalog, error) {
	r := NewRifxReader(file, size, logger)

	h, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	imap, err := r.ReadIndexMap()
	if err != nil {
		return nil, err
	}
	mh, entries, err := r.ReadMemoryMap(imap.MemoryMapOffset)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(h.Meta, h.Format)
	cat.ImapVersion = imap.Version
	cat.FormatVersion = imap.FormatVersion
	cat.MapReserved = mh.Reserved
	cat.MapCapacity = int(mh.TotalCount)

	for i, e := range entries {
		kind := rifx.KindOf(e.Tag)
		if kind != rifx.KindFree && kind != rifx.KindHeader {
			if err := r.checkSpan(fmt.Sprintf("resource %d (%s)", i, e.Tag), int64(e.Offset), int64(rifx.Span(e.Size))); err != nil {
				return nil, err
			}
		}
		size := e.Size
		if kind == rifx.KindFree {
			size = 0
		}
		cat.Add(catalog.Resource{
			Tag:                e.Tag,
			Size:               size,
			Offset:             e.Offset,
			Flags:              e.Flags,
			Unk1:               e.Unk1,
			NextFreeResourceID: e.NextFreeID,
			CastID:             -1,
		})
	}

	if keys, ok := cat.FindFirst(rifx.TagKeyTable); ok {
		if err := r.ReadKeyTable(cat, keys); err != nil {
			return nil, err
		}
	}
	if err := r.ReadCastIndexes(cat); err != nil {
		return nil, err
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("inconsistent catalog: %w", err)
	}

	return cat, nil
}
