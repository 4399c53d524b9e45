package rifx

import "fmt"

// Tag is a four-character resource type code. Tags are stored big-endian,
// i.e. the four ASCII bytes appear in reading order in the file.
type Tag uint32

// MakeTag packs a four-character code into a Tag.
// It panics if code is not exactly four bytes long.
func MakeTag(code string) Tag {
	if len(code) != 4 {
		panic(fmt.Sprintf("rifx: tag %q must be 4 bytes", code))
	}
	return Tag(uint32(code[0])<<24 | uint32(code[1])<<16 | uint32(code[2])<<8 | uint32(code[3]))
}

// ParseTag is like MakeTag but returns an error instead of panicking.
func ParseTag(code string) (Tag, error) {
	if len(code) != 4 {
		return 0, fmt.Errorf("invalid tag %q: must be exactly 4 bytes", code)
	}
	return MakeTag(code), nil
}

func (t Tag) String() string {
	b := [4]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
	for i, c := range b {
		if c < 32 || c > 126 {
			b[i] = '?'
		}
	}
	return string(b[:])
}

// MarshalText lets tags appear as their four characters in TOML and JSON.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(text []byte) error {
	parsed, err := ParseTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Container and format markers
var (
	TagRIFX = MakeTag("RIFX")
	TagXFIR = MakeTag("XFIR")

	// regular memory-map formats
	TagMV93 = MakeTag("MV93")
	TagMC95 = MakeTag("MC95")
	TagAPPL = MakeTag("APPL")

	// after-burner (compressed map) formats
	TagFGDM = MakeTag("FGDM")
	TagFGDC = MakeTag("FGDC")
)

// Resource tags understood by the rebuilder
var (
	TagIndexMap   = MakeTag("imap")
	TagMemoryMap  = MakeTag("mmap")
	TagKeyTable   = MakeTag("KEY*")
	TagCastIndex  = MakeTag("CAS*")
	TagCastMember = MakeTag("CASt")
	TagConfig     = MakeTag("VWCF")
	TagConfigD6   = MakeTag("DRCF")
	TagBitmap     = MakeTag("BITD")
	TagPalette    = MakeTag("CLUT")
	TagText       = MakeTag("STXT")
	TagFilmLoop   = MakeTag("SCVW")
	TagFree       = MakeTag("free")
	TagJunk       = MakeTag("junk")
)

// IsMetaTag reports whether t marks the start of a container.
func IsMetaTag(t Tag) bool {
	return t == TagRIFX || t == TagXFIR
}

// IsAfterBurner reports whether format is one of the compressed map variants.
func IsAfterBurner(format Tag) bool {
	return format == TagFGDM || format == TagFGDC
}

// IsMemoryMapFormat reports whether format uses the imap/mmap directory.
func IsMemoryMapFormat(format Tag) bool {
	return format == TagMV93 || format == TagMC95 || format == TagAPPL
}

// Fixed sizes of the container layout, in bytes.
const (
	// ResourceHeaderSize is the tag+size prefix every resource carries.
	ResourceHeaderSize = 8

	// FileHeaderSize covers meta tag, total size and format tag.
	FileHeaderSize = 12

	// IndexMapPayloadSize is version + mmap offset + format version.
	IndexMapPayloadSize = 12

	MemoryMapHeaderSize = 24
	MemoryMapEntrySize  = 20

	KeyTableHeaderSize = 12
	KeyTableEntrySize  = 12

	// FirstLibraryID is the library id assigned to the first cast.
	FirstLibraryID = 1024

	// NoFreeID marks an absent free-list link in the memory map.
	NoFreeID int32 = -1
)

// IndexMapOffset is where the imap resource header starts.
const IndexMapOffset = FileHeaderSize

// MemoryMapOffset is where the mmap resource header starts.
const MemoryMapOffset = IndexMapOffset + ResourceHeaderSize + IndexMapPayloadSize

// Span returns the number of file bytes a resource with the given payload
// size occupies, including its tag+size header.
func Span(size uint32) uint32 {
	return size + ResourceHeaderSize
}

// MemoryMapSize returns the mmap payload size for n catalog entries.
func MemoryMapSize(n int) uint32 {
	return MemoryMapHeaderSize + MemoryMapEntrySize*uint32(n)
}

// KeyTableSize returns the KEY* payload size for n relationships.
func KeyTableSize(n int) uint32 {
	return KeyTableHeaderSize + KeyTableEntrySize*uint32(n)
}
