package rifx

// Kind is the serializer family a resource belongs to. A resource's Kind is
// derived from its tag once, when the resource enters a catalog.
type Kind int

const (
	KindVerbatim Kind = iota
	KindHeader
	KindIndexMap
	KindMemoryMap
	KindCastIndex
	KindKeyTable
	KindCastMember
	KindConfig
	KindBitmap
	KindPalette
	KindText
	KindFilmLoop
	KindFree
)

func (k Kind) String() string {
	switch k {
	case KindVerbatim:
		return "Verbatim"
	case KindHeader:
		return "Header"
	case KindIndexMap:
		return "IndexMap"
	case KindMemoryMap:
		return "MemoryMap"
	case KindCastIndex:
		return "CastIndex"
	case KindKeyTable:
		return "KeyTable"
	case KindCastMember:
		return "CastMember"
	case KindConfig:
		return "Config"
	case KindBitmap:
		return "Bitmap"
	case KindPalette:
		return "Palette"
	case KindText:
		return "Text"
	case KindFilmLoop:
		return "FilmLoop"
	case KindFree:
		return "Free"
	default:
		return "Unknown"
	}
}

// KindOf maps a tag to its serializer kind. Unknown tags are Verbatim.
func KindOf(t Tag) Kind {
	switch t {
	case TagRIFX, TagXFIR:
		return KindHeader
	case TagIndexMap:
		return KindIndexMap
	case TagMemoryMap:
		return KindMemoryMap
	case TagCastIndex:
		return KindCastIndex
	case TagKeyTable:
		return KindKeyTable
	case TagCastMember:
		return KindCastMember
	case TagConfig, TagConfigD6:
		return KindConfig
	case TagBitmap:
		return KindBitmap
	case TagPalette:
		return KindPalette
	case TagText:
		return KindText
	case TagFilmLoop:
		return KindFilmLoop
	case TagFree, TagJunk:
		return KindFree
	default:
		return KindVerbatim
	}
}

// Rank is the position of a kind in the layout visitation order. Lower
// ranks are placed earlier in the file. The fixed prefix kinds (header,
// imap, mmap) are not ranked and return -1.
func (k Kind) Rank() int {
	switch k {
	case KindCastIndex:
		return 0
	case KindKeyTable:
		return 1
	case KindCastMember:
		return 2
	case KindConfig:
		return 3
	case KindBitmap, KindPalette, KindText, KindFilmLoop:
		return 4
	case KindVerbatim:
		return 5
	case KindFree:
		return 6
	default:
		return -1
	}
}

// MemberOwned reports whether resources of this kind are payloads owned by
// a cast member through the key table.
func (k Kind) MemberOwned() bool {
	switch k {
	case KindBitmap, KindPalette, KindText, KindFilmLoop:
		return true
	}
	return false
}
