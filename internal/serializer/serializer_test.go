package serializer_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/color"
	"slices"
	"strings"
	"testing"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

func encode(t *testing.T, reg *serializer.Registry, env *serializer.Env, r *catalog.Resource) []byte {
	t.Helper()

	s, err := reg.For(r)
	if err != nil {
		t.Fatalf("For(%s) failed: %v", r.Ref(), err)
	}
	size, err := s.Size(env, r)
	if err != nil {
		t.Fatalf("Size(%s) failed: %v", r.Ref(), err)
	}
	buf := new(bytes.Buffer)
	if err := s.Write(env, r, buf); err != nil {
		t.Fatalf("Write(%s) failed: %v", r.Ref(), err)
	}
	if uint32(buf.Len()) != size {
		t.Fatalf("Write(%s) emitted %d bytes, Size reported %d", r.Ref(), buf.Len(), size)
	}
	return buf.Bytes()
}

func TestPackBits(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{name: "empty", input: nil, want: []byte{}},
		{name: "single literal", input: []byte{7}, want: []byte{0, 7}},
		{name: "run of four", input: []byte{9, 9, 9, 9}, want: []byte{0xFD, 9}},
		{name: "pair stays literal", input: []byte{1, 1, 2}, want: []byte{2, 1, 1, 2}},
		{name: "literal then run", input: []byte{1, 2, 5, 5, 5}, want: []byte{1, 1, 2, 0xFE, 5}},
		{name: "long run splits", input: bytes.Repeat([]byte{4}, 130), want: []byte{0x81, 4, 1, 4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.PackBits(tt.input)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("PackBits() = % x, want % x", got, tt.want)
			}
			back, err := serializer.UnpackBits(got)
			if err != nil {
				t.Fatalf("UnpackBits() failed: %v", err)
			}
			if !bytes.Equal(back, tt.input) && len(tt.input) > 0 {
				t.Errorf("UnpackBits() = % x, want % x", back, tt.input)
			}
		})
	}

	if _, err := serializer.UnpackBits([]byte{5, 1}); err == nil {
		t.Error("UnpackBits() accepted a truncated literal packet")
	}
}

func TestPayloadEncodings(t *testing.T) {
	tests := []struct {
		name    string
		content serializer.Encoder
		want    []byte
	}{
		{
			name:    "palette uses doubled 16-bit channels",
			content: &serializer.Palette{Colors: []color.RGBA{{R: 0x12, G: 0x34, B: 0x56}}},
			want:    []byte{0x12, 0x12, 0x34, 0x34, 0x56, 0x56},
		},
		{
			name:    "text without runs",
			content: &serializer.Text{Text: "hi"},
			want: []byte{
				0, 0, 0, 12, 0, 0, 0, 2, 0, 0, 0, 2,
				'h', 'i',
				0, 0,
			},
		},
		{
			name:    "cast member puts data before info",
			content: &serializer.CastMember{Type: 1, Info: []byte{0xAA}, Data: []byte{0xBB, 0xCC}},
			want: []byte{
				0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2,
				0xBB, 0xCC, 0xAA,
			},
		},
		{
			name: "film loop frame deltas",
			content: &serializer.FilmLoop{Frames: []serializer.Frame{
				{Deltas: []serializer.ChannelDelta{{Offset: 0x30, Data: []byte{1, 2}}}},
			}},
			want: []byte{
				0, 0, 0, 20, 0, 0, 0, 12, 0, 0, 0, 0,
				0, 8,
				0, 2, 0, 0x30, 1, 2,
			},
		},
		{
			name:    "packed bitmap",
			content: &serializer.Bitmap{Pitch: 4, Height: 1, Pixels: []byte{3, 3, 3, 3}, Packed: true},
			want:    []byte{0xFD, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := tt.content.EncodedSize()
			if err != nil {
				t.Fatalf("EncodedSize() failed: %v", err)
			}
			buf := new(bytes.Buffer)
			if err := tt.content.Encode(buf); err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tt.want) {
				t.Errorf("Encode() = % x, want % x", buf.Bytes(), tt.want)
			}
			if int(size) != buf.Len() {
				t.Errorf("EncodedSize() = %d, encoded %d bytes", size, buf.Len())
			}
		})
	}
}

func TestBitmapDimensionMismatch(t *testing.T) {
	b := &serializer.Bitmap{Pitch: 4, Height: 2, Pixels: make([]byte, 5)}
	if _, err := b.EncodedSize(); err == nil {
		t.Error("EncodedSize() accepted pixels that do not match the dimensions")
	}
}

// castCatalog builds:
//
//	0 imap, 1 mmap, 2 KEY*, 3 CAS*, 4 CASt(id 1), 5 BITD, 6 CASt(id 4), 7 CASt(id 2)
func castCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	c.AllocateNewEntry(rifx.TagIndexMap)
	c.AllocateNewEntry(rifx.TagMemoryMap)
	c.AllocateNewEntry(rifx.TagKeyTable)
	casIndex, _ := c.Get(c.AllocateNewEntry(rifx.TagCastIndex))
	casIndex.LibResourceID = rifx.FirstLibraryID

	for _, id := range []int32{1, -1, 4, 2} {
		if id < 0 {
			bitmap, _ := c.Get(c.AllocateNewEntry(rifx.TagBitmap))
			bitmap.Size = 3
			bitmap.Offset = 0
			continue
		}
		m, _ := c.Get(c.AllocateNewEntry(rifx.TagCastMember))
		m.LibResourceID = rifx.FirstLibraryID
		m.CastID = id
	}
	if err := c.RegisterChildren(rifx.TagCastMember, 4, []catalog.Ref{{Tag: rifx.TagBitmap, Index: 5}}); err != nil {
		t.Fatalf("RegisterChildren() failed: %v", err)
	}
	return c
}

func TestKeyTableEncoding(t *testing.T) {
	c := castCatalog(t)
	env := &serializer.Env{Catalog: c}
	keyRes, _ := c.Get(2)

	got := encode(t, serializer.NewRegistry(), env, keyRes)
	want := []byte{
		12, 0, 12, 0, 1, 0, 0, 0, 1, 0, 0, 0,
		0, 0, 0, 5, 0, 0, 0, 4, 'B', 'I', 'T', 'D',
	}
	if !bytes.Equal(got, want) {
		t.Errorf("key table = % x, want % x", got, want)
	}
}

func TestCastIndexSkipsHoles(t *testing.T) {
	c := castCatalog(t)
	env := &serializer.Env{Catalog: c}
	casRes, _ := c.Get(3)

	got := encode(t, serializer.NewRegistry(), env, casRes)
	var indices []int32
	for i := 0; i < len(got); i += 4 {
		indices = append(indices, int32(binary.BigEndian.Uint32(got[i:])))
	}
	// cast ids 1, 2, 4 live at catalog indices 4, 7, 6
	want := []int32{4, 7, 6}
	if len(indices) != len(want) {
		t.Fatalf("cast index = %v, want %v", indices, want)
	}
	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("cast index = %v, want %v", indices, want)
			break
		}
	}
}

func TestCastIndexPerLibrary(t *testing.T) {
	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	c.AllocateNewEntry(rifx.TagIndexMap)
	c.AllocateNewEntry(rifx.TagMemoryMap)
	internal, _ := c.Get(c.AllocateNewEntry(rifx.TagCastIndex))
	internal.LibResourceID = rifx.FirstLibraryID
	shared, _ := c.Get(c.AllocateNewEntry(rifx.TagCastIndex))
	shared.LibResourceID = rifx.FirstLibraryID + 1

	// 4..9 alternate between the two libraries with overlapping cast ids
	members := []struct{ lib, castID int32 }{
		{rifx.FirstLibraryID, 2},
		{rifx.FirstLibraryID + 1, 1},
		{rifx.FirstLibraryID, 1},
		{rifx.FirstLibraryID + 1, 3},
		{rifx.FirstLibraryID + 1, 2},
		{rifx.FirstLibraryID, 3},
	}
	for _, m := range members {
		res, _ := c.Get(c.AllocateNewEntry(rifx.TagCastMember))
		res.LibResourceID = m.lib
		res.CastID = m.castID
	}

	tests := []struct {
		name string
		cas  *catalog.Resource
		want []int32
	}{
		{"internal cast", internal, []int32{6, 4, 9}},
		{"shared cast", shared, []int32{5, 8, 7}},
	}

	env := &serializer.Env{Catalog: c}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encode(t, serializer.NewRegistry(), env, tt.cas)
			var indices []int32
			for i := 0; i < len(got); i += 4 {
				indices = append(indices, int32(binary.BigEndian.Uint32(got[i:])))
			}
			if !slices.Equal(indices, tt.want) {
				t.Errorf("cast index of library %d = %v, want %v", tt.cas.LibResourceID, indices, tt.want)
			}
		})
	}
}

func TestMemberPayloadResolution(t *testing.T) {
	source := make([]byte, 16)
	copy(source[8:], []byte{0xE0, 0xE1, 0xE2})

	tests := []struct {
		name    string
		setup   func(c *catalog.Catalog)
		dirty   *serializer.DirtySet
		want    []byte
		wantErr error
	}{
		{
			name:  "unchanged bitmap is copied from the source",
			setup: func(*catalog.Catalog) {},
			dirty: serializer.DirtyOf(),
			want:  []byte{0xE0, 0xE1, 0xE2},
		},
		{
			name: "dirty bitmap takes the owner's model",
			setup: func(c *catalog.Catalog) {
				c.SetContent(4, &serializer.CastMember{
					Bitmap: &serializer.Bitmap{Pitch: 2, Height: 1, Pixels: []byte{1, 2}},
				})
			},
			dirty: serializer.DirtyOf(5),
			want:  []byte{1, 2},
		},
		{
			name: "own content wins over the owner",
			setup: func(c *catalog.Catalog) {
				c.SetContent(5, serializer.Raw{9})
			},
			dirty: serializer.DirtyOf(5),
			want:  []byte{9},
		},
		{
			name: "dirty orphan is an integrity failure",
			setup: func(c *catalog.Catalog) {
				c.UnregisterChildren(rifx.TagCastMember, 4)
			},
			dirty:   serializer.DirtyOf(5),
			wantErr: catalog.ErrNoParent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := castCatalog(t)
			tt.setup(c)
			env := &serializer.Env{Catalog: c, Source: bytes.NewReader(source), Dirty: tt.dirty}
			bitmap, _ := c.Get(5)

			if tt.wantErr != nil {
				s, _ := serializer.NewRegistry().For(bitmap)
				_, err := s.Size(env, bitmap)
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Size() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			got := encode(t, serializer.NewRegistry(), env, bitmap)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("payload = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestVerbatimWithoutSource(t *testing.T) {
	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	res, _ := c.Get(c.AllocateNewEntry(rifx.MakeTag("Lscr")))
	res.Size = 10

	s, _ := serializer.NewRegistry().For(res)
	err := s.Write(&serializer.Env{Catalog: c}, res, new(bytes.Buffer))
	if !errors.Is(err, serializer.ErrNoSource) {
		t.Errorf("Write() error = %v, want ErrNoSource", err)
	}
}

func TestContentTypeMismatch(t *testing.T) {
	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	res, _ := c.Get(c.AllocateNewEntry(rifx.TagCastMember))
	res.Content = "not a cast member"

	s, _ := serializer.NewRegistry().For(res)
	_, err := s.Size(&serializer.Env{Catalog: c}, res)
	if !errors.Is(err, serializer.ErrContentType) {
		t.Errorf("Size() error = %v, want ErrContentType", err)
	}
}

func TestConfigPatchesCastBounds(t *testing.T) {
	c := castCatalog(t)
	cfgIndex := c.AllocateNewEntry(rifx.TagConfig)
	raw := make([]byte, 20)
	c.SetContent(cfgIndex, &serializer.Config{Raw: raw})
	env := &serializer.Env{Catalog: c, Dirty: serializer.DirtyOf()}

	cfg, _ := c.Get(cfgIndex)
	got := encode(t, serializer.NewRegistry(), env, cfg)
	if first, last := binary.BigEndian.Uint16(got[12:]), binary.BigEndian.Uint16(got[14:]); first != 1 || last != 4 {
		t.Errorf("cast bounds = %d..%d, want 1..4", first, last)
	}
	if raw[12] != 0 || raw[15] != 0 {
		t.Error("patching modified the caller's config bytes")
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	res := &catalog.Resource{Tag: rifx.TagMemoryMap, Kind: rifx.KindMemoryMap}
	_, err := serializer.NewRegistry().For(res)
	if err == nil || !strings.Contains(err.Error(), "no serializer") {
		t.Errorf("For(mmap) error = %v, want ErrNoSerializer", err)
	}
}

func TestDirtySet(t *testing.T) {
	var none *serializer.DirtySet
	if none.Has(1) {
		t.Error("nil set reports a dirty index")
	}
	d := serializer.DirtyOf(3).With(5)
	if !d.Has(3) || !d.Has(5) || d.Has(4) || d.Len() != 2 {
		t.Errorf("DirtyOf(3).With(5) = %+v", d)
	}
	if !serializer.AllDirty().With(1).All() {
		t.Error("With() dropped the all flag")
	}
}
