package serializer

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/ossyrian/rifxsave/internal/rifx"
)

// Raw is a payload supplied as literal bytes. Any resource kind except the
// derived tables accepts Raw content in place of its decoded model.
type Raw []byte

func (r Raw) EncodedSize() (uint32, error) { return uint32(len(r)), nil }

func (r Raw) Encode(w io.Writer) error {
	_, err := w.Write(r)
	return err
}

// CastMember is a decoded cast-member record. The payload models of the
// resources it owns hang off the member, so a changed member can re-encode
// its bitmap, palette, text or film loop.
type CastMember struct {
	Type uint32
	Info []byte
	Data []byte

	Bitmap   *Bitmap
	Palette  *Palette
	Text     *Text
	FilmLoop *FilmLoop
}

func (m *CastMember) EncodedSize() (uint32, error) {
	return uint32(12 + len(m.Data) + len(m.Info)), nil
}

func (m *CastMember) Encode(w io.Writer) error {
	fw := rifx.NewFieldWriter(w)
	fw.U32BE(m.Type)
	fw.U32BE(uint32(len(m.Info)))
	fw.U32BE(uint32(len(m.Data)))
	fw.Bytes(m.Data)
	fw.Bytes(m.Info)
	return fw.Err()
}

// payload returns the owned model matching kind, or nil.
func (m *CastMember) payload(kind rifx.Kind) Encoder {
	switch kind {
	case rifx.KindBitmap:
		if m.Bitmap != nil {
			return m.Bitmap
		}
	case rifx.KindPalette:
		if m.Palette != nil {
			return m.Palette
		}
	case rifx.KindText:
		if m.Text != nil {
			return m.Text
		}
	case rifx.KindFilmLoop:
		if m.FilmLoop != nil {
			return m.FilmLoop
		}
	}
	return nil
}

// Bitmap holds 8-bit indexed pixel rows.
type Bitmap struct {
	Pitch  int
	Height int
	Pixels []byte
	Packed bool // PackBits-compress on write
}

func (b *Bitmap) encoded() ([]byte, error) {
	if b.Pitch*b.Height != len(b.Pixels) {
		return nil, fmt.Errorf("bitmap has %d pixel bytes, want %dx%d", len(b.Pixels), b.Pitch, b.Height)
	}
	if b.Packed {
		return PackBits(b.Pixels), nil
	}
	return b.Pixels, nil
}

func (b *Bitmap) EncodedSize() (uint32, error) {
	data, err := b.encoded()
	if err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

func (b *Bitmap) Encode(w io.Writer) error {
	data, err := b.encoded()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Palette is a colour lookup table; each entry is stored as three 16-bit
// big-endian channels.
type Palette struct {
	Colors []color.RGBA
}

const paletteEntrySize = 6

func (p *Palette) EncodedSize() (uint32, error) {
	return uint32(paletteEntrySize * len(p.Colors)), nil
}

func (p *Palette) Encode(w io.Writer) error {
	fw := rifx.NewFieldWriter(w)
	for _, c := range p.Colors {
		fw.U16BE(uint16(c.R)<<8 | uint16(c.R))
		fw.U16BE(uint16(c.G)<<8 | uint16(c.G))
		fw.U16BE(uint16(c.B)<<8 | uint16(c.B))
	}
	return fw.Err()
}

// StyleRun is one formatting run of a text block.
type StyleRun struct {
	StartOffset uint32
	Height      uint16
	Ascent      uint16
	FontID      uint16
	Style       uint8
	FontSize    uint16
	R, G, B     uint16
}

const (
	textHeaderSize = 12
	styleRunSize   = 20
)

// Text is a styled text block.
type Text struct {
	Text string
	Runs []StyleRun
}

func (t *Text) styleSize() uint32 {
	return uint32(2 + styleRunSize*len(t.Runs))
}

func (t *Text) EncodedSize() (uint32, error) {
	return textHeaderSize + uint32(len(t.Text)) + t.styleSize(), nil
}

func (t *Text) Encode(w io.Writer) error {
	fw := rifx.NewFieldWriter(w)
	fw.U32BE(textHeaderSize)
	fw.U32BE(uint32(len(t.Text)))
	fw.U32BE(t.styleSize())
	fw.Bytes([]byte(t.Text))
	fw.U16BE(uint16(len(t.Runs)))
	for _, run := range t.Runs {
		fw.U32BE(run.StartOffset)
		fw.U16BE(run.Height)
		fw.U16BE(run.Ascent)
		fw.U16BE(run.FontID)
		fw.Bytes([]byte{run.Style, 0})
		fw.U16BE(run.FontSize)
		fw.U16BE(run.R)
		fw.U16BE(run.G)
		fw.U16BE(run.B)
	}
	return fw.Err()
}

// ChannelDelta is the changed slice of one frame's channel data.
type ChannelDelta struct {
	Offset uint16
	Data   []byte
}

// Frame is one film-loop frame, stored as channel deltas.
type Frame struct {
	Deltas []ChannelDelta
}

func (f Frame) size() int {
	n := 2
	for _, d := range f.Deltas {
		n += 4 + len(d.Data)
	}
	return n
}

const filmLoopHeaderSize = 12

// FilmLoop is a short score embedded in a cast member.
type FilmLoop struct {
	Reserved [4]byte
	Frames   []Frame
}

func (fl *FilmLoop) EncodedSize() (uint32, error) {
	n := filmLoopHeaderSize
	for _, f := range fl.Frames {
		if f.size() > 0xFFFF {
			return 0, fmt.Errorf("film loop frame of %d bytes does not fit a 16-bit length", f.size())
		}
		n += f.size()
	}
	return uint32(n), nil
}

func (fl *FilmLoop) Encode(w io.Writer) error {
	total, err := fl.EncodedSize()
	if err != nil {
		return err
	}
	fw := rifx.NewFieldWriter(w)
	fw.U32BE(total)
	fw.U32BE(filmLoopHeaderSize)
	fw.Bytes(fl.Reserved[:])
	for _, f := range fl.Frames {
		fw.U16BE(uint16(f.size()))
		for _, d := range f.Deltas {
			fw.U16BE(uint16(len(d.Data)))
			fw.U16BE(d.Offset)
			fw.Bytes(d.Data)
		}
	}
	return fw.Err()
}

// Config is the movie configuration block. It is kept as raw bytes; only
// the cast-array bounds are rewritten on save.
type Config struct {
	Raw []byte
}

const (
	configCastStartOffset = 12
	configCastEndOffset   = 14
)

// patchCastBounds returns a copy of raw with the cast-array bounds replaced.
func patchCastBounds(raw []byte, first, last int32) []byte {
	out := bytes.Clone(raw)
	if len(out) < configCastEndOffset+2 {
		return out
	}
	out[configCastStartOffset] = byte(first >> 8)
	out[configCastStartOffset+1] = byte(first)
	out[configCastEndOffset] = byte(last >> 8)
	out[configCastEndOffset+1] = byte(last)
	return out
}
