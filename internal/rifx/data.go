package rifx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FieldWriter writes mixed-endian fields to w and remembers the first error,
// so a run of field writes needs a single error check at the end.
type FieldWriter struct {
	w   io.Writer
	n   int64
	err error
	buf [4]byte
}

// NewFieldWriter wraps w.
func NewFieldWriter(w io.Writer) *FieldWriter {
	return &FieldWriter{w: w}
}

func (fw *FieldWriter) write(p []byte) {
	if fw.err != nil {
		return
	}
	n, err := fw.w.Write(p)
	fw.n += int64(n)
	fw.err = err
}

// Tag writes t big-endian.
func (fw *FieldWriter) Tag(t Tag) {
	fw.U32BE(uint32(t))
}

func (fw *FieldWriter) U16LE(v uint16) {
	binary.LittleEndian.PutUint16(fw.buf[:2], v)
	fw.write(fw.buf[:2])
}

func (fw *FieldWriter) U16BE(v uint16) {
	binary.BigEndian.PutUint16(fw.buf[:2], v)
	fw.write(fw.buf[:2])
}

func (fw *FieldWriter) U32LE(v uint32) {
	binary.LittleEndian.PutUint32(fw.buf[:], v)
	fw.write(fw.buf[:])
}

func (fw *FieldWriter) U32BE(v uint32) {
	binary.BigEndian.PutUint32(fw.buf[:], v)
	fw.write(fw.buf[:])
}

func (fw *FieldWriter) I32LE(v int32) { fw.U32LE(uint32(v)) }
func (fw *FieldWriter) I32BE(v int32) { fw.U32BE(uint32(v)) }

// Bytes writes p unchanged.
func (fw *FieldWriter) Bytes(p []byte) {
	if len(p) == 0 {
		return
	}
	fw.write(p)
}

// Written returns the number of bytes written so far.
func (fw *FieldWriter) Written() int64 { return fw.n }

// Err returns the first write error, if any.
func (fw *FieldWriter) Err() error { return fw.err }

// FieldReader is the reading counterpart of FieldWriter.
type FieldReader struct {
	r   io.Reader
	err error
	buf [4]byte
}

// NewFieldReader wraps r.
func NewFieldReader(r io.Reader) *FieldReader {
	return &FieldReader{r: r}
}

func (fr *FieldReader) read(n int) []byte {
	if fr.err == nil {
		_, fr.err = io.ReadFull(fr.r, fr.buf[:n])
	}
	if fr.err != nil {
		clear(fr.buf[:n])
	}
	return fr.buf[:n]
}

func (fr *FieldReader) Tag() Tag      { return Tag(fr.U32BE()) }
func (fr *FieldReader) U16LE() uint16 { return binary.LittleEndian.Uint16(fr.read(2)) }
func (fr *FieldReader) U16BE() uint16 { return binary.BigEndian.Uint16(fr.read(2)) }
func (fr *FieldReader) U32LE() uint32 { return binary.LittleEndian.Uint32(fr.read(4)) }
func (fr *FieldReader) U32BE() uint32 { return binary.BigEndian.Uint32(fr.read(4)) }
func (fr *FieldReader) I32LE() int32  { return int32(fr.U32LE()) }
func (fr *FieldReader) I32BE() int32  { return int32(fr.U32BE()) }

// Bytes reads exactly len(p) bytes into p.
func (fr *FieldReader) Bytes(p []byte) {
	if fr.err != nil {
		return
	}
	if _, err := io.ReadFull(fr.r, p); err != nil {
		fr.err = err
	}
}

// Err returns the first read error, if any.
func (fr *FieldReader) Err() error { return fr.err }

// WriteResourceHeader writes the tag+size prefix of a resource.
func WriteResourceHeader(w io.Writer, tag Tag, size uint32) error {
	fw := NewFieldWriter(w)
	fw.Tag(tag)
	fw.U32LE(size)
	if err := fw.Err(); err != nil {
		return fmt.Errorf("failed to write %s header: %w", tag, err)
	}
	return nil
}

// ReadResourceHeader reads the tag+size prefix of a resource.
func ReadResourceHeader(r io.Reader) (Tag, uint32, error) {
	fr := NewFieldReader(r)
	tag := fr.Tag()
	size := fr.U32LE()
	if err := fr.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read resource header: %w", err)
	}
	return tag, size, nil
}
