// Package savefile manages named save entries in a directory. Entries can be
// stored plain (seekable while being written) or zstd-compressed.
package savefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

var (
	// ErrInvalidName is returned for names that are empty or not a single
	// path element.
	ErrInvalidName = errors.New("invalid save name")

	// ErrLocked is returned when another writer holds the entry.
	ErrLocked = errors.New("save entry is locked by another writer")
)

const (
	tmpSuffix  = ".tmp"
	lockSuffix = ".lock"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Source is an opened save entry.
type Source interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
	Size() int64
}

// Manager stores save entries below one directory of an afero filesystem.
type Manager struct {
	fs     afero.Fs
	dir    string
	lock   bool
	logger *slog.Logger
}

// NewManager returns a manager over fsys. No file locks are taken; use
// NewOSManager for the real filesystem.
func NewManager(fsys afero.Fs, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{fs: fsys, dir: dir, logger: logger}
}

// NewOSManager returns a manager on the OS filesystem that serializes
// writers of the same entry with lock files.
func NewOSManager(dir string, logger *slog.Logger) (*Manager, error) {
	dir = os.ExpandEnv(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	m := NewManager(afero.NewOsFs(), dir, logger)
	m.lock = true
	return m, nil
}

// Dir returns the directory entries are stored in.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, lockSuffix) {
		return "", fmt.Errorf("%w: %q uses a reserved suffix", ErrInvalidName, name)
	}
	return filepath.Join(m.dir, name), nil
}

// OpenForSaving creates or replaces the entry name. The data becomes
// visible under name when the returned writer is closed; calling its
// Abort() error method instead discards it. Uncompressed writers also
// implement io.Seeker.
func (m *Manager) OpenForSaving(name string, compressed bool) (io.WriteCloser, error) {
	final, err := m.path(name)
	if err != nil {
		return nil, err
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}

	var lock *flock.Flock
	if m.lock {
		lock = flock.New(final + lockSuffix)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
	}

	tmp := final + tmpSuffix
	f, err := m.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	sink := &fileSink{File: f, fs: m.fs, tmp: tmp, final: final, lock: lock}
	m.logger.Debug("opened save entry", "name", name, "compressed", compressed)
	if !compressed {
		return sink, nil
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = sink.Abort()
		return nil, fmt.Errorf("failed to start compressor for %s: %w", name, err)
	}
	return &compressedSink{enc: enc, sink: sink}, nil
}

// OpenForLoading opens the entry name for reading. Compressed entries are
// decompressed into memory.
func (m *Manager) OpenForLoading(name string) (Source, error) {
	p, err := m.path(name)
	if err != nil {
		return nil, err
	}
	f, err := m.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	magic := make([]byte, len(zstdMagic))
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if n == len(zstdMagic) && bytes.Equal(magic, zstdMagic) {
		defer f.Close()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind %s: %w", name, err)
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to start decompressor for %s: %w", name, err)
		}
		defer dec.Close()
		data, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
		}
		return memSource{bytes.NewReader(data)}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return fileSource{File: f, size: info.Size()}, nil
}

// Compress rewrites the plain entry name as a zstd stream. An entry that
// is already compressed is left alone.
func (m *Manager) Compress(name string) error {
	src, err := m.OpenForLoading(name)
	if err != nil {
		return err
	}
	if _, ok := src.(memSource); ok {
		return src.Close()
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	w, err := m.OpenForSaving(name, true)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.(*compressedSink).Abort()
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	m.logger.Info("compressed save entry", "name", name, "size", len(data))
	return nil
}

// RemoveSavefile deletes the entry name.
func (m *Manager) RemoveSavefile(name string) error {
	p, err := m.path(name)
	if err != nil {
		return err
	}
	if err := m.fs.Remove(p); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	m.logger.Info("removed save entry", "name", name)
	return nil
}

// ListSavefiles returns the entry names matching the glob pattern, sorted.
// An empty pattern matches everything.
func (m *Manager) ListSavefiles(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	infos, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", m.dir, err)
	}

	var names []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, lockSuffix) {
			continue
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// fileSink writes to a temporary file that replaces the entry on Close.
type fileSink struct {
	afero.File
	fs         afero.Fs
	tmp, final string
	lock       *flock.Flock
	closed     bool
}

func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	defer func() {
		if s.lock != nil {
			_ = s.lock.Unlock()
		}
	}()

	if err := s.File.Close(); err != nil {
		_ = s.fs.Remove(s.tmp)
		return fmt.Errorf("failed to close %s: %w", s.tmp, err)
	}
	if err := s.fs.Rename(s.tmp, s.final); err != nil {
		return fmt.Errorf("failed to commit %s: %w", s.final, err)
	}
	return nil
}

// Abort discards everything written so far; the entry keeps its previous
// contents.
func (s *fileSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.lock != nil {
		defer s.lock.Unlock()
	}

	_ = s.File.Close()
	if err := s.fs.Remove(s.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard %s: %w", s.tmp, err)
	}
	return nil
}

// compressedSink is a zstd stream; it cannot seek.
type compressedSink struct {
	enc  *zstd.Encoder
	sink *fileSink
}

func (s *compressedSink) Write(p []byte) (int, error) {
	return s.enc.Write(p)
}

func (s *compressedSink) Close() error {
	if err := s.enc.Close(); err != nil {
		_ = s.sink.Abort()
		return fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	return s.sink.Close()
}

func (s *compressedSink) Abort() error {
	_ = s.enc.Close()
	return s.sink.Abort()
}

type fileSource struct {
	afero.File
	size int64
}

func (s fileSource) Size() int64 { return s.size }

type memSource struct {
	*bytes.Reader
}

func (memSource) Close() error { return nil }
