// Package archive writes an edited catalog back out as a container file.
//
// A save runs strictly in sequence: the key table is updated for the
// changed resources, the whole archive is laid out, and only then are bytes
// streamed to a seekable destination.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/layout"
	"github.com/ossyrian/rifxsave/internal/rifx"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

var (
	// ErrUnsupportedFormat is returned for container variants the writer
	// cannot produce, such as the after-burner map. Nothing is written.
	ErrUnsupportedFormat = errors.New("unsupported container format")

	// ErrOpenDestination is returned when the storage collaborator cannot
	// provide a seekable destination.
	ErrOpenDestination = errors.New("failed to open save destination")

	// ErrInvalidChange is returned for a change that names an unknown
	// resource.
	ErrInvalidChange = errors.New("invalid change")
)

const streamBufferSize = 64 * 1024

// Storage opens save destinations. The writer always asks for the
// uncompressed variant and requires it to be seekable.
type Storage interface {
	OpenForSaving(name string, compressed bool) (io.WriteCloser, error)
}

// aborter is implemented by destinations that can discard a partial write.
type aborter interface {
	Abort() error
}

// discard drops a destination after a failure, aborting it when possible so
// a partial archive never replaces the previous entry.
func discard(wc io.Closer) {
	if a, ok := wc.(aborter); ok {
		_ = a.Abort()
		return
	}
	_ = wc.Close()
}

// Change describes one resource created or modified during the session.
type Change struct {
	Index int32

	// Relink replaces the resource's child set with Children. Without it
	// the change only marks the content as modified.
	Relink   bool
	Children []catalog.Ref
}

// SaveRequest is one call to persist a catalog.
type SaveRequest struct {
	Name    string
	Changes []Change

	// Full re-encodes every resource that has a decoded model instead of
	// only the changed ones.
	Full bool
}

// Result reports how far a save got.
type Result struct {
	WriteID string
	State   State
	Plan    *layout.Plan
	Written int64
}

// Writer persists catalogs through a Storage.
type Writer struct {
	registry *serializer.Registry
	planner  *layout.Planner
	storage  Storage
	logger   *slog.Logger
}

// NewWriter returns a writer using registry for every payload kind.
func NewWriter(storage Storage, registry *serializer.Registry, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		registry: registry,
		planner:  layout.New(registry, logger),
		storage:  storage,
		logger:   logger,
	}
}

// saveOp carries the state of one Save call.
type saveOp struct {
	result *Result
	logger *slog.Logger
}

func (op *saveOp) transition(to State) {
	from := op.result.State
	if !from.next(to) {
		panic(fmt.Sprintf("archive: illegal transition %s -> %s", from, to))
	}
	op.result.State = to
	op.logger.Debug("save state changed", "from", from.String(), "to", to.String())
}

func (op *saveOp) fail(err error) (*Result, error) {
	op.logger.Error("save failed", "state", op.result.State.String(), "error", err)
	op.transition(StateFailed)
	return op.result, err
}

// Save writes cat to req.Name. src is the archive cat was loaded from and
// supplies the bytes of unchanged resources; it may be nil for a catalog
// whose every resource carries content.
//
// ctx is only consulted before the destination is opened; once streaming
// starts the save runs to completion or failure.
func (w *Writer) Save(ctx context.Context, cat *catalog.Catalog, src io.ReaderAt, req SaveRequest) (*Result, error) {
	op := w.newOp(req)
	start := time.Now()

	plan, err := w.prepare(op, cat, src, req)
	if err != nil {
		return op.fail(err)
	}

	if err := ctx.Err(); err != nil {
		return op.fail(err)
	}

	dst, err := w.open(req.Name)
	if err != nil {
		return op.fail(err)
	}
	op.transition(StateStreaming)

	written, err := w.stream(dst, cat, plan)
	op.result.Written = written
	if err != nil {
		discard(dst)
		return op.fail(err)
	}
	if err := dst.Close(); err != nil {
		return op.fail(fmt.Errorf("failed to close %s: %w", req.Name, err))
	}
	op.transition(StateDone)

	op.logger.Info("saved archive",
		"entries", plan.UsedCount,
		"changes", len(req.Changes),
		"file_size", plan.FileSize(),
		"duration", time.Since(start),
	)
	return op.result, nil
}

// Plan runs a save up to the layout step without opening a destination.
// The catalog is updated for req exactly as Save would; the result stops
// in StateLaidOut.
func (w *Writer) Plan(cat *catalog.Catalog, src io.ReaderAt, req SaveRequest) (*Result, error) {
	op := w.newOp(req)
	if _, err := w.prepare(op, cat, src, req); err != nil {
		return op.fail(err)
	}
	return op.result, nil
}

func (w *Writer) newOp(req SaveRequest) *saveOp {
	op := &saveOp{result: &Result{WriteID: uuid.NewString(), State: StateIdle}}
	op.logger = w.logger.With("write_id", op.result.WriteID, "destination", req.Name)
	return op
}

// prepare checks the format, applies the changes and lays out the archive.
func (w *Writer) prepare(op *saveOp, cat *catalog.Catalog, src io.ReaderAt, req SaveRequest) (*layout.Plan, error) {
	if err := checkFormat(cat); err != nil {
		return nil, err
	}

	dirty, err := applyChanges(cat, req)
	if err != nil {
		return nil, err
	}
	op.transition(StateCatalogReady)

	plan, err := w.planner.Plan(cat, src, dirty)
	if err != nil {
		return nil, err
	}
	op.result.Plan = plan
	op.transition(StateLaidOut)
	return plan, nil
}

type seekableSink interface {
	io.WriteSeeker
	io.Closer
}

func (w *Writer) open(name string) (seekableSink, error) {
	wc, err := w.storage.OpenForSaving(name, false)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrOpenDestination, name, err)
	}
	sink, ok := wc.(seekableSink)
	if !ok {
		discard(wc)
		return nil, fmt.Errorf("%w %s: destination is not seekable", ErrOpenDestination, name)
	}
	return sink, nil
}

func checkFormat(cat *catalog.Catalog) error {
	switch {
	case !rifx.IsMetaTag(cat.MetaTag):
		return fmt.Errorf("%w: container marker %s", ErrUnsupportedFormat, cat.MetaTag)
	case rifx.IsAfterBurner(cat.FormatTag):
		// TODO: the after-burner map layout is undocumented; writing it
		// needs a format description for the FGDM/FGDC ABMP and FCDR chunks.
		return fmt.Errorf("%w: after-burner map %s is not implemented", ErrUnsupportedFormat, cat.FormatTag)
	case !rifx.IsMemoryMapFormat(cat.FormatTag):
		return fmt.Errorf("%w: format %s", ErrUnsupportedFormat, cat.FormatTag)
	}
	return nil
}

// applyChanges validates every change, then updates the key table for the
// relinked parents. A rejected request leaves the catalog untouched.
func applyChanges(cat *catalog.Catalog, req SaveRequest) (*serializer.DirtySet, error) {
	indices := make([]int32, 0, len(req.Changes))
	for _, ch := range req.Changes {
		res, ok := cat.Get(ch.Index)
		if !ok {
			return nil, fmt.Errorf("%w: no resource #%d", ErrInvalidChange, ch.Index)
		}
		for _, ref := range ch.Children {
			if _, ok := cat.Find(ref.Tag, ref.Index); !ok {
				return nil, fmt.Errorf("%w: child %s of %s does not exist", ErrInvalidChange, ref, res.Ref())
			}
		}
		indices = append(indices, ch.Index)
	}

	for _, ch := range req.Changes {
		if !ch.Relink {
			continue
		}
		res, _ := cat.Get(ch.Index)
		if err := cat.ReplaceChildren(res.Tag, res.Index, ch.Children); err != nil {
			return nil, fmt.Errorf("failed to relink %s: %w", res.Ref(), err)
		}
	}

	if req.Full {
		return serializer.AllDirty(), nil
	}
	return serializer.DirtyOf(indices...), nil
}

// stream writes the planned archive to dst and returns the file length.
func (w *Writer) stream(dst io.WriteSeeker, cat *catalog.Catalog, plan *layout.Plan) (int64, error) {
	bw := bufio.NewWriterSize(dst, streamBufferSize)

	// total size is patched once everything else is down
	header := rifx.FileHeader{Meta: cat.MetaTag, Format: cat.FormatTag}
	if err := header.Write(bw); err != nil {
		return 0, err
	}
	if err := writeIndexMap(bw, cat, plan); err != nil {
		return 0, err
	}
	if err := writeMemoryMap(bw, cat, plan); err != nil {
		return 0, err
	}

	for _, r := range cat.Resources() {
		pl, ok := plan.Lookup(r.Index)
		if !ok {
			return 0, fmt.Errorf("%s missing from layout plan", r.Ref())
		}
		if pl.Kind.Rank() < 0 {
			continue
		}
		if err := w.writeResource(bw, dst, cat, plan, pl); err != nil {
			return 0, err
		}
	}

	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush archive: %w", err)
	}
	end, err := dst.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("failed to read archive position: %w", err)
	}
	if end != int64(plan.FileSize()) {
		return end, fmt.Errorf("archive ended at %d, planned %d bytes", end, plan.FileSize())
	}

	if _, err := dst.Seek(4, io.SeekStart); err != nil {
		return end, fmt.Errorf("failed to seek to header size: %w", err)
	}
	fw := rifx.NewFieldWriter(dst)
	fw.U32LE(plan.FileSize() - 8)
	if err := fw.Err(); err != nil {
		return end, fmt.Errorf("failed to patch header size: %w", err)
	}
	return end, nil
}

func (w *Writer) writeResource(bw *bufio.Writer, dst io.WriteSeeker, cat *catalog.Catalog, plan *layout.Plan, pl layout.Placement) error {
	res, ok := cat.Get(pl.Index)
	if !ok {
		return fmt.Errorf("%w: planned resource #%d", catalog.ErrNotFound, pl.Index)
	}
	s, err := w.registry.For(res)
	if err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush before %s: %w", res.Ref(), err)
	}
	if _, err := dst.Seek(int64(pl.Offset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to %s at %d: %w", res.Ref(), pl.Offset, err)
	}

	if err := rifx.WriteResourceHeader(bw, pl.Tag, pl.Size); err != nil {
		return err
	}
	cw := &countingWriter{w: bw}
	if err := s.Write(plan.Env, res, cw); err != nil {
		return fmt.Errorf("failed to write %s: %w", res.Ref(), err)
	}
	if cw.n != int64(pl.Size) {
		return fmt.Errorf("%s wrote %d bytes, planned %d", res.Ref(), cw.n, pl.Size)
	}
	return nil
}

func writeIndexMap(w io.Writer, cat *catalog.Catalog, plan *layout.Plan) error {
	if err := rifx.WriteResourceHeader(w, rifx.TagIndexMap, rifx.IndexMapPayloadSize); err != nil {
		return err
	}
	return rifx.IndexMap{
		Version:         cat.ImapVersion,
		MemoryMapOffset: plan.MemoryMapOffset,
		FormatVersion:   cat.FormatVersion,
	}.Write(w)
}

// writeMemoryMap emits the directory: one entry per catalog slot with its
// planned size and offset, then empty entries up to the reserved capacity.
func writeMemoryMap(w io.Writer, cat *catalog.Catalog, plan *layout.Plan) error {
	if err := rifx.WriteResourceHeader(w, rifx.TagMemoryMap, rifx.MemoryMapSize(plan.EntryCount)); err != nil {
		return err
	}

	// Free entries keep their recorded links; the spare slots past the
	// catalog are chained after the last of them.
	spare := int32(cat.Len())
	hasSpare := plan.EntryCount > plan.UsedCount
	firstFree, lastFree := rifx.NoFreeID, rifx.NoFreeID
	for _, r := range cat.Resources() {
		if r.Kind != rifx.KindFree {
			continue
		}
		if firstFree == rifx.NoFreeID {
			firstFree = r.Index
		}
		lastFree = r.Index
	}
	if firstFree == rifx.NoFreeID && hasSpare {
		firstFree = spare
	}

	header := rifx.MemoryMapHeader{
		HeaderSize:  rifx.MemoryMapHeaderSize,
		EntrySize:   rifx.MemoryMapEntrySize,
		TotalCount:  int32(plan.EntryCount),
		UsedCount:   int32(plan.UsedCount),
		Reserved:    cat.MapReserved,
		FirstFreeID: firstFree,
	}
	if err := header.Write(w); err != nil {
		return err
	}

	for _, r := range cat.Resources() {
		pl, ok := plan.Lookup(r.Index)
		if !ok {
			return fmt.Errorf("%s missing from layout plan", r.Ref())
		}
		entry := rifx.MemoryMapEntry{
			Tag:        r.Tag,
			Size:       pl.Size,
			Offset:     pl.Offset,
			Flags:      r.Flags,
			Unk1:       r.Unk1,
			NextFreeID: r.NextFreeResourceID,
		}
		if r.Index == lastFree && !isFreeEntry(cat, entry.NextFreeID) {
			// stale or missing link; end the chain in the spare slots
			entry.NextFreeID = rifx.NoFreeID
			if hasSpare {
				entry.NextFreeID = spare
			}
		}
		if err := entry.Write(w); err != nil {
			return err
		}
	}
	for i := plan.UsedCount; i < plan.EntryCount; i++ {
		next := int32(i + 1)
		if i+1 == plan.EntryCount {
			next = rifx.NoFreeID
		}
		empty := rifx.MemoryMapEntry{Tag: rifx.TagFree, NextFreeID: next}
		if err := empty.Write(w); err != nil {
			return err
		}
	}
	return nil
}

func isFreeEntry(cat *catalog.Catalog, index int32) bool {
	r, ok := cat.Get(index)
	return ok && r.Kind == rifx.KindFree
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
