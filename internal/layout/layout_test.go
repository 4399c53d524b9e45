package layout_test

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/layout"
	"github.com/ossyrian/rifxsave/internal/rifx"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

func newPlanner() *layout.Planner {
	return layout.New(serializer.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func addSized(c *catalog.Catalog, tag rifx.Tag, size uint32) *catalog.Resource {
	res, _ := c.Get(c.AllocateNewEntry(tag))
	res.Size = size
	return res
}

// movieCatalog builds a small but complete catalog:
//
//	0 XFIR, 1 imap, 2 mmap, 3 free, 4 Lscr, 5 BITD, 6 CASt, 7 KEY*, 8 CAS*, 9 VWCF
func movieCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	c.AllocateNewEntry(rifx.TagXFIR)
	c.AllocateNewEntry(rifx.TagIndexMap)
	c.AllocateNewEntry(rifx.TagMemoryMap)
	c.AllocateNewEntry(rifx.TagFree)
	addSized(c, rifx.MakeTag("Lscr"), 30)
	addSized(c, rifx.TagBitmap, 64)
	member := addSized(c, rifx.TagCastMember, 20)
	member.LibResourceID = rifx.FirstLibraryID
	member.CastID = 1
	c.AllocateNewEntry(rifx.TagKeyTable)
	cas, _ := c.Get(c.AllocateNewEntry(rifx.TagCastIndex))
	cas.LibResourceID = rifx.FirstLibraryID
	config := addSized(c, rifx.TagConfig, 10)
	config.Content = &serializer.Config{Raw: make([]byte, 10)}

	if err := c.RegisterChildren(rifx.TagCastMember, 6, []catalog.Ref{{Tag: rifx.TagBitmap, Index: 5}}); err != nil {
		t.Fatalf("RegisterChildren() failed: %v", err)
	}
	return c
}

func assertContiguous(t *testing.T, plan *layout.Plan) {
	t.Helper()

	var body []layout.Placement
	for _, pl := range plan.Placements {
		if pl.Kind != rifx.KindHeader {
			body = append(body, pl)
		}
	}
	if len(body) == 0 || body[0].Offset != rifx.FileHeaderSize {
		t.Fatalf("first placement should start right after the file header: %+v", body)
	}
	for i := 1; i < len(body); i++ {
		if body[i].Offset != body[i-1].End() {
			t.Errorf("%s#%d at %d, want %d (end of %s#%d)",
				body[i].Tag, body[i].Index, body[i].Offset, body[i-1].End(), body[i-1].Tag, body[i-1].Index)
		}
	}
	if last := body[len(body)-1]; last.End() != plan.FileSize() {
		t.Errorf("last placement ends at %d, file size is %d", last.End(), plan.FileSize())
	}
}

func TestPlanOrderAndContiguity(t *testing.T) {
	plan, err := newPlanner().Plan(movieCatalog(t), nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	var order []string
	for _, pl := range plan.Placements {
		order = append(order, pl.Tag.String())
	}
	want := []string{"XFIR", "imap", "mmap", "CAS*", "KEY*", "CASt", "VWCF", "BITD", "Lscr", "free"}
	if !slices.Equal(order, want) {
		t.Errorf("visitation order = %v, want %v", order, want)
	}

	assertContiguous(t, plan)

	mmap, _ := plan.Lookup(2)
	if mmap.Offset != rifx.MemoryMapOffset || mmap.Size != rifx.MemoryMapSize(10) {
		t.Errorf("mmap placement = %+v", mmap)
	}
	keys, _ := plan.Lookup(7)
	if keys.Size != rifx.KeyTableSize(1) {
		t.Errorf("key table size = %d, want %d", keys.Size, rifx.KeyTableSize(1))
	}
	cas, _ := plan.Lookup(8)
	if cas.Size != 4 {
		t.Errorf("cast index size = %d, want 4", cas.Size)
	}
}

func TestHeaderSelfConsistency(t *testing.T) {
	plan, err := newPlanner().Plan(movieCatalog(t), nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	var sum uint32
	for _, pl := range plan.Placements {
		if pl.Kind != rifx.KindHeader {
			sum += rifx.Span(pl.Size)
		}
	}
	header, _ := plan.Lookup(0)
	if header.Size != sum || plan.HeaderSize != sum {
		t.Errorf("header size = %d (plan %d), want %d", header.Size, plan.HeaderSize, sum)
	}
	if header.Offset != 0 {
		t.Errorf("header offset = %d, want 0", header.Offset)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	c := movieCatalog(t)
	p := newPlanner()

	first, err := p.Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	second, err := p.Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("second Plan() failed: %v", err)
	}
	if !slices.Equal(first.Placements, second.Placements) || first.HeaderSize != second.HeaderSize {
		t.Errorf("plans differ:\n%+v\n%+v", first.Placements, second.Placements)
	}
}

func TestPlanDoesNotMutateCatalog(t *testing.T) {
	c := movieCatalog(t)
	before := make([]catalog.Resource, 0, c.Len())
	for _, r := range c.Resources() {
		before = append(before, *r)
	}

	if _, err := newPlanner().Plan(c, nil, serializer.AllDirty()); err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	for i, r := range c.Resources() {
		if r.Size != before[i].Size || r.Offset != before[i].Offset {
			t.Errorf("%s changed: size %d->%d offset %d->%d",
				r.Ref(), before[i].Size, r.Size, before[i].Offset, r.Offset)
		}
	}
}

func TestAppendResource(t *testing.T) {
	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	c.AllocateNewEntry(rifx.TagIndexMap)
	c.AllocateNewEntry(rifx.TagMemoryMap)
	addSized(c, rifx.TagBitmap, 100)
	// the source map reserved a spare slot
	c.MapCapacity = 4
	p := newPlanner()

	before, err := p.Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	cursor := before.FileSize()

	text := c.AllocateNewEntry(rifx.TagText)
	if err := c.SetContent(text, &serializer.Text{Text: strings.Repeat("x", 26)}); err != nil {
		t.Fatalf("SetContent() failed: %v", err)
	}

	after, err := p.Plan(c, nil, serializer.DirtyOf(text))
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	pl, _ := after.Lookup(text)
	if pl.Size != 40 {
		t.Errorf("text size = %d, want 40", pl.Size)
	}
	if pl.Offset != cursor {
		t.Errorf("text offset = %d, want prior cursor %d", pl.Offset, cursor)
	}
	if grow := after.HeaderSize - before.HeaderSize; grow != 48 {
		t.Errorf("header grew by %d, want 48", grow)
	}
	assertContiguous(t, after)
}

func TestMapGrowsPastCapacity(t *testing.T) {
	c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
	c.AllocateNewEntry(rifx.TagIndexMap)
	c.AllocateNewEntry(rifx.TagMemoryMap)
	p := newPlanner()

	before, err := p.Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	c.AllocateNewEntry(rifx.TagFree)
	after, err := p.Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	// one more mmap entry plus the free slot's header
	if grow := after.HeaderSize - before.HeaderSize; grow != rifx.MemoryMapEntrySize+rifx.ResourceHeaderSize {
		t.Errorf("header grew by %d, want %d", grow, rifx.MemoryMapEntrySize+rifx.ResourceHeaderSize)
	}
}

func TestFreeSlotCostsHeaderOnly(t *testing.T) {
	c := movieCatalog(t)
	plan, err := newPlanner().Plan(c, nil, serializer.DirtyOf())
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	free, ok := plan.Lookup(3)
	if !ok {
		t.Fatal("free slot was not placed")
	}
	if free.Size != 0 || free.End()-free.Offset != rifx.ResourceHeaderSize {
		t.Errorf("free slot placement = %+v", free)
	}
}

func TestPlanAbortsOnIntegrityFailure(t *testing.T) {
	c := movieCatalog(t)
	c.SetContent(6, &serializer.CastMember{})
	if _, err := c.UnregisterChildren(rifx.TagCastMember, 6); err != nil {
		t.Fatalf("UnregisterChildren() failed: %v", err)
	}

	// the bitmap is dirty but nothing owns it any more
	plan, err := newPlanner().Plan(c, nil, serializer.DirtyOf(5))
	if !errors.Is(err, catalog.ErrNoParent) {
		t.Fatalf("Plan() error = %v, want ErrNoParent", err)
	}
	if plan != nil {
		t.Error("Plan() returned a partial plan alongside the error")
	}
}

func TestDirtyMemberPropagatesToChildren(t *testing.T) {
	c := movieCatalog(t)
	c.SetContent(6, &serializer.CastMember{
		Bitmap: &serializer.Bitmap{Pitch: 3, Height: 1, Pixels: []byte{1, 2, 3}},
	})

	plan, err := newPlanner().Plan(c, nil, serializer.DirtyOf(6))
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	bitmap, _ := plan.Lookup(5)
	if bitmap.Size != 3 {
		t.Errorf("bitmap size = %d, want 3 from the member's model", bitmap.Size)
	}
	if !plan.Env.Dirty.Has(5) {
		t.Error("bitmap owned by a dirty member was not marked dirty")
	}
}

func TestPlanRequiresDirectory(t *testing.T) {
	tests := []struct {
		name    string
		tags    []rifx.Tag
		wantErr string
	}{
		{"missing imap", []rifx.Tag{rifx.TagMemoryMap}, "imap"},
		{"missing mmap", []rifx.Tag{rifx.TagIndexMap}, "mmap"},
		{"duplicate mmap", []rifx.Tag{rifx.TagIndexMap, rifx.TagMemoryMap, rifx.TagMemoryMap}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := catalog.New(rifx.TagXFIR, rifx.TagMV93)
			for _, tag := range tt.tags {
				c.AllocateNewEntry(tag)
			}
			_, err := newPlanner().Plan(c, nil, serializer.DirtyOf())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Plan() error = %v, should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCastChangeRefreshesConfig(t *testing.T) {
	tests := []struct {
		name  string
		dirty *serializer.DirtySet
		want  bool
	}{
		{"member changed", serializer.DirtyOf(6), true},
		{"slot freed", serializer.DirtyOf(3), true},
		{"unrelated verbatim", serializer.DirtyOf(4), false},
		{"nothing", serializer.DirtyOf(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := newPlanner().Plan(movieCatalog(t), nil, tt.dirty)
			if err != nil {
				t.Fatalf("Plan() failed: %v", err)
			}
			if got := plan.Env.Dirty.Has(9); got != tt.want {
				t.Errorf("config dirty = %v, want %v", got, tt.want)
			}
		})
	}
}
