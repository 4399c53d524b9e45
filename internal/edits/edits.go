// Package edits reads TOML edit scripts and applies them to a loaded
// catalog ahead of a rebuild.
package edits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/ossyrian/rifxsave/internal/archive"
	"github.com/ossyrian/rifxsave/internal/catalog"
	"github.com/ossyrian/rifxsave/internal/rifx"
	"github.com/ossyrian/rifxsave/internal/serializer"
)

// ErrInvalidEdit is returned for an edit that cannot be applied to the
// catalog. No edit of the script has been applied when it is returned.
var ErrInvalidEdit = errors.New("invalid edit")

// Script is a parsed edit script. Edits run in the order free, raw, text,
// link.
type Script struct {
	Text []TextEdit `toml:"text"`
	Raw  []RawEdit  `toml:"raw"`
	Free []FreeEdit `toml:"free"`
	Link []LinkEdit `toml:"link"`

	// directory relative raw files are resolved against
	dir string
}

// TextEdit adds a new text block, optionally owned by Parent.
type TextEdit struct {
	Text   string `toml:"text"`
	Parent int32  `toml:"parent"`
}

// RawEdit replaces the payload of Tag#Index with the bytes of File, or
// appends a new Tag resource when Index is zero.
type RawEdit struct {
	Tag   rifx.Tag `toml:"tag"`
	Index int32    `toml:"index"`
	File  string   `toml:"file"`
}

// FreeEdit turns an entry into a free slot.
type FreeEdit struct {
	Index int32 `toml:"index"`
}

// LinkEdit replaces a parent's child set.
type LinkEdit struct {
	Parent   int32         `toml:"parent"`
	Children []catalog.Ref `toml:"children"`
}

// Len returns the number of edits in the script.
func (s *Script) Len() int {
	return len(s.Text) + len(s.Raw) + len(s.Free) + len(s.Link)
}

// Parse decodes a script. Unknown keys are rejected.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("failed to parse edit script: %s", strict.String())
		}
		return nil, fmt.Errorf("failed to parse edit script: %w", err)
	}
	return &s, nil
}

// Load reads the script at path from fsys. Raw files named by the script
// are resolved relative to its directory.
func Load(fsys afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edit script: %w", err)
	}
	s, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// pending collects the child sets of relinked parents so several edits
// touching the same parent produce one change.
type pending struct {
	order    []int32
	children map[int32][]catalog.Ref
}

func (p *pending) set(parent int32, children []catalog.Ref) {
	if _, ok := p.children[parent]; !ok {
		p.order = append(p.order, parent)
	}
	p.children[parent] = children
}

func (p *pending) add(cat *catalog.Catalog, parent int32, child catalog.Ref) {
	current, ok := p.children[parent]
	if !ok {
		res, _ := cat.Get(parent)
		current = slices.Clone(res.Children)
	}
	p.set(parent, append(current, child))
}

// Apply runs the script against cat and returns the changes the writer
// needs. fsys supplies the files of raw edits.
func (s *Script) Apply(cat *catalog.Catalog, fsys afero.Fs, logger *slog.Logger) ([]archive.Change, error) {
	if logger == nil {
		logger = slog.Default()
	}
	payloads, err := s.check(cat, fsys)
	if err != nil {
		return nil, err
	}

	var changes []archive.Change
	touched := func(index int32) {
		changes = append(changes, archive.Change{Index: index})
	}

	for _, e := range s.Free {
		if err := cat.Free(e.Index); err != nil {
			return nil, fmt.Errorf("%w: free #%d: %w", ErrInvalidEdit, e.Index, err)
		}
		touched(e.Index)
		logger.Debug("freed entry", "index", e.Index)
	}

	for i, e := range s.Raw {
		index := e.Index
		if index == 0 {
			index = cat.AllocateNewEntry(e.Tag)
		}
		if err := cat.SetContent(index, serializer.Raw(payloads[i])); err != nil {
			return nil, fmt.Errorf("%w: raw %s#%d: %w", ErrInvalidEdit, e.Tag, index, err)
		}
		touched(index)
		logger.Debug("replaced payload", "tag", e.Tag.String(), "index", index, "size", len(payloads[i]))
	}

	links := &pending{children: map[int32][]catalog.Ref{}}
	for _, e := range s.Text {
		index := cat.AllocateNewEntry(rifx.TagText)
		if err := cat.SetContent(index, &serializer.Text{Text: e.Text}); err != nil {
			return nil, err
		}
		touched(index)
		if e.Parent != 0 {
			links.add(cat, e.Parent, catalog.Ref{Tag: rifx.TagText, Index: index})
		}
		logger.Debug("added text block", "index", index, "parent", e.Parent)
	}

	for _, e := range s.Link {
		links.set(e.Parent, e.Children)
	}
	for _, parent := range links.order {
		changes = append(changes, archive.Change{
			Index:    parent,
			Relink:   true,
			Children: links.children[parent],
		})
	}

	logger.Info("applied edit script",
		"edits", s.Len(),
		"changes", len(changes),
	)
	return changes, nil
}

// check validates every edit against cat and reads the raw payloads, so
// a bad script fails before the catalog is touched.
func (s *Script) check(cat *catalog.Catalog, fsys afero.Fs) ([][]byte, error) {
	freed := map[int32]bool{}
	for _, e := range s.Free {
		res, ok := cat.Get(e.Index)
		if !ok {
			return nil, fmt.Errorf("%w: free names unknown entry #%d", ErrInvalidEdit, e.Index)
		}
		if res.Kind.Rank() < 0 {
			return nil, fmt.Errorf("%w: cannot free directory entry %s", ErrInvalidEdit, res.Ref())
		}
		freed[e.Index] = true
		for _, ch := range res.Children {
			if rifx.KindOf(ch.Tag).MemberOwned() {
				freed[ch.Index] = true
			}
		}
	}

	payloads := make([][]byte, len(s.Raw))
	for i, e := range s.Raw {
		switch rifx.KindOf(e.Tag) {
		case rifx.KindHeader, rifx.KindIndexMap, rifx.KindMemoryMap, rifx.KindKeyTable, rifx.KindCastIndex, rifx.KindFree:
			return nil, fmt.Errorf("%w: %s is derived from the catalog and takes no raw payload", ErrInvalidEdit, e.Tag)
		}
		if e.Index != 0 {
			if _, ok := cat.Find(e.Tag, e.Index); !ok || freed[e.Index] {
				return nil, fmt.Errorf("%w: raw names unknown entry %s#%d", ErrInvalidEdit, e.Tag, e.Index)
			}
		}
		path := e.File
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read payload for %s: %w", ErrInvalidEdit, e.Tag, err)
		}
		payloads[i] = data
	}

	parentOK := func(index int32) bool {
		_, ok := cat.Get(index)
		return ok && !freed[index]
	}
	for _, e := range s.Text {
		if e.Parent != 0 && !parentOK(e.Parent) {
			return nil, fmt.Errorf("%w: text owner #%d does not exist", ErrInvalidEdit, e.Parent)
		}
	}
	for _, e := range s.Link {
		if !parentOK(e.Parent) {
			return nil, fmt.Errorf("%w: link parent #%d does not exist", ErrInvalidEdit, e.Parent)
		}
		missing := lo.Filter(e.Children, func(ref catalog.Ref, _ int) bool {
			_, ok := cat.Find(ref.Tag, ref.Index)
			return !ok || freed[ref.Index]
		})
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: link parent #%d names unknown children %v", ErrInvalidEdit, e.Parent, missing)
		}
	}
	return payloads, nil
}
