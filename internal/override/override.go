// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package override replaces the payload of a single ELF section, resizing
// the file and fixing up every header that depends on the moved bytes.
//
// Planning is separate from writing: a Plan is computed from the parsed
// layout alone and validated in full, so a rejected resize never leaves
// a half-updated header table behind.
package override

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/refixer/refix/internal/archive"
	"github.com/refixer/refix/internal/objfile"
	"github.com/refixer/refix/internal/patch"
)

var (
	// ErrSectionNotFound is returned when no section has the requested name.
	ErrSectionNotFound = errors.New("section not found")
	// ErrUnsupportedLayout is returned when a resize would break a
	// constraint of the file format, such as a section's alignment.
	ErrUnsupportedLayout = errors.New("unsupported layout")
)

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedLayout, fmt.Sprintf(format, args...))
}

// Splice replaces OldLen bytes at At with Content.
type Splice struct {
	At      int64
	OldLen  int64
	Content []byte
}

// Write overwrites len(Data) bytes at At, after all splices are done.
type Write struct {
	At   int64
	Data []byte
}

// Plan is a validated list of file edits.
type Plan struct {
	// Splices are sorted by descending offset, so applying one never moves
	// the position of the next.
	Splices []Splice
	// Writes use offsets in the resized file.
	Writes []Write
	// Delta is how much the file grows; negative if it shrinks.
	Delta int64
}

// Apply performs the plan on f, whose current size is size, and returns
// the new size.
func (p *Plan) Apply(f patch.File, size int64) (int64, error) {
	var err error
	for _, s := range p.Splices {
		if size, err = patch.Splice(f, size, s.At, s.OldLen, s.Content); err != nil {
			return size, err
		}
	}
	for _, w := range p.Writes {
		if _, err := f.WriteAt(w.Data, w.At); err != nil {
			return size, err
		}
	}
	return size, nil
}

// Object plans replacing the payload of section s in the ELF object f,
// which starts at base within the file.
func Object(f *objfile.File, base int64, s *objfile.Section, content []byte) (*Plan, error) {
	if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
		return nil, unsupported("section %q has no file contents", s.Name)
	}
	newSize := int64(len(content))
	delta := newSize - s.Size
	plan := &Plan{
		Splices: []Splice{{At: base + s.Offset, OldLen: s.Size, Content: content}},
		Delta:   delta,
	}
	if delta == 0 {
		return plan, nil
	}

	end := s.End()
	// shift maps an offset in the original object to the resized one.
	shift := func(off int64) int64 {
		if off >= end {
			return off + delta
		}
		return off
	}
	write := func(at int64, v int64) {
		plan.Writes = append(plan.Writes, Write{At: base + shift(at), Data: f.Word(uint64(v))})
	}

	if s.Flags&elf.SHF_ALLOC != 0 && len(f.Progs) > 0 {
		return nil, unsupported("section %q is loaded at run time; resizing it would move addresses", s.Name)
	}
	if n := int64(len(f.Progs)); n > 0 && f.Phoff < end && s.Offset < f.Phoff+n*f.Phentsize {
		return nil, unsupported("section %q overlaps the program header table", s.Name)
	}
	for i := range f.Progs {
		p := &f.Progs[i]
		switch {
		case p.Filesz > 0 && p.Offset < end && s.Offset < p.Offset+p.Filesz:
			return nil, unsupported("section %q lies within a %v segment", s.Name, p.Type)
		case p.Offset >= end:
			if p.Align > 1 && delta%p.Align != 0 {
				return nil, unsupported("moving a %v segment by %d bytes breaks its %d-byte alignment", p.Type, delta, p.Align)
			}
			if !f.FitsWord(p.Offset + delta) {
				return nil, unsupported("%v segment offset does not fit the file class", p.Type)
			}
			write(f.ProgOffsetAt(p), p.Offset+delta)
		}
	}

	for i := range f.Sections {
		t := &f.Sections[i]
		if t.Index == s.Index || t.Type == elf.SHT_NULL || t.Offset < end {
			continue
		}
		moved := t.Offset + delta
		if t.FileBacked() && t.Addralign > 1 && moved%t.Addralign != 0 {
			return nil, unsupported("moving section %q to offset %d breaks its %d-byte alignment", t.Name, moved, t.Addralign)
		}
		if !f.FitsWord(moved) {
			return nil, unsupported("section %q offset %d does not fit the file class", t.Name, moved)
		}
		write(f.SectionOffsetAt(t), moved)
	}
	if !f.FitsWord(newSize) {
		return nil, unsupported("section size %d does not fit the file class", newSize)
	}
	write(f.SectionSizeAt(s), newSize)

	if len(f.Progs) > 0 && f.Phoff >= end {
		if !f.FitsWord(f.Phoff + delta) {
			return nil, unsupported("program header table offset does not fit the file class")
		}
		write(f.PhoffAt(), f.Phoff+delta)
	}
	if len(f.Sections) > 0 && f.Shoff >= end {
		if !f.FitsWord(f.Shoff + delta) {
			return nil, unsupported("section header table offset does not fit the file class")
		}
		write(f.ShoffAt(), f.Shoff+delta)
	}
	return plan, nil
}

// Member plans replacing section s of the ELF member m of archive a.
// Besides the object's own headers, it rewrites the member's ar_size field,
// adds or drops the member's padding byte, and moves the member offsets
// recorded in a GNU symbol table. r is used to read that table.
func Member(r io.ReaderAt, a *archive.Archive, m *archive.Member, s *objfile.Section, content []byte) (*Plan, error) {
	if m.Object == nil {
		return nil, fmt.Errorf("member %q is not an ELF object", m.Name)
	}
	plan, err := Object(m.Object, m.Offset, s, content)
	if err != nil {
		return nil, err
	}
	if plan.Delta == 0 {
		return plan, nil
	}

	newRaw := m.RawSize + plan.Delta
	field, err := archive.FormatSize(newRaw)
	if err != nil {
		return nil, unsupported("member %q: %v", m.Name, err)
	}
	plan.Writes = append(plan.Writes, Write{At: m.SizeFieldAt(), Data: field})

	oldPad := int64(0)
	if m.Padded {
		oldPad = 1
	}
	newPad := newRaw & 1
	if oldPad != newPad {
		pad := []byte{}
		if newPad == 1 {
			pad = []byte{'\n'}
		}
		// The padding follows the section, so it goes first.
		plan.Splices = append([]Splice{{At: m.End(), OldLen: oldPad, Content: pad}}, plan.Splices...)
	}
	plan.Delta += newPad - oldPad

	if plan.Delta == 0 {
		return plan, nil
	}
	symtab := a.SymbolTable()
	if symtab == nil {
		return plan, nil
	}
	if symtab.Kind == archive.BSDSymbolTable {
		return nil, unsupported("resizing a member of an archive with a BSD symbol table")
	}
	if symtab.HeaderOffset > m.HeaderOffset {
		return nil, unsupported("symbol table %q follows member %q", symtab.Name, m.Name)
	}
	refs, err := archive.SymbolRefs(r, symtab)
	if err != nil {
		return nil, err
	}
	word := archive.SymbolWord(symtab)
	for _, ref := range refs {
		if ref.Value <= m.HeaderOffset {
			continue
		}
		moved := ref.Value + plan.Delta
		if word == 4 && moved > 0xffffffff {
			return nil, unsupported("member offset %d does not fit a 32-bit symbol table", moved)
		}
		plan.Writes = append(plan.Writes, Write{At: ref.At, Data: bigEndian(moved, word)})
	}
	return plan, nil
}

func bigEndian(v, width int64) []byte {
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
