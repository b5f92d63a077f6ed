// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

package override

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/refixer/refix/internal/archive"
	"github.com/refixer/refix/internal/elftest"
	"github.com/refixer/refix/internal/objfile"
)

// apply runs plan on a temporary copy of data and returns the result.
func apply(t *testing.T, data []byte, plan *Plan) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, data, 0o666)))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	qt.Assert(t, qt.IsNil(err))
	defer f.Close()
	size, err := plan.Apply(f, int64(len(data)))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(size, int64(len(data))+plan.Delta))
	out, err := os.ReadFile(path)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(out, int(size)))
	return out
}

func parse(t *testing.T, data []byte) *objfile.File {
	t.Helper()
	f, err := objfile.Read(bytes.NewReader(data), int64(len(data)))
	qt.Assert(t, qt.IsNil(err))
	return f
}

func sectionData(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(data))
	qt.Assert(t, qt.IsNil(err))
	s := f.Section(name)
	qt.Assert(t, qt.IsTrue(s != nil), qt.Commentf("section %s", name))
	b, err := s.Data()
	qt.Assert(t, qt.IsNil(err))
	return b
}

func relocatable(class elf.Class, symtabAlign uint64) elftest.Object {
	return elftest.Object{
		Class: class,
		Sections: []elftest.Section{
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: []byte{0x90, 0xc3}},
			{Name: ".cfg", Data: []byte("ORIGDATA")},
			{Name: ".debug_str", Data: []byte("/PLACEHOLDER/a.c\x00")},
			{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 8, Size: 32},
			{Name: ".symtab", Type: elf.SHT_SYMTAB, Align: symtabAlign, Data: make([]byte, 24)},
		},
	}
}

func TestObjectSameSize(t *testing.T) {
	t.Parallel()
	data := relocatable(elf.ELFCLASS64, 8).Bytes()
	f := parse(t, data)
	plan, err := Object(f, 0, f.Section(".cfg"), []byte("NEWDATA!"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(plan.Delta, int64(0)))
	qt.Assert(t, qt.HasLen(plan.Writes, 0))

	out := apply(t, data, plan)
	qt.Assert(t, qt.Equals(string(sectionData(t, out, ".cfg")), "NEWDATA!"))
	// Nothing but the section payload changed.
	cfg := f.Section(".cfg")
	qt.Assert(t, qt.DeepEquals(out[:cfg.Offset], data[:cfg.Offset]))
	qt.Assert(t, qt.DeepEquals(out[cfg.End():], data[cfg.End():]))
}

func TestObjectResize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		class   elf.Class
		content string
	}{
		{"Grow64", elf.ELFCLASS64, "ORIGDATA and then some!!"},
		{"Shrink64", elf.ELFCLASS64, ""},
		{"Grow32", elf.ELFCLASS32, "ORIGDATA plus eight more"},
		{"Shrink32", elf.ELFCLASS32, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			data := relocatable(test.class, 8).Bytes()
			f := parse(t, data)
			plan, err := Object(f, 0, f.Section(".cfg"), []byte(test.content))
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(plan.Delta, int64(len(test.content)-len("ORIGDATA"))))

			out := apply(t, data, plan)
			g := parse(t, out)
			qt.Assert(t, qt.Equals(string(sectionData(t, out, ".cfg")), test.content))
			qt.Assert(t, qt.Equals(string(sectionData(t, out, ".debug_str")), "/PLACEHOLDER/a.c\x00"))
			qt.Assert(t, qt.DeepEquals(sectionData(t, out, ".symtab"), make([]byte, 24)))
			qt.Assert(t, qt.Equals(g.Section(".symtab").Offset, f.Section(".symtab").Offset+plan.Delta))
			qt.Assert(t, qt.Equals(g.Section(".symtab").Offset%8, int64(0)))
			qt.Assert(t, qt.Equals(g.Shoff, f.Shoff+plan.Delta))
			// Sections before the resized one stay put.
			qt.Assert(t, qt.Equals(g.Section(".text").Offset, f.Section(".text").Offset))
			qt.Assert(t, qt.Equals(g.Section(".cfg").Offset, f.Section(".cfg").Offset))
		})
	}
}

func TestObjectUnsupported(t *testing.T) {
	t.Parallel()
	exec := elftest.Object{
		Type: elf.ET_EXEC,
		Sections: []elftest.Section{
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: make([]byte, 32)},
			{Name: ".rodata", Flags: elf.SHF_ALLOC, Data: []byte("/PLACEHOLDER")},
			{Name: ".comment", Data: []byte("GCC")},
			{Name: ".note", Data: []byte("note")},
		},
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Align: 0x1000, Sections: []string{".text", ".rodata"}},
			{Type: elf.PT_NOTE, Sections: []string{".comment"}},
			{Type: elf.PT_NOTE, Align: 4, Sections: []string{".note"}},
		},
	}.Bytes()
	rel := relocatable(elf.ELFCLASS64, 8).Bytes()

	tests := []struct {
		name    string
		data    []byte
		section string
		content string
		want    string
	}{
		{"NoBits", rel, ".bss", "x", `section ".bss" has no file contents`},
		{"Misaligned", rel, ".cfg", "ORIGDATA+3", `moving section ".symtab" to offset \d+ breaks its 8-byte alignment`},
		{"Loaded", exec, ".rodata", "/PLACEHOLDER/longer", `section ".rodata" is loaded at run time; .*`},
		{"InSegment", exec, ".comment", "GCC 14", `section ".comment" lies within a PT_NOTE segment`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			f := parse(t, test.data)
			_, err := Object(f, 0, f.Section(test.section), []byte(test.content))
			qt.Assert(t, qt.ErrorIs(err, ErrUnsupportedLayout))
			qt.Assert(t, qt.ErrorMatches(err, "unsupported layout: "+test.want))
		})
	}
}

func TestObjectSegmentAlignment(t *testing.T) {
	t.Parallel()
	// A non-loaded section before a segment may move it only by
	// a multiple of the segment's alignment.
	data := elftest.Object{
		Type: elf.ET_EXEC,
		Sections: []elftest.Section{
			{Name: ".comment", Data: []byte("GCC 1")},
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: make([]byte, 32)},
		},
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Align: 16, Sections: []string{".text"}},
		},
	}.Bytes()
	f := parse(t, data)
	comment := f.Section(".comment")

	_, err := Object(f, 0, comment, []byte("GCC 12"))
	qt.Assert(t, qt.ErrorMatches(err, `unsupported layout: moving a PT_LOAD segment by 1 bytes breaks its 16-byte alignment`))

	content := []byte("GCC 1, built by a longer name!!!!")[:comment.Size+16]
	plan, err := Object(f, 0, comment, content)
	qt.Assert(t, qt.IsNil(err))
	out := apply(t, data, plan)
	g := parse(t, out)
	qt.Assert(t, qt.Equals(g.Progs[0].Offset, f.Progs[0].Offset+16))
	qt.Assert(t, qt.Equals(g.Progs[0].Offset, g.Section(".text").Offset))
	qt.Assert(t, qt.Equals(string(sectionData(t, out, ".comment")), string(content)))
}

func TestObjectHeaderTableOverflow(t *testing.T) {
	t.Parallel()
	data := elftest.Object{
		Class: elf.ELFCLASS32,
		Type:  elf.ET_EXEC,
		Sections: []elftest.Section{
			{Name: ".comment", Data: []byte("GCC 1")},
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: make([]byte, 32)},
		},
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Align: 16, Sections: []string{".text"}},
		},
	}.Bytes()
	content := []byte("GCC 1, built by a longer name!!!!")[:21]

	tests := []struct {
		name   string
		modify func(f *objfile.File)
		want   string
	}{
		{"ProgramHeaders", func(f *objfile.File) { f.Phoff = 0xfffffff8 }, `program header table offset does not fit the file class`},
		{"SectionHeaders", func(f *objfile.File) { f.Shoff = 0xfffffff8 }, `section header table offset does not fit the file class`},
		{"Segment", func(f *objfile.File) { f.Progs[0].Offset = 0xfffffff0 }, `PT_LOAD segment offset does not fit the file class`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			f := parse(t, data)
			test.modify(f)
			_, err := Object(f, 0, f.Section(".comment"), content)
			qt.Assert(t, qt.ErrorIs(err, ErrUnsupportedLayout))
			qt.Assert(t, qt.ErrorMatches(err, "unsupported layout: "+test.want))
		})
	}
}

func TestMember(t *testing.T) {
	t.Parallel()
	obj := func() []byte {
		return elftest.Object{Sections: []elftest.Section{
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: []byte{0xc3}},
			{Name: ".cfg", Data: []byte("ORIGDATA")},
			{Name: ".debug_str", Data: []byte("/PLACEHOLDER\x00")},
		}}.Bytes()
	}
	data := elftest.Archive{SymbolTable: true, Members: []elftest.Member{
		{Name: "first.o", Data: obj(), Symbols: []string{"first"}},
		{Name: "a.o", Data: obj(), Symbols: []string{"a1", "a2"}},
		{Name: "b.o", Data: obj(), Symbols: []string{"b"}},
	}}.Bytes()

	for _, content := range []string{"ORIGDATA+1", "ORIGDATA+12", "ORIG", "ORIGDATA."} {
		t.Run(content, func(t *testing.T) {
			t.Parallel()
			a, err := archive.Read(bytes.NewReader(data), int64(len(data)))
			qt.Assert(t, qt.IsNil(err))
			m := &a.Members[2]
			qt.Assert(t, qt.Equals(m.Name, "a.o"))

			plan, err := Member(bytes.NewReader(data), a, m, m.Object.Section(".cfg"), []byte(content))
			qt.Assert(t, qt.IsNil(err))
			out := apply(t, data, plan)

			b, err := archive.Read(bytes.NewReader(out), int64(len(out)))
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.HasLen(b.Members, len(a.Members)))
			for i, bm := range b.Members[1:] {
				qt.Assert(t, qt.Equals(bm.Name, a.Members[i+1].Name))
				qt.Assert(t, qt.IsNil(bm.ObjectErr))
				qt.Assert(t, qt.IsTrue(bm.Object != nil))
			}
			resized := &b.Members[2]
			member := out[resized.Offset:resized.End()]
			qt.Assert(t, qt.Equals(string(sectionData(t, member, ".cfg")), content))
			qt.Assert(t, qt.Equals(string(sectionData(t, member, ".debug_str")), "/PLACEHOLDER\x00"))
			qt.Assert(t, qt.DeepEquals(out[b.Members[3].Offset:b.Members[3].End()], obj()))

			// The symbol table must point at the moved member headers.
			refs, err := archive.SymbolRefs(bytes.NewReader(out), b.SymbolTable())
			qt.Assert(t, qt.IsNil(err))
			var got []int64
			for _, ref := range refs {
				got = append(got, ref.Value)
			}
			want := []int64{
				b.Members[1].HeaderOffset,
				b.Members[2].HeaderOffset, b.Members[2].HeaderOffset,
				b.Members[3].HeaderOffset,
			}
			qt.Assert(t, qt.DeepEquals(got, want))
		})
	}
}

func TestMemberBSDSymbolTable(t *testing.T) {
	t.Parallel()
	obj := relocatable(elf.ELFCLASS64, 1).Bytes()
	data := elftest.Archive{BSDNames: true, Members: []elftest.Member{
		{Name: "__.SYMDEF", Data: make([]byte, 8)},
		{Name: "a.o", Data: obj},
		{Name: "b.o", Data: []byte("trailing member")},
	}}.Bytes()
	a, err := archive.Read(bytes.NewReader(data), int64(len(data)))
	qt.Assert(t, qt.IsNil(err))
	m := &a.Members[1]
	qt.Assert(t, qt.IsTrue(m.Padded), qt.Commentf("a.o should have an odd size"))

	_, err = Member(bytes.NewReader(data), a, m, m.Object.Section(".cfg"), []byte("ORIGDATA22"))
	qt.Assert(t, qt.ErrorMatches(err, `unsupported layout: resizing a member of an archive with a BSD symbol table`))

	// Growing by one byte is absorbed by the padding byte,
	// so no member moves and the symbol table stays valid.
	plan, err := Member(bytes.NewReader(data), a, m, m.Object.Section(".cfg"), []byte("ORIGDATA2"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(plan.Delta, int64(0)))
	out := apply(t, data, plan)
	qt.Assert(t, qt.HasLen(out, len(data)))
	b, err := archive.Read(bytes.NewReader(out), int64(len(out)))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsFalse(b.Members[1].Padded))
	qt.Assert(t, qt.Equals(string(sectionData(t, out[b.Members[1].Offset:b.Members[1].End()], ".cfg")), "ORIGDATA2"))
	later := b.Members[2]
	qt.Assert(t, qt.Equals(later.HeaderOffset, a.Members[2].HeaderOffset))
	qt.Assert(t, qt.DeepEquals(out[later.HeaderOffset:], data[a.Members[2].HeaderOffset:]))

	// Same-size overrides need no bookkeeping.
	plan, err = Member(bytes.NewReader(data), a, m, m.Object.Section(".cfg"), []byte("NEWDATA!"))
	qt.Assert(t, qt.IsNil(err))
	out = apply(t, data, plan)
	qt.Assert(t, qt.IsTrue(bytes.Contains(out, []byte("NEWDATA!"))))
	qt.Assert(t, qt.HasLen(out, len(data)))
}
