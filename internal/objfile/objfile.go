// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package objfile reads the layout of ELF objects and executables:
// the file header, the program header table, and the section header table.
//
// Unlike debug/elf, it never loads section payloads besides the section name
// table, and it keeps the file offsets of every header field that a resize
// may need to rewrite.
package objfile

import (
	"bytes"
	"cmp"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrMalformedObject is returned when the ELF headers are inconsistent.
var ErrMalformedObject = errors.New("malformed object")

// Magic is the ELF identification prefix.
const Magic = elf.ELFMAG

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedObject, fmt.Sprintf(format, args...))
}

// Section describes one section header table entry.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Offset    int64
	Size      int64
	Addralign int64

	// HeaderOffset is where this entry starts, relative to the object.
	HeaderOffset int64
}

// FileBacked reports whether the section occupies bytes in the file.
func (s *Section) FileBacked() bool {
	return s.Type != elf.SHT_NULL && s.Type != elf.SHT_NOBITS
}

// Code reports whether the section holds machine instructions.
func (s *Section) Code() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// End is the offset one past the section's last byte.
func (s *Section) End() int64 { return s.Offset + s.Size }

// Prog describes one program header table entry.
type Prog struct {
	Type   elf.ProgType
	Offset int64
	Filesz int64
	Align  int64

	HeaderOffset int64
}

// Range is a plain byte range.
type Range struct {
	Offset, Length int64
}

// File is the parsed layout of an ELF object.
type File struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Type      elf.Type
	Size      int64

	Ehsize    int64
	Phoff     int64
	Phentsize int64
	Shoff     int64
	Shentsize int64

	Sections []Section
	Progs    []Prog
}

// WordSize is 4 for ELFCLASS32 and 8 for ELFCLASS64.
func (f *File) WordSize() int64 {
	if f.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// Section returns the first section with the given name, or nil.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionsNamed returns every section with the given name.
func (f *File) SectionsNamed(name string) []*Section {
	var list []*Section
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			list = append(list, &f.Sections[i])
		}
	}
	return list
}

// Field locations inside the ELF header, relative to the object.

func (f *File) PhoffAt() int64 {
	if f.Class == elf.ELFCLASS64 {
		return 32
	}
	return 28
}

func (f *File) ShoffAt() int64 {
	if f.Class == elf.ELFCLASS64 {
		return 40
	}
	return 32
}

// SectionOffsetAt is the location of the sh_offset field of s.
func (f *File) SectionOffsetAt(s *Section) int64 {
	if f.Class == elf.ELFCLASS64 {
		return s.HeaderOffset + 24
	}
	return s.HeaderOffset + 16
}

// SectionSizeAt is the location of the sh_size field of s.
func (f *File) SectionSizeAt(s *Section) int64 {
	if f.Class == elf.ELFCLASS64 {
		return s.HeaderOffset + 32
	}
	return s.HeaderOffset + 20
}

// ProgOffsetAt is the location of the p_offset field of p.
func (f *File) ProgOffsetAt(p *Prog) int64 {
	if f.Class == elf.ELFCLASS64 {
		return p.HeaderOffset + 8
	}
	return p.HeaderOffset + 4
}

// Word encodes v as an address-sized field in the file's byte order.
func (f *File) Word(v uint64) []byte {
	b := make([]byte, f.WordSize())
	if len(b) == 8 {
		f.ByteOrder.PutUint64(b, v)
	} else {
		f.ByteOrder.PutUint32(b, uint32(v))
	}
	return b
}

// FitsWord reports whether v can be stored in an address-sized field.
func (f *File) FitsWord(v int64) bool {
	if v < 0 {
		return false
	}
	return f.Class == elf.ELFCLASS64 || v <= 0xffffffff
}

// Gaps returns the byte ranges not covered by the ELF header, the header
// tables, or any file-backed section, in ascending order.
func (f *File) Gaps() []Range {
	covered := []Range{{0, f.Ehsize}}
	if n := int64(len(f.Progs)); n > 0 {
		covered = append(covered, Range{f.Phoff, n * f.Phentsize})
	}
	if n := int64(len(f.Sections)); n > 0 {
		covered = append(covered, Range{f.Shoff, n * f.Shentsize})
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.FileBacked() && s.Size > 0 {
			covered = append(covered, Range{s.Offset, s.Size})
		}
	}
	slices.SortFunc(covered, func(a, b Range) int { return cmp.Compare(a.Offset, b.Offset) })

	var gaps []Range
	pos := int64(0)
	for _, c := range covered {
		if c.Offset > pos {
			gaps = append(gaps, Range{pos, c.Offset - pos})
		}
		pos = max(pos, c.Offset+c.Length)
	}
	if pos < f.Size {
		gaps = append(gaps, Range{pos, f.Size - pos})
	}
	return gaps
}

// Read parses the headers of the ELF object held in the first size bytes of r.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var ident [elf.EI_NIDENT]byte
	if size < int64(len(ident)) {
		return nil, malformed("file of %d bytes is too short", size)
	}
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(ident[:], []byte(Magic)) {
		return nil, malformed("bad magic %q", ident[:4])
	}
	f := &File{Size: size, Class: elf.Class(ident[elf.EI_CLASS])}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		f.ByteOrder = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.ByteOrder = binary.BigEndian
	default:
		return nil, malformed("unknown data encoding %d", ident[elf.EI_DATA])
	}
	if v := elf.Version(ident[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, malformed("unknown ELF version %d", v)
	}

	sr := io.NewSectionReader(r, 0, size)
	var (
		phnum, shnum, shstrndx int64
		shentWant, phentWant   int64
	)
	switch f.Class {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(sr, f.ByteOrder, &hdr); err != nil {
			return nil, malformed("truncated header: %v", err)
		}
		f.Type = elf.Type(hdr.Type)
		f.Ehsize = int64(hdr.Ehsize)
		f.Phoff, f.Phentsize, phnum = int64(hdr.Phoff), int64(hdr.Phentsize), int64(hdr.Phnum)
		f.Shoff, f.Shentsize, shnum = int64(hdr.Shoff), int64(hdr.Shentsize), int64(hdr.Shnum)
		shstrndx = int64(hdr.Shstrndx)
		shentWant, phentWant = 40, 32
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(sr, f.ByteOrder, &hdr); err != nil {
			return nil, malformed("truncated header: %v", err)
		}
		f.Type = elf.Type(hdr.Type)
		f.Ehsize = int64(hdr.Ehsize)
		if hdr.Phoff > 1<<62 || hdr.Shoff > 1<<62 {
			return nil, malformed("header table offset out of range")
		}
		f.Phoff, f.Phentsize, phnum = int64(hdr.Phoff), int64(hdr.Phentsize), int64(hdr.Phnum)
		f.Shoff, f.Shentsize, shnum = int64(hdr.Shoff), int64(hdr.Shentsize), int64(hdr.Shnum)
		shstrndx = int64(hdr.Shstrndx)
		shentWant, phentWant = 64, 56
	default:
		return nil, malformed("unknown class %d", ident[elf.EI_CLASS])
	}
	if f.Ehsize == 0 {
		f.Ehsize = 52
		if f.Class == elf.ELFCLASS64 {
			f.Ehsize = 64
		}
	}

	// Extended numbering keeps the real counts in section 0.
	if f.Shoff != 0 && (shnum == 0 || shstrndx == int64(elf.SHN_XINDEX) || phnum == 0xffff) {
		if f.Shentsize != shentWant {
			return nil, malformed("section header entry size %d, want %d", f.Shentsize, shentWant)
		}
		s0, _, link, info, err := f.readSection(r, 0)
		if err != nil {
			return nil, err
		}
		if shnum == 0 {
			shnum = s0.Size
		}
		if shstrndx == int64(elf.SHN_XINDEX) {
			shstrndx = int64(link)
		}
		if phnum == 0xffff {
			phnum = int64(info)
		}
	}

	if phnum > 0 {
		if f.Phentsize != phentWant {
			return nil, malformed("program header entry size %d, want %d", f.Phentsize, phentWant)
		}
		if !within(f.Phoff, phnum*f.Phentsize, size) {
			return nil, malformed("program header table [%d, +%d) past end of file", f.Phoff, phnum*f.Phentsize)
		}
		f.Progs = make([]Prog, phnum)
		for i := range f.Progs {
			p, err := f.readProg(r, int64(i))
			if err != nil {
				return nil, err
			}
			f.Progs[i] = p
		}
	}

	if shnum > 0 {
		if f.Shentsize != shentWant {
			return nil, malformed("section header entry size %d, want %d", f.Shentsize, shentWant)
		}
		if shnum > size/shentWant || !within(f.Shoff, shnum*f.Shentsize, size) {
			return nil, malformed("section header table [%d, +%d entries) past end of file", f.Shoff, shnum)
		}
		if shstrndx >= shnum {
			return nil, malformed("section name table index %d out of range", shstrndx)
		}
		f.Sections = make([]Section, shnum)
		names := make([]uint32, shnum)
		for i := range f.Sections {
			s, name, _, _, err := f.readSection(r, int64(i))
			if err != nil {
				return nil, err
			}
			f.Sections[i], names[i] = s, name
		}
		if err := f.resolveNames(r, names, shstrndx); err != nil {
			return nil, err
		}
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func within(off, n, size int64) bool {
	return off >= 0 && n >= 0 && off <= size && n <= size-off
}

// readSection decodes section header i. The name is returned as an offset
// into the section name table, which may not have been read yet.
func (f *File) readSection(r io.ReaderAt, i int64) (s Section, name, link, info uint32, _ error) {
	off := f.Shoff + i*f.Shentsize
	sr := io.NewSectionReader(r, off, f.Shentsize)
	s.Index = int(i)
	s.HeaderOffset = off
	if f.Class == elf.ELFCLASS64 {
		var sh elf.Section64
		if err := binary.Read(sr, f.ByteOrder, &sh); err != nil {
			return s, 0, 0, 0, malformed("section header %d: %v", i, err)
		}
		if sh.Off > 1<<62 || sh.Size > 1<<62 || sh.Addralign > 1<<62 {
			return s, 0, 0, 0, malformed("section header %d: value out of range", i)
		}
		s.Type, s.Flags = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags)
		s.Offset, s.Size, s.Addralign = int64(sh.Off), int64(sh.Size), int64(sh.Addralign)
		return s, sh.Name, sh.Link, sh.Info, nil
	}
	var sh elf.Section32
	if err := binary.Read(sr, f.ByteOrder, &sh); err != nil {
		return s, 0, 0, 0, malformed("section header %d: %v", i, err)
	}
	s.Type, s.Flags = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags)
	s.Offset, s.Size, s.Addralign = int64(sh.Off), int64(sh.Size), int64(sh.Addralign)
	return s, sh.Name, sh.Link, sh.Info, nil
}

func (f *File) readProg(r io.ReaderAt, i int64) (Prog, error) {
	off := f.Phoff + i*f.Phentsize
	sr := io.NewSectionReader(r, off, f.Phentsize)
	p := Prog{HeaderOffset: off}
	if f.Class == elf.ELFCLASS64 {
		var ph elf.Prog64
		if err := binary.Read(sr, f.ByteOrder, &ph); err != nil {
			return p, malformed("program header %d: %v", i, err)
		}
		if ph.Off > 1<<62 || ph.Filesz > 1<<62 || ph.Align > 1<<62 {
			return p, malformed("program header %d: value out of range", i)
		}
		p.Type = elf.ProgType(ph.Type)
		p.Offset, p.Filesz, p.Align = int64(ph.Off), int64(ph.Filesz), int64(ph.Align)
		return p, nil
	}
	var ph elf.Prog32
	if err := binary.Read(sr, f.ByteOrder, &ph); err != nil {
		return p, malformed("program header %d: %v", i, err)
	}
	p.Type = elf.ProgType(ph.Type)
	p.Offset, p.Filesz, p.Align = int64(ph.Off), int64(ph.Filesz), int64(ph.Align)
	return p, nil
}

func (f *File) resolveNames(r io.ReaderAt, names []uint32, shstrndx int64) error {
	if shstrndx == int64(elf.SHN_UNDEF) {
		return nil
	}
	strtab := &f.Sections[shstrndx]
	if strtab.Type != elf.SHT_STRTAB || !within(strtab.Offset, strtab.Size, f.Size) {
		return malformed("section name table %d is not a string table within the file", shstrndx)
	}
	data := make([]byte, strtab.Size)
	if _, err := r.ReadAt(data, strtab.Offset); err != nil {
		return err
	}
	for i, off := range names {
		if int64(off) >= int64(len(data)) {
			if off == 0 && len(data) == 0 {
				continue
			}
			return malformed("section %d: name offset %d outside name table", i, off)
		}
		name := data[off:]
		end := bytes.IndexByte(name, 0)
		if end < 0 {
			return malformed("section %d: unterminated name", i)
		}
		f.Sections[i].Name = string(name[:end])
	}
	return nil
}

func (f *File) validate() error {
	var backed []*Section
	for i := range f.Sections {
		s := &f.Sections[i]
		if !s.FileBacked() {
			continue
		}
		if !within(s.Offset, s.Size, f.Size) {
			return malformed("section %d %q [%d, +%d) past end of file (%d bytes)",
				s.Index, s.Name, s.Offset, s.Size, f.Size)
		}
		if s.Size > 0 {
			backed = append(backed, s)
		}
	}
	slices.SortFunc(backed, func(a, b *Section) int { return cmp.Compare(a.Offset, b.Offset) })
	for i := 1; i < len(backed); i++ {
		prev, cur := backed[i-1], backed[i]
		if prev.End() > cur.Offset {
			return malformed("sections %q and %q overlap", prev.Name, cur.Name)
		}
	}
	if n := int64(len(f.Sections)); n > 0 {
		tableEnd := f.Shoff + n*f.Shentsize
		for _, s := range backed {
			if s.Offset < tableEnd && f.Shoff < s.End() {
				return malformed("section %q overlaps the section header table", s.Name)
			}
		}
	}
	return nil
}
