// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package elftest builds small ELF objects and ar archives for tests,
// so that no C toolchain is needed to exercise the patching code.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Section is one section to lay out. Sections are placed in order,
// each at the next offset satisfying its alignment.
type Section struct {
	Name  string
	Type  elf.SectionType // SHT_PROGBITS if zero
	Flags elf.SectionFlag
	Align uint64 // 1 if zero
	Data  []byte
	Size  uint64 // only used for SHT_NOBITS
}

// Segment is a program header covering the named sections.
type Segment struct {
	Type     elf.ProgType
	Align    uint64
	Sections []string
}

// Object describes an ELF file to build.
type Object struct {
	Class    elf.Class // ELFCLASS64 if zero
	Order    binary.ByteOrder
	Type     elf.Type // ET_REL if zero
	Sections []Section
	Segments []Segment
}

// Placed records where a section ended up.
type Placed struct {
	Offset, Size uint64
}

// Build lays out o and returns the file contents together with the offsets
// chosen for each named section.
func (o Object) Build() ([]byte, map[string]Placed) {
	class := o.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	order := o.Order
	if order == nil {
		order = binary.LittleEndian
	}
	typ := o.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_REL
	}
	is64 := class == elf.ELFCLASS64
	ehsize, phentsize, shentsize, word := uint64(52), uint64(32), uint64(40), uint64(4)
	if is64 {
		ehsize, phentsize, shentsize, word = 64, 56, 64, 8
	}

	shstrtab := []byte{0}
	nameOff := func(name string) uint32 {
		if name == "" {
			return 0
		}
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return off
	}
	sections := append([]Section(nil), o.Sections...)
	names := make([]uint32, len(sections)+1)
	for i, s := range sections {
		names[i] = nameOff(s.Name)
	}
	names[len(sections)] = nameOff(".shstrtab")
	sections = append(sections, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab})

	var buf bytes.Buffer
	buf.Write(make([]byte, ehsize))
	phoff := uint64(0)
	if len(o.Segments) > 0 {
		phoff = uint64(buf.Len())
		buf.Write(make([]byte, phentsize*uint64(len(o.Segments))))
	}
	placed := make(map[string]Placed)
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		align := max(s.Align, 1)
		pad(&buf, align)
		offsets[i] = uint64(buf.Len())
		size := uint64(len(s.Data))
		if s.Type == elf.SHT_NOBITS {
			size = s.Size
		} else {
			buf.Write(s.Data)
		}
		placed[s.Name] = Placed{offsets[i], size}
	}
	pad(&buf, word)
	shoff := uint64(buf.Len())
	shnum := len(sections) + 1

	out := buf.Bytes()
	var sh bytes.Buffer
	put := func(v any) { binary.Write(&sh, order, v) }
	if is64 {
		put(elf.Section64{})
	} else {
		put(elf.Section32{})
	}
	for i, s := range sections {
		st := s.Type
		if st == 0 {
			st = elf.SHT_PROGBITS
		}
		size := placed[s.Name].Size
		if s.Name == ".shstrtab" {
			size = uint64(len(shstrtab))
		}
		if is64 {
			put(elf.Section64{
				Name: names[i], Type: uint32(st), Flags: uint64(s.Flags),
				Off: offsets[i], Size: size, Addralign: max(s.Align, 1),
			})
		} else {
			put(elf.Section32{
				Name: names[i], Type: uint32(st), Flags: uint32(s.Flags),
				Off: uint32(offsets[i]), Size: uint32(size), Addralign: uint32(max(s.Align, 1)),
			})
		}
	}
	out = append(out, sh.Bytes()...)

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(class), 0, byte(elf.EV_CURRENT)}
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if order == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	phnum := uint16(len(o.Segments))
	if is64 {
		binary.Write(&hdr, order, elf.Header64{
			Ident: ident, Type: uint16(typ), Machine: uint16(elf.EM_X86_64), Version: uint32(elf.EV_CURRENT),
			Phoff: phoff, Shoff: shoff, Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: phnum,
			Shentsize: uint16(shentsize), Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
	} else {
		binary.Write(&hdr, order, elf.Header32{
			Ident: ident, Type: uint16(typ), Machine: uint16(elf.EM_386), Version: uint32(elf.EV_CURRENT),
			Phoff: uint32(phoff), Shoff: uint32(shoff), Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: phnum,
			Shentsize: uint16(shentsize), Shnum: uint16(shnum), Shstrndx: uint16(shnum - 1),
		})
	}
	copy(out, hdr.Bytes())

	var ph bytes.Buffer
	for _, seg := range o.Segments {
		var start, end uint64
		for i, name := range seg.Sections {
			p, ok := placed[name]
			if !ok {
				panic(fmt.Sprintf("segment refers to unknown section %q", name))
			}
			if i == 0 || p.Offset < start {
				start = p.Offset
			}
			end = max(end, p.Offset+p.Size)
		}
		if is64 {
			binary.Write(&ph, order, elf.Prog64{
				Type: uint32(seg.Type), Off: start, Vaddr: 0x400000 + start,
				Filesz: end - start, Memsz: end - start, Align: max(seg.Align, 1),
			})
		} else {
			binary.Write(&ph, order, elf.Prog32{
				Type: uint32(seg.Type), Off: uint32(start), Vaddr: uint32(0x8048000 + start),
				Filesz: uint32(end - start), Memsz: uint32(end - start), Align: uint32(max(seg.Align, 1)),
			})
		}
	}
	copy(out[phoff:], ph.Bytes())
	return out, placed
}

// Bytes is like Build, discarding the section placement.
func (o Object) Bytes() []byte {
	b, _ := o.Build()
	return b
}

func pad(buf *bytes.Buffer, align uint64) {
	for uint64(buf.Len())%align != 0 {
		buf.WriteByte(0)
	}
}

// Member is one archive member.
type Member struct {
	Name    string
	Data    []byte
	Symbols []string // symbols defined by this member, for the symbol table
}

// Archive describes an ar archive to build.
type Archive struct {
	Members []Member

	// SymbolTable adds a GNU "/" symbol table listing every member's Symbols.
	SymbolTable bool
	// BSDNames stores every member name inline, as "#1/N".
	BSDNames bool
}

// Bytes lays out the archive the way GNU ar does, with names longer than
// 15 bytes moved to a "//" table unless BSDNames is set.
func (a Archive) Bytes() []byte {
	var longNames bytes.Buffer
	headerNames := make([]string, len(a.Members))
	for i, m := range a.Members {
		switch {
		case a.BSDNames:
			headerNames[i] = "#1/" + strconv.Itoa(len(m.Name))
		case len(m.Name) > 15:
			headerNames[i] = "/" + strconv.Itoa(longNames.Len())
			longNames.WriteString(m.Name + "/\n")
		default:
			headerNames[i] = m.Name + "/"
		}
	}

	var nsyms int
	var symNames bytes.Buffer
	for _, m := range a.Members {
		for _, s := range m.Symbols {
			nsyms++
			symNames.WriteString(s)
			symNames.WriteByte(0)
		}
	}
	symtabSize := 4 + 4*nsyms + symNames.Len()

	pos := int64(len("!<arch>\n"))
	if a.SymbolTable {
		pos += 60 + int64(symtabSize+symtabSize&1)
	}
	if longNames.Len() > 0 {
		pos += 60 + int64(longNames.Len()+longNames.Len()&1)
	}
	memberOffsets := make([]int64, len(a.Members))
	for i, m := range a.Members {
		memberOffsets[i] = pos
		size := len(m.Data)
		if a.BSDNames {
			size += len(m.Name)
		}
		pos += 60 + int64(size+size&1)
	}

	var out bytes.Buffer
	out.WriteString("!<arch>\n")
	if a.SymbolTable {
		data := binary.BigEndian.AppendUint32(nil, uint32(nsyms))
		for i, m := range a.Members {
			for range m.Symbols {
				data = binary.BigEndian.AppendUint32(data, uint32(memberOffsets[i]))
			}
		}
		data = append(data, symNames.Bytes()...)
		writeMember(&out, "/", data)
	}
	if longNames.Len() > 0 {
		writeMember(&out, "//", longNames.Bytes())
	}
	for i, m := range a.Members {
		data := m.Data
		if a.BSDNames {
			data = append([]byte(m.Name), m.Data...)
		}
		writeMember(&out, headerNames[i], data)
	}
	return out.Bytes()
}

func writeMember(out *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(out, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(data))
	out.Write(data)
	if len(data)%2 == 1 {
		out.WriteByte('\n')
	}
}
