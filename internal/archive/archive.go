// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package archive reads the member layout of System V / GNU static archives,
// as produced by "ar", without copying member payloads.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/refixer/refix/internal/objfile"
)

// ErrMalformedArchive is returned when a member header cannot be trusted.
var ErrMalformedArchive = errors.New("malformed archive")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedArchive, fmt.Sprintf(format, args...))
}

const (
	// Magic starts every archive; see /usr/include/ar.h.
	Magic = "!<arch>\n"

	headerSize = 60
	sizeField  = 48
	sizeLen    = 10
	fmag       = "`\n"
)

// Kind tells regular members apart from the archive's own bookkeeping.
type Kind int

const (
	Regular Kind = iota
	SymbolTable
	SymbolTable64
	BSDSymbolTable
	LongNames
)

// Member is one archive entry.
type Member struct {
	Name string
	Kind Kind

	// HeaderOffset is where the 60-byte ar_hdr starts.
	HeaderOffset int64
	// Offset and Size delimit the payload, excluding any inline BSD name.
	Offset int64
	Size   int64
	// RawSize is the value stored in ar_size.
	RawSize int64
	// Padded is set when the even-alignment byte after the payload is present.
	Padded bool

	// Object holds the ELF layout if the payload parsed as one.
	// ObjectErr holds the reason it did not, for payloads with ELF magic.
	Object    *objfile.File
	ObjectErr error
}

// End is the offset one past the payload, before any padding byte.
func (m *Member) End() int64 { return m.Offset + m.Size }

// SizeFieldAt is the location of the member's ar_size field.
func (m *Member) SizeFieldAt() int64 { return m.HeaderOffset + sizeField }

// Archive is the parsed member list of an archive.
type Archive struct {
	Size    int64
	Members []Member
}

// SymbolTable returns the archive's symbol table member, or nil.
func (a *Archive) SymbolTable() *Member {
	for i := range a.Members {
		switch a.Members[i].Kind {
		case SymbolTable, SymbolTable64, BSDSymbolTable:
			return &a.Members[i]
		}
	}
	return nil
}

// Read walks the member headers of the archive held in the first size bytes
// of r. Any inconsistency in a header is fatal, since the following member
// boundaries can no longer be located.
func Read(r io.ReaderAt, size int64) (*Archive, error) {
	magic := make([]byte, len(Magic))
	if _, err := r.ReadAt(magic, 0); err != nil || string(magic) != Magic {
		return nil, malformed("missing %q signature", Magic)
	}
	a := &Archive{Size: size}
	var longNames []byte
	pos := int64(len(Magic))
	for pos < size {
		if size-pos < headerSize {
			return nil, malformed("truncated member header at offset %d", pos)
		}
		var hdr [headerSize]byte
		if _, err := r.ReadAt(hdr[:], pos); err != nil {
			return nil, err
		}
		m, err := parseHeader(hdr[:], pos)
		if err != nil {
			return nil, err
		}
		if m.RawSize > size-m.Offset {
			return nil, malformed("member at offset %d: size %d runs past the end of the archive", pos, m.RawSize)
		}
		m.Size = m.RawSize
		if err := resolveName(r, &m, longNames); err != nil {
			return nil, err
		}
		if m.Kind == LongNames {
			longNames = make([]byte, m.Size)
			if _, err := r.ReadAt(longNames, m.Offset); err != nil {
				return nil, err
			}
		}
		if m.Kind == Regular {
			readObject(r, &m)
		}

		pos = m.End()
		if pos%2 == 1 && pos < size {
			m.Padded = true
			pos++
		}
		a.Members = append(a.Members, m)
	}
	return a, nil
}

func parseHeader(hdr []byte, pos int64) (Member, error) {
	m := Member{HeaderOffset: pos, Offset: pos + headerSize}
	if string(hdr[58:60]) != fmag {
		return m, malformed("member at offset %d: bad header terminator %q", pos, hdr[58:60])
	}
	fields := []struct {
		name     string
		from, to int
		base     int
		optional bool
	}{
		{"date", 16, 28, 10, true},
		{"uid", 28, 34, 10, true},
		{"gid", 34, 40, 10, true},
		{"mode", 40, 48, 8, true},
		{"size", sizeField, sizeField + sizeLen, 10, false},
	}
	for _, f := range fields {
		raw := strings.TrimRight(string(hdr[f.from:f.to]), " ")
		if raw == "" {
			if f.optional {
				continue
			}
			return m, malformed("member at offset %d: empty %s field", pos, f.name)
		}
		n, err := parseDigits(raw, f.base)
		if err != nil {
			return m, malformed("member at offset %d: %s field %q: %v", pos, f.name, raw, err)
		}
		if f.name == "size" {
			m.RawSize = n
		}
	}
	for _, c := range hdr[:16] {
		if c < ' ' || c > '~' {
			return m, malformed("member at offset %d: name field %q is not printable ASCII", pos, hdr[:16])
		}
	}
	m.Name = strings.TrimRight(string(hdr[:16]), " ")
	return m, nil
}

// parseDigits is strconv.ParseInt without accepting signs or underscores.
func parseDigits(s string, base int) (int64, error) {
	for _, c := range []byte(s) {
		if c < '0' || c > byte('0'+base-1) {
			return 0, fmt.Errorf("not a base-%d number", base)
		}
	}
	return strconv.ParseInt(s, base, 64)
}

func resolveName(r io.ReaderAt, m *Member, longNames []byte) error {
	name := m.Name
	switch {
	case name == "/":
		m.Kind = SymbolTable
	case name == "/SYM64/":
		m.Kind = SymbolTable64
	case name == "//":
		m.Kind = LongNames
	case strings.HasPrefix(name, "#1/"):
		n, err := parseDigits(name[3:], 10)
		if err != nil || n > m.Size {
			return malformed("member at offset %d: bad inline name length %q", m.HeaderOffset, name)
		}
		inline := make([]byte, n)
		if _, err := r.ReadAt(inline, m.Offset); err != nil {
			return err
		}
		m.Name = string(bytes.TrimRight(inline, "\x00"))
		m.Offset += n
		m.Size -= n
	case len(name) > 1 && name[0] == '/':
		off, err := parseDigits(name[1:], 10)
		if err != nil {
			return malformed("member at offset %d: bad long name reference %q", m.HeaderOffset, name)
		}
		if longNames == nil || off >= int64(len(longNames)) {
			return malformed("member at offset %d: long name reference %q outside the name table", m.HeaderOffset, name)
		}
		entry := longNames[off:]
		if i := bytes.IndexByte(entry, '\n'); i >= 0 {
			entry = entry[:i]
		}
		m.Name = strings.TrimSuffix(string(entry), "/")
	default:
		m.Name = strings.TrimSuffix(name, "/")
	}
	if strings.HasPrefix(m.Name, "__.SYMDEF") {
		m.Kind = BSDSymbolTable
	}
	return nil
}

func readObject(r io.ReaderAt, m *Member) {
	var magic [len(objfile.Magic)]byte
	if m.Size < int64(len(magic)) {
		return
	}
	if _, err := r.ReadAt(magic[:], m.Offset); err != nil || string(magic[:]) != objfile.Magic {
		return
	}
	m.Object, m.ObjectErr = objfile.Read(io.NewSectionReader(r, m.Offset, m.Size), m.Size)
}

// SymbolRef is one member offset stored in a GNU symbol table.
type SymbolRef struct {
	// At is the absolute offset of the stored value.
	At int64
	// Value is the header offset of the member defining the symbol.
	Value int64
}

// SymbolRefs decodes the member offsets of a GNU "/" or "/SYM64/" table.
func SymbolRefs(r io.ReaderAt, m *Member) ([]SymbolRef, error) {
	word := int64(4)
	if m.Kind == SymbolTable64 {
		word = 8
	} else if m.Kind != SymbolTable {
		return nil, fmt.Errorf("member %q is not a GNU symbol table", m.Name)
	}
	data := make([]byte, m.Size)
	if _, err := r.ReadAt(data, m.Offset); err != nil {
		return nil, err
	}
	get := func(i int64) int64 {
		if word == 8 {
			return int64(binary.BigEndian.Uint64(data[i:]))
		}
		return int64(binary.BigEndian.Uint32(data[i:]))
	}
	if int64(len(data)) < word {
		return nil, malformed("symbol table of %d bytes is too short", len(data))
	}
	count := get(0)
	if count < 0 || count > (int64(len(data))-word)/word {
		return nil, malformed("symbol table claims %d entries in %d bytes", count, len(data))
	}
	refs := make([]SymbolRef, count)
	for i := range refs {
		at := word * int64(1+i)
		refs[i] = SymbolRef{At: m.Offset + at, Value: get(at)}
	}
	return refs, nil
}

// SymbolWord is the width of the offsets stored in a symbol table member.
func SymbolWord(m *Member) int64 {
	if m.Kind == SymbolTable64 {
		return 8
	}
	return 4
}

// FormatSize renders n as an ar_size field, or fails if it does not fit.
func FormatSize(n int64) ([]byte, error) {
	s := strconv.FormatInt(n, 10)
	if n < 0 || len(s) > sizeLen {
		return nil, fmt.Errorf("member size %d does not fit in %d digits", n, sizeLen)
	}
	return []byte(fmt.Sprintf("%-*s", sizeLen, s)), nil
}
