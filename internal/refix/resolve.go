// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

package refix

import (
	"debug/elf"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/mod/module"

	"github.com/refixer/refix/internal/archive"
	"github.com/refixer/refix/internal/container"
	"github.com/refixer/refix/internal/objfile"
	"github.com/refixer/refix/internal/override"
)

// DefaultSections lists the sections which can hold a build directory:
// string literals such as __FILE__, DWARF line and string tables,
// and symbol name tables.
const DefaultSections = ".rodata*,.debug_*,.strtab,.dynstr"

// AllSections makes a Scope include every section, code included,
// plus the bytes not covered by any section.
const AllSections = "all"

// Scope decides which sections of an object are scanned.
// Patterns are comma-separated globs, as in GOPRIVATE.
type Scope string

func (sc Scope) all() bool { return sc == AllSections }

func (sc Scope) includes(s *objfile.Section) bool {
	if !s.FileBacked() || s.Size == 0 {
		return false
	}
	if sc.all() {
		return true
	}
	if s.Code() {
		return false
	}
	// Compressed payloads can't hold the token verbatim.
	if s.Flags&elf.SHF_COMPRESSED != 0 {
		return false
	}
	return module.MatchPrefixPatterns(string(sc), s.Name)
}

// Region is a byte range of the artifact to scan.
type Region struct {
	Name   string
	Offset int64
	Length int64
	Code   bool
}

// resolver turns a classified artifact into regions to scan, and section
// names into override plans. It is picked once, by container kind.
type resolver interface {
	kind() container.Kind
	regions(sc Scope) []Region
	plan(r io.ReaderAt, section string, content []byte) (*override.Plan, error)
}

func resolve(r io.ReaderAt, size int64) (resolver, error) {
	switch container.Classify(r) {
	case container.Archive:
		a, err := archive.Read(r, size)
		if err != nil {
			return nil, err
		}
		return archiveResolver{a}, nil
	case container.Object:
		f, err := objfile.Read(r, size)
		if err != nil {
			return nil, err
		}
		return objectResolver{f}, nil
	}
	return opaqueResolver{size}, nil
}

type objectResolver struct{ f *objfile.File }

func (objectResolver) kind() container.Kind { return container.Object }

func (o objectResolver) regions(sc Scope) []Region {
	return objectRegions(o.f, 0, "", sc)
}

func objectRegions(f *objfile.File, base int64, prefix string, sc Scope) []Region {
	var list []Region
	for i := range f.Sections {
		s := &f.Sections[i]
		if !sc.includes(s) {
			continue
		}
		list = append(list, Region{
			Name:   prefix + s.Name,
			Offset: base + s.Offset,
			Length: s.Size,
			Code:   s.Code(),
		})
	}
	if sc.all() {
		for _, g := range f.Gaps() {
			list = append(list, Region{Offset: base + g.Offset, Length: g.Length})
		}
	}
	return list
}

func (o objectResolver) plan(r io.ReaderAt, name string, content []byte) (*override.Plan, error) {
	s, err := uniqueSection(o.f, name)
	if err != nil {
		return nil, err
	}
	return override.Object(o.f, 0, s, content)
}

func uniqueSection(f *objfile.File, name string) (*objfile.Section, error) {
	switch list := f.SectionsNamed(name); len(list) {
	case 0:
		return nil, fmt.Errorf("%w: %q", override.ErrSectionNotFound, name)
	case 1:
		return list[0], nil
	default:
		return nil, fmt.Errorf("%w: %d sections are named %q", ErrAmbiguousSection, len(list), name)
	}
}

type archiveResolver struct{ a *archive.Archive }

func (archiveResolver) kind() container.Kind { return container.Archive }

func (ar archiveResolver) regions(sc Scope) []Region {
	var list []Region
	for i := range ar.a.Members {
		m := &ar.a.Members[i]
		if m.Kind != archive.Regular || m.Size == 0 {
			continue
		}
		if m.Object != nil {
			list = append(list, objectRegions(m.Object, m.Offset, m.Name+":", sc)...)
			continue
		}
		if m.ObjectErr != nil {
			log.Printf("member %s: scanning as opaque data: %v", m.Name, m.ObjectErr)
		}
		list = append(list, Region{Name: m.Name, Offset: m.Offset, Length: m.Size})
	}
	return list
}

// plan accepts either "member:section" or a bare section name,
// which must then be unique across all members.
// Archives may hold several members of the same name; naming one of
// those is ambiguous too.
func (ar archiveResolver) plan(r io.ReaderAt, name string, content []byte) (*override.Plan, error) {
	if memberName, section, ok := strings.Cut(name, ":"); ok {
		var members []*archive.Member
		for i := range ar.a.Members {
			m := &ar.a.Members[i]
			if m.Kind == archive.Regular && m.Name == memberName {
				members = append(members, m)
			}
		}
		switch len(members) {
		case 0:
			// Not a member name; the colon may be part of the section name.
		case 1:
			m := members[0]
			if m.Object == nil {
				return nil, fmt.Errorf("%w: member %s is not an ELF object", override.ErrSectionNotFound, m.Name)
			}
			s, err := uniqueSection(m.Object, section)
			if err != nil {
				return nil, fmt.Errorf("member %s: %w", m.Name, err)
			}
			return override.Member(r, ar.a, m, s, content)
		default:
			return nil, fmt.Errorf("%w: %d members are named %q", ErrAmbiguousSection, len(members), memberName)
		}
	}

	type candidate struct {
		m *archive.Member
		s *objfile.Section
	}
	var found []candidate
	for i := range ar.a.Members {
		m := &ar.a.Members[i]
		if m.Object == nil {
			continue
		}
		for _, s := range m.Object.SectionsNamed(name) {
			found = append(found, candidate{m, s})
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: no member has a section %q", override.ErrSectionNotFound, name)
	case 1:
		return override.Member(r, ar.a, found[0].m, found[0].s, content)
	}
	return nil, fmt.Errorf("%w: %d members have a section %q; use member:section", ErrAmbiguousSection, len(found), name)
}

type opaqueResolver struct{ size int64 }

func (opaqueResolver) kind() container.Kind { return container.Opaque }

func (o opaqueResolver) regions(Scope) []Region {
	if o.size == 0 {
		return nil
	}
	return []Region{{Offset: 0, Length: o.size}}
}

func (opaqueResolver) plan(_ io.ReaderAt, name string, _ []byte) (*override.Plan, error) {
	return nil, fmt.Errorf("%w: %q: file is neither an ELF object nor an archive", override.ErrSectionNotFound, name)
}
