// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package container tells archives, ELF objects and everything else apart.
package container

import (
	"bytes"
	"io"

	"github.com/refixer/refix/internal/archive"
	"github.com/refixer/refix/internal/objfile"
)

// Kind is the container format of an artifact.
type Kind int

const (
	Opaque Kind = iota
	Object
	Archive
)

func (k Kind) String() string {
	switch k {
	case Object:
		return "object"
	case Archive:
		return "archive"
	}
	return "opaque"
}

// Classify looks at the magic bytes at the start of r. It never fails:
// short, empty or unreadable inputs are Opaque.
func Classify(r io.ReaderAt) Kind {
	head := make([]byte, len(archive.Magic))
	n, _ := r.ReadAt(head, 0)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte(archive.Magic)):
		return Archive
	case bytes.HasPrefix(head, []byte(objfile.Magic)):
		return Object
	}
	return Opaque
}
