// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package patch writes replacement bytes into files.
//
// Apply is the common path: equal-length overwrites that never move
// any other byte. Splice moves the tail of a file and is only meant
// for explicit section overrides.
package patch

import (
	"fmt"
	"io"
	"iter"
)

// Apply writes repl at every offset yielded by offsets and returns how many
// were written. It stops at the first error, either from the sequence or
// from a write; earlier writes stay in place.
func Apply(w io.WriterAt, offsets iter.Seq2[int64, error], repl []byte) (int, error) {
	n := 0
	for off, err := range offsets {
		if err != nil {
			return n, err
		}
		if _, err := w.WriteAt(repl, off); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// File is what Splice needs from an *os.File.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}

// chunkSize bounds the memory used to move a file's tail.
const chunkSize = 1 << 20

// Splice replaces the oldLen bytes at offset at with content, moving every
// following byte by len(content)-oldLen. size is the current file size;
// the new size is returned.
//
// Growing copies the tail backwards and shrinking copies it forwards,
// so no chunk is overwritten before it has been read.
func Splice(f File, size, at, oldLen int64, content []byte) (int64, error) {
	tail := at + oldLen
	if at < 0 || oldLen < 0 || tail > size {
		return size, fmt.Errorf("splice [%d, +%d) outside file of %d bytes", at, oldLen, size)
	}
	delta := int64(len(content)) - oldLen
	if delta != 0 {
		if err := moveTail(f, tail, size, delta); err != nil {
			return size, err
		}
	}
	if _, err := f.WriteAt(content, at); err != nil {
		return size, err
	}
	if delta < 0 {
		if err := f.Truncate(size + delta); err != nil {
			return size, err
		}
	}
	return size + delta, nil
}

func moveTail(f File, from, size, delta int64) error {
	buf := make([]byte, min(chunkSize, size-from))
	copyChunk := func(start, n int64) error {
		chunk := buf[:n]
		if m, err := f.ReadAt(chunk, start); int64(m) < n {
			return fmt.Errorf("reading [%d, +%d): %w", start, n, err)
		}
		_, err := f.WriteAt(chunk, start+delta)
		return err
	}
	if delta > 0 {
		for end := size; end > from; {
			start := max(from, end-int64(len(buf)))
			if err := copyChunk(start, end-start); err != nil {
				return err
			}
			end = start
		}
		return nil
	}
	for start := from; start < size; {
		n := min(int64(len(buf)), size-start)
		if err := copyChunk(start, n); err != nil {
			return err
		}
		start += n
	}
	return nil
}
