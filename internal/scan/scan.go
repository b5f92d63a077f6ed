// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package scan finds fixed-length tokens in byte ranges of a file
// without loading the range into memory.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
)

// DefaultWindow is the amount of bytes read per step.
const DefaultWindow = 4 << 20

// Scanner searches for one token. It reuses a single window buffer,
// so it must not be shared between goroutines.
type Scanner struct {
	token []byte
	buf   []byte

	// Read counts the bytes read so far, including the overlap
	// carried between windows.
	Read int64
}

// New returns a Scanner for token reading up to window bytes at a time.
// A window smaller than twice the token is grown to that size.
func New(token []byte, window int) (*Scanner, error) {
	if len(token) == 0 {
		return nil, errors.New("empty search token")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	window = max(window, 2*len(token))
	return &Scanner{token: token, buf: make([]byte, window)}, nil
}

// All yields the offsets of the non-overlapping occurrences of the token
// within [off, off+n) of r, in ascending order. After a match, the search
// resumes right after it, so "aaaa" holds two occurrences of "aa", not three.
//
// Consecutive windows overlap by len(token)-1 bytes, so that matches spanning
// a window boundary are found too. Bytes of a reported match are never read
// again, which makes it safe to overwrite each match as it is yielded.
//
// The context is checked once per window.
func (s *Scanner) All(ctx context.Context, r io.ReaderAt, off, n int64) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		tlen := int64(len(s.token))
		end := off + n
		pos := off
		for end-pos >= tlen {
			if err := ctx.Err(); err != nil {
				yield(0, err)
				return
			}
			w := min(int64(len(s.buf)), end-pos)
			window := s.buf[:w]
			if m, err := r.ReadAt(window, pos); int64(m) < w {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				yield(0, fmt.Errorf("reading [%d, +%d): %w", pos, w, err))
				return
			}
			s.Read += w

			i := 0
			for {
				j := bytes.Index(window[i:], s.token)
				if j < 0 {
					break
				}
				if !yield(pos+int64(i+j), nil) {
					return
				}
				i += j + len(s.token)
			}
			if pos+w == end {
				return
			}
			pos = max(pos+w-(tlen-1), pos+int64(i))
		}
	}
}
