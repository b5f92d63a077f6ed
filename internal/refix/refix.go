// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Package refix rewrites a fixed-length placeholder path inside compiled
// artifacts, touching only the regions of the file that can contain it.
//
// A run classifies the artifact, resolves the regions to scan (sections of
// an ELF object, sections of every ELF member of an archive, or the whole
// file for anything else), scans them, and overwrites every occurrence with
// an equal-length replacement. Section overrides, if any, run afterwards.
package refix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"

	"github.com/refixer/refix/internal/container"
	"github.com/refixer/refix/internal/patch"
	"github.com/refixer/refix/internal/scan"
)

var (
	// ErrTokenLengthMismatch is returned when the search and replacement
	// tokens differ in length.
	ErrTokenLengthMismatch = errors.New("token length mismatch")
	// ErrAmbiguousSection is returned when an override names more than one
	// section.
	ErrAmbiguousSection = errors.New("ambiguous section name")
)

// SectionOverride replaces the whole payload of one section.
// In archives, Section may be written as "member:section".
type SectionOverride struct {
	Section string
	Content []byte
}

// Options configures a run.
type Options struct {
	Path string

	// Old is replaced by New everywhere within the scanned regions.
	// Both may be empty when only overrides are requested.
	Old, New []byte

	Overrides []SectionOverride

	// Scope selects the scanned sections; DefaultSections if empty.
	Scope Scope
	// Jobs bounds how many regions are scanned at once; GOMAXPROCS if zero.
	Jobs int
	// Window is the scanner's read size; scan.DefaultWindow if zero.
	Window int
	// Stage writes to a copy which replaces the artifact at the end.
	Stage bool
}

// Report summarizes a run.
type Report struct {
	Kind      container.Kind
	Size      int64 // final artifact size
	Regions   int   // regions scanned
	Scanned   int64 // bytes read while scanning
	Replaced  int   // occurrences replaced
	Overrides int   // sections overridden
}

// Run patches the artifact at opts.Path. All header parsing happens before
// the first write; a failure after that point leaves the writes done so far,
// unless opts.Stage is set.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if len(opts.Old) != len(opts.New) {
		return nil, fmt.Errorf("%w: %q has %d bytes but %q has %d bytes",
			ErrTokenLengthMismatch, opts.Old, len(opts.Old), opts.New, len(opts.New))
	}
	if len(opts.Old) == 0 && len(opts.Overrides) == 0 {
		return nil, errors.New("empty search token and no section overrides")
	}
	if opts.Scope == "" {
		opts.Scope = DefaultSections
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.GOMAXPROCS(0)
	}

	a, err := OpenArtifact(opts.Path, opts.Stage)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	startTime := time.Now()
	res, err := resolve(a.file, a.size)
	if err != nil {
		return nil, err
	}
	rep := &Report{Kind: res.kind(), Size: a.size}
	log.Printf("%s is %s, %d bytes", opts.Path, rep.Kind, a.size)

	// Catch unknown or ambiguous names and obvious layout problems
	// before anything is written.
	for _, ov := range opts.Overrides {
		if _, err := res.plan(a.file, ov.Section, ov.Content); err != nil {
			return rep, fmt.Errorf("section %s: %w", ov.Section, err)
		}
	}

	if len(opts.Old) > 0 {
		regions := res.regions(opts.Scope)
		if err := a.replace(ctx, regions, opts, rep); err != nil {
			return rep, err
		}
	}
	for _, ov := range opts.Overrides {
		if err := a.override(ov); err != nil {
			return rep, fmt.Errorf("section %s: %w", ov.Section, err)
		}
		rep.Overrides++
	}
	if err := a.Commit(); err != nil {
		return rep, err
	}
	rep.Size = a.size
	log.Printf("patched %s in %s", opts.Path, debugSince(startTime))
	return rep, nil
}

// replace scans regions concurrently, overwriting matches as they are found.
// Regions never overlap, so each worker writes to its own bytes.
func (a *Artifact) replace(ctx context.Context, regions []Region, opts Options, rep *Report) error {
	var r io.ReaderAt = a.file
	if m, err := mmap.Open(a.Name()); err == nil {
		defer m.Close()
		r = m
	} else {
		log.Printf("cannot map %s, reading it instead: %v", a.Name(), err)
	}

	var scanned, replaced atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for _, reg := range regions {
		if reg.Length == 0 {
			continue
		}
		rep.Regions++
		g.Go(func() error {
			sc, err := scan.New(opts.Old, opts.Window)
			if err != nil {
				return err
			}
			n, err := patch.Apply(a.file, sc.All(ctx, r, reg.Offset, reg.Length), opts.New)
			scanned.Add(sc.Read)
			replaced.Add(int64(n))
			if err != nil {
				return fmt.Errorf("region %s [%d, +%d): %w", reg.Name, reg.Offset, reg.Length, err)
			}
			if n > 0 {
				log.Printf("replaced %d occurrences in %s [%d, +%d)", n, reg.Name, reg.Offset, reg.Length)
			}
			return nil
		})
	}
	err := g.Wait()
	rep.Scanned = scanned.Load()
	rep.Replaced = int(replaced.Load())
	return err
}

// override re-reads the layout, since earlier overrides may have moved it,
// and then applies a single section override.
func (a *Artifact) override(ov SectionOverride) error {
	res, err := resolve(a.file, a.size)
	if err != nil {
		return err
	}
	plan, err := res.plan(a.file, ov.Section, ov.Content)
	if err != nil {
		return err
	}
	size, err := plan.Apply(a.file, a.size)
	a.size = size
	if err != nil {
		return err
	}
	log.Printf("overrode %s with %d bytes; file size changed by %+d", ov.Section, len(ov.Content), plan.Delta)
	return nil
}

// debugSince is like time.Since but resulting in shorter output.
func debugSince(start time.Time) time.Duration {
	return time.Since(start).Truncate(10 * time.Microsecond)
}
