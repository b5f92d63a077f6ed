// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

package main

import (
	"bytes"
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/refixer/refix/internal/elftest"
	"github.com/refixer/refix/internal/refix"
)

var (
	benchOld = []byte("/PLACEHOLDER/build/dir/xxxxxxxx")
	benchNew = []byte("/home/builder/src/project/cache")
)

// benchArtifact is an object with a large code section and small debug
// sections, which is the usual shape of a static library member.
func benchArtifact() []byte {
	code := bytes.Repeat([]byte("\x48\x89\xe5\x90"), 8<<20)
	strs := bytes.Repeat(append(append([]byte{}, benchOld...), "/file.c\x00"...), 2000)
	return elftest.Object{Sections: []elftest.Section{
		{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: code},
		{Name: ".rodata.str1.1", Flags: elf.SHF_ALLOC, Data: strs[:len(strs)/4]},
		{Name: ".debug_str", Data: strs},
		{Name: ".debug_line", Data: strs[:len(strs)/2]},
	}}.Bytes()
}

// BenchmarkRun measures a full run, which opens the artifact, parses its
// headers, and scans only the sections which may hold paths.
// Each iteration swaps the tokens, so the file always has work to do.
func BenchmarkRun(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.o")
	data := benchArtifact()
	qt.Assert(b, qt.IsNil(os.WriteFile(path, data, 0o666)))
	b.SetBytes(int64(len(data)))

	var scanned int64
	b.ResetTimer()
	for i := range b.N {
		from, to := benchOld, benchNew
		if i%2 == 1 {
			from, to = to, from
		}
		rep, err := refix.Run(context.Background(), refix.Options{Path: path, Old: from, New: to})
		qt.Assert(b, qt.IsNil(err))
		qt.Assert(b, qt.Equals(rep.Replaced, 3500))
		scanned += rep.Scanned
	}
	b.ReportMetric(float64(scanned)/float64(b.N), "scanned-B/op")
}

// BenchmarkReplaceAll is the naive baseline: read the whole file,
// replace every occurrence, and write it back.
func BenchmarkReplaceAll(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.o")
	data := benchArtifact()
	qt.Assert(b, qt.IsNil(os.WriteFile(path, data, 0o666)))
	b.SetBytes(int64(len(data)))

	b.ResetTimer()
	for i := range b.N {
		from, to := benchOld, benchNew
		if i%2 == 1 {
			from, to = to, from
		}
		data, err := os.ReadFile(path)
		qt.Assert(b, qt.IsNil(err))
		data = bytes.ReplaceAll(data, from, to)
		qt.Assert(b, qt.IsNil(os.WriteFile(path, data, 0o666)))
	}
}
