// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

package main

import (
	"bytes"
	"cmp"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/refixer/refix/internal/refix"
)

var flagSet = flag.NewFlagSet("refix", flag.ContinueOnError)

var (
	flagDebug    bool
	flagVerbose  bool
	flagStage    bool
	flagJobs     int
	flagSections string
)

func init() {
	flagSet.Usage = usage
	flagSet.BoolVar(&flagDebug, "debug", false, "Print debug logs to stderr")
	flagSet.BoolVar(&flagVerbose, "v", false, "Print a summary of what was patched")
	flagSet.BoolVar(&flagStage, "stage", false, "Patch a copy and atomically rename it over the artifact")
	flagSet.IntVar(&flagJobs, "jobs", 0, "Number of regions to scan concurrently; defaults to GOMAXPROCS")
	flagSet.StringVar(&flagSections, "sections",
		cmp.Or(os.Getenv("REFIX_SECTIONS"), refix.DefaultSections),
		`Comma-separated globs of the sections to scan, or "all"`)
}

func usage() {
	fmt.Fprint(os.Stderr, `
Refix replaces a placeholder build directory in compiled artifacts.

	refix [refix flags] artifact old-token new-token [--section name file]...
	refix version

The artifact may be an ELF object or executable, a static archive of ELF
objects, or any other file, which is then scanned as a whole. Both tokens
must have the same length in bytes; the file is patched in place.

Each --section replaces the whole contents of the named section with the
contents of file, resizing the section if needed. Within archives, use
"member:section" when more than one member has the section.

refix accepts the following flags:

`[1:])
	flagSet.PrintDefaults()
	fmt.Fprint(os.Stderr, `
The REFIX_SECTIONS environment variable sets the default for -sections.
`[1:])
}

// parseArgs turns the arguments left after the flags into run options
// and the requested section overrides as name and file pairs.
// The --section flag takes two values, which package flag cannot express,
// so it is pulled out of the arguments by hand.
func parseArgs(args []string) (refix.Options, [][2]string, error) {
	opts := refix.Options{
		Scope: refix.Scope(flagSections),
		Jobs:  flagJobs,
		Stage: flagStage,
	}
	positional, sections, err := splitSectionArgs(args)
	if err != nil {
		return opts, nil, err
	}
	if len(positional) != 3 {
		return opts, nil, fmt.Errorf("expected 3 arguments, got %d", len(positional))
	}
	opts.Path = positional[0]
	opts.Old, opts.New = []byte(positional[1]), []byte(positional[2])
	return opts, sections, nil
}

// readOverrides loads the content file of each requested section override.
func readOverrides(sections [][2]string) ([]refix.SectionOverride, error) {
	var list []refix.SectionOverride
	for _, s := range sections {
		content, err := os.ReadFile(s[1])
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", s[0], err)
		}
		list = append(list, refix.SectionOverride{Section: s[0], Content: content})
	}
	return list, nil
}

// splitSectionArgs separates "--section name file" triples, also accepted as
// "-section" or "--section=name file", from the positional arguments.
// A "--" argument ends flag parsing.
func splitSectionArgs(args []string) (positional []string, sections [][2]string, _ error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(positional, args[i+1:]...), sections, nil
		}
		if strings.HasPrefix(arg, "--") {
			arg = arg[1:] // "--name" to "-name"; keep the short form
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if name != "-section" {
			positional = append(positional, args[i])
			continue
		}
		if !hasValue {
			if i++; i >= len(args) {
				return nil, nil, fmt.Errorf("-section needs a section name and a file")
			}
			value = args[i]
		}
		if i++; i >= len(args) {
			return nil, nil, fmt.Errorf("-section %s needs a file", value)
		}
		if value == "" {
			return nil, nil, fmt.Errorf("-section needs a non-empty section name")
		}
		sections = append(sections, [2]string{value, args[i]})
	}
	return positional, sections, nil
}

// uniqueLineWriter sits underneath log.SetOutput to deduplicate log lines.
// We log bits of useful information for debugging,
// and logging the same detail twice is not going to help the user.
type uniqueLineWriter struct {
	out  io.Writer
	seen map[string]bool
}

func (w *uniqueLineWriter) Write(p []byte) (n int, err error) {
	if !flagDebug {
		panic("unexpected use of uniqueLineWriter with -debug unset")
	}
	if bytes.Count(p, []byte("\n")) != 1 {
		return 0, fmt.Errorf("log write wasn't just one line: %q", p)
	}
	if w.seen[string(p)] {
		return len(p), nil
	}
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	w.seen[string(p)] = true
	return w.out.Write(p)
}
