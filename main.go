// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

// Refix replaces a placeholder build directory in compiled artifacts.
//
// Build with a placeholder of the same length as the real path, such as
// -ffile-prefix-map==/PLACEHOLDER..., then run:
//
//	refix libfoo.a /PLACEHOLDER... /home/me/src/foo/
//
// Only sections which can carry file paths are scanned, so this is much
// faster than rewriting the whole file.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/refixer/refix/internal/refix"
)

func main() { os.Exit(main1()) }

func main1() int {
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return 2
	}
	log.SetPrefix("[refix] ")
	log.SetFlags(0)
	if flagDebug {
		log.SetOutput(&uniqueLineWriter{out: os.Stderr})
	} else {
		log.SetOutput(io.Discard)
	}

	args := flagSet.Args()
	if len(args) == 1 && args[0] == "version" {
		printVersion()
		return 0
	}
	opts, sections, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refix: %v\n", err)
		usage()
		return 2
	}
	if opts.Overrides, err = readOverrides(sections); err != nil {
		fmt.Fprintf(os.Stderr, "refix: %s: %v\n", opts.Path, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rep, err := refix.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refix: %s: %v\n", opts.Path, err)
		return 1
	}
	if flagVerbose {
		fmt.Fprintf(os.Stderr, "%s: %s, %d regions, %d bytes scanned, %d replaced, %d sections overridden\n",
			opts.Path, rep.Kind, rep.Regions, rep.Scanned, rep.Replaced, rep.Overrides)
	}
	return 0
}

func printVersion() {
	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Printf("refix %s\n", version)
}
