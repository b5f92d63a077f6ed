// Copyright (c) 2026, The Refix Authors.
// See LICENSE for licensing information.

package refix

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rogpeppe/go-internal/robustio"
)

// Artifact is an open, writable artifact file, held exclusively for the
// duration of a run.
//
// When staged, all writes go to a copy next to the original, which replaces
// it on Commit. Otherwise the original is modified in place.
type Artifact struct {
	Path string

	file *os.File
	size int64
	lock *flock.Flock

	staged    string // path of the staging copy, if any
	committed bool
}

// OpenArtifact opens path for reading and writing and takes an advisory
// lock on it. A lock held by another process is an error, not a wait.
func OpenArtifact(path string, stage bool) (*Artifact, error) {
	// Open before locking: flock would create a missing file.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	a := &Artifact{Path: path, file: f, lock: flock.New(path)}
	locked, err := a.lock.TryLock()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot lock %s: %v", path, err)
	}
	if !locked {
		f.Close()
		return nil, fmt.Errorf("%s is locked by another process", path)
	}
	if stage {
		if err := a.stage(); err != nil {
			a.Close()
			return nil, err
		}
	}
	info, err := a.file.Stat()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.size = info.Size()
	return a, nil
}

// stage swaps the open file for a copy in the same directory,
// so that the final rename stays within one filesystem.
func (a *Artifact) stage() error {
	startTime := time.Now()
	info, err := a.file.Stat()
	if err != nil {
		return err
	}
	dir, base := filepath.Dir(a.Path), filepath.Base(a.Path)
	tmp, err := os.CreateTemp(dir, "."+base+".refix-*")
	if err != nil {
		return err
	}
	if err := copyFile(tmp, a.file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	a.file.Close()
	a.file, a.staged = tmp, tmp.Name()
	log.Printf("staged %s as %s in %s", a.Path, a.staged, debugSince(startTime))
	return nil
}

func copyFile(dst *os.File, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

// Name is the path of the file being written, which differs from Path
// while staging.
func (a *Artifact) Name() string { return a.file.Name() }

// Size is the current file size.
func (a *Artifact) Size() int64 { return a.size }

// Commit flushes all writes and, when staging, moves the copy over the
// original path.
func (a *Artifact) Commit() error {
	if err := a.file.Sync(); err != nil {
		return err
	}
	if a.staged == "" {
		a.committed = true
		return nil
	}
	if err := a.file.Close(); err != nil {
		return err
	}
	a.file = nil
	if err := robustio.Rename(a.staged, a.Path); err != nil {
		return err
	}
	a.committed = true
	return nil
}

// Close releases the file and the lock. An uncommitted staging copy
// is removed, leaving the original untouched.
func (a *Artifact) Close() error {
	var err error
	if a.file != nil {
		err = a.file.Close()
		a.file = nil
	}
	if a.staged != "" && !a.committed {
		os.Remove(a.staged)
	}
	if err2 := a.lock.Unlock(); err == nil {
		err = err2
	}
	return err
}
