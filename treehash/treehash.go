// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package treehash implements the modulo-hashing engine: computing a content
// hash of a file tree that is stable under self-reference, by zeroing
// occurrences of the tree's own (not yet final) hash-part before hashing,
// then separately mixing in the offsets where those occurrences happened.
package treehash

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"oxide.build/pkg/scan"
	"oxide.build/pkg/storehash"
)

// Permission codes, preserved bit-for-bit from the originating
// implementation because they participate in the directory hash.
const (
	permDirectory = 0o100755
	permFile      = 0o100644
	permExecFile  = 0o100644
	permSymlink   = 0o100644
)

// framingMarker is mixed into a file's hash after its content, and again
// before each self-hash offset, so that the hash depends on *where*
// self-references occurred without depending on the (not yet known) value
// that will eventually replace them.
var framingMarker = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ErrUnknownFileType is returned when a tree contains (or is rooted at) a
// file that is neither a regular file, directory, nor symlink.
var ErrUnknownFileType = fmt.Errorf("unknown file type")

// Options configures a tree-hash pass.
type Options struct {
	Algo storehash.Algo
	// Rewrites maps an old hash-part (e.g. an input's eq-class) to a new
	// one; any matching occurrence found while scanning a file is
	// overwritten in place, mutating the file on disk.
	Rewrites map[storehash.HashPart]storehash.HashPart
	// SelfHash, if set, is the tree's own not-yet-final hash-part; any
	// occurrence is zeroed (in memory only, for hashing purposes) and its
	// offset recorded via the framing marker.
	SelfHash storehash.HashPart
}

// Hash walks the file tree rooted at path and returns its modulo hash under
// opts. path must name a regular file, directory, or symlink; anything else
// is [ErrUnknownFileType].
func Hash(path string, opts Options) (storehash.Hash, error) {
	h := storehash.NewHasher(opts.Algo)
	info, err := os.Lstat(path)
	if err != nil {
		return storehash.Hash{}, fmt.Errorf("tree hash %s: %w", path, err)
	}
	if err := hashEntry(h, path, info, opts); err != nil {
		return storehash.Hash{}, fmt.Errorf("tree hash %s: %w", path, err)
	}
	return h.SumHash(), nil
}

func hashEntry(h *storehash.Hasher, path string, info fs.FileInfo, opts Options) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return hashSymlink(h, path)
	case info.Mode().IsDir():
		return hashDir(h, path, opts)
	case info.Mode().IsRegular():
		return hashFile(h, path, opts)
	default:
		return ErrUnknownFileType
	}
}

func hashSymlink(h *storehash.Hasher, path string) error {
	target, err := os.Readlink(path)
	if err != nil {
		return err
	}
	h.WriteString(target)
	return nil
}

func hashFile(h *storehash.Hasher, path string, opts Options) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	readOnly := false
	if err != nil {
		// Fall back to read-only: rewriting isn't possible, but hashing
		// (e.g. for verification of a fixed-output result) still is.
		f, err = os.Open(path)
		if err != nil {
			return err
		}
		readOnly = true
	}
	defer f.Close()

	targets := scan.Targets{Rewrites: opts.Rewrites, SelfHash: opts.SelfHash}
	mode := scan.Zero
	if !readOnly && len(opts.Rewrites) > 0 {
		mode = scan.Rewrite
	}
	// ScanFile mutates rewrite targets on disk (if writable) and zeroes
	// self-hash occurrences only in the in-memory chunk it streams to h, so
	// a self-hash is never written back to the file — only mixed into the
	// hash by offset, via the framing marker below.
	res, err := scan.ScanFile(f, mode, h, targets)
	if err != nil {
		return err
	}

	h.Write(framingMarker[:])
	sort.Slice(res.SelfHashOffset, func(i, j int) bool { return res.SelfHashOffset[i] < res.SelfHashOffset[j] })
	for _, off := range res.SelfHashOffset {
		h.Write(framingMarker[:])
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], uint64(off))
		h.Write(be[:])
	}
	return nil
}

func hashDir(h *storehash.Hasher, path string, opts Options) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return err
		}
		childPath := filepath.Join(path, entry.Name())
		perm, ok := permissionCode(info)
		if !ok {
			continue
		}

		childHasher := storehash.NewHasher(opts.Algo)
		if err := hashEntry(childHasher, childPath, info, opts); err != nil {
			return err
		}
		childHash := childHasher.SumHash()

		writeU64BE(h, uint64(perm))
		writeU64BE(h, uint64(len(entry.Name())))
		h.WriteString(entry.Name())
		writeU64BE(h, uint64(len(childHash.Digest())))
		h.Write(childHash.Digest())
	}
	return nil
}

func permissionCode(info fs.FileInfo) (int, bool) {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return permSymlink, true
	case info.Mode().IsDir():
		return permDirectory, true
	case info.Mode().IsRegular():
		if info.Mode().Perm()&0o111 != 0 {
			return permExecFile, true
		}
		return permFile, true
	default:
		return 0, false
	}
}

func writeU64BE(h *storehash.Hasher, v uint64) {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], v)
	h.Write(be[:])
}
