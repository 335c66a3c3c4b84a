// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"oxide.build/pkg/scan"
	"oxide.build/pkg/sets"
	"oxide.build/pkg/storehash"
)

// scanTreeForRefs walks every regular file under root in [scan.Detect] mode,
// searching for the hash-part of each path in candidates, and returns the
// subset of candidates whose hash-part was actually found somewhere in the
// tree (step 9 of SPEC_FULL.md §4.F: "scan the produced tree for references
// against (inputs ∪ input_srcs ∪ {self})").
func scanTreeForRefs(root string, candidates sets.Set[storehash.Path]) (sets.Set[storehash.Path], error) {
	targets := scan.Targets{Rewrites: make(map[storehash.HashPart]storehash.HashPart, candidates.Len())}
	byHashPart := make(map[storehash.HashPart]storehash.Path, candidates.Len())
	for p := range candidates.All() {
		targets.Rewrites[p.HashPart()] = p.HashPart()
		byHashPart[p.HashPart()] = p
	}

	found := make(map[storehash.HashPart]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&os.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		defer f.Close()
		res, err := scan.ScanFile(f, scan.Detect, nil, targets)
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		for hp := range res.Found.All() {
			found[storehash.HashPart(hp)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refs := make(sets.Set[storehash.Path], len(found))
	for hp := range found {
		refs.Add(byHashPart[hp])
	}
	return refs, nil
}
