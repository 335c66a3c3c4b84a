// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"bytes"
	"io"

	"oxide.build/pkg/scan"
	"oxide.build/pkg/storehash"
)

// byteWriterAt adapts a fixed-size []byte to [io.WriterAt], letting
// [scan.ScanAt]'s rewrite mode mutate an in-memory string in place the same
// way it mutates a file: every rewrite target has the same width as its
// replacement, so the buffer never needs to grow or shrink.
type byteWriterAt struct {
	buf []byte
}

func (w *byteWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(w.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(w.buf[off:], p), nil
}

// rewriteString applies mappings's rewrite targets to s and returns the
// result, matching the store derivation's builder/args/envs placeholder
// substitution (SPEC_FULL.md §4.F step 5) without going through a file.
func rewriteString(s string, mappings map[storehash.HashPart]storehash.HashPart) (string, error) {
	if len(mappings) == 0 {
		return s, nil
	}
	buf := []byte(s)
	w := &byteWriterAt{buf: buf}
	if _, err := scan.ScanAt(bytes.NewReader(buf), w, scan.Rewrite, scan.Targets{Rewrites: mappings}); err != nil {
		return "", err
	}
	return string(buf), nil
}
