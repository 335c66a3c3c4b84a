// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package scan

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"oxide.build/pkg/storehash"
)

func hashPart(seed byte) storehash.HashPart {
	s := strings.Repeat(string(rune('a'+seed%26)), storehash.HashPartLen)
	hp, err := storehash.ParseHashPart(s)
	if err != nil {
		panic(err)
	}
	return hp
}

func TestScanDetect(t *testing.T) {
	hp := hashPart(0)
	data := "prefix-" + string(hp) + "-suffix"
	res, err := Scan(strings.NewReader(data), Detect, Targets{Rewrites: map[storehash.HashPart]storehash.HashPart{hp: hp}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{string(hp)}, sortedStrings(res.Found)); diff != "" {
		t.Errorf("found hash parts (-want +got):\n%s", diff)
	}
}

func TestScanDetectNoMatch(t *testing.T) {
	res, err := Scan(strings.NewReader("nothing interesting here"), Detect, Targets{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found.Len() != 0 {
		t.Errorf("found %d matches, want 0", res.Found.Len())
	}
}

func TestScanRewrite(t *testing.T) {
	oldHP := hashPart(0)
	newHP := hashPart(1)
	data := []byte("prefix-" + string(oldHP) + "-suffix")

	buf := append([]byte(nil), data...)
	w := &byteWriterAt{buf: buf}
	_, err := ScanAt(bytes.NewReader(buf), w, Rewrite, Targets{Rewrites: map[storehash.HashPart]storehash.HashPart{oldHP: newHP}})
	if err != nil {
		t.Fatal(err)
	}

	want := []byte("prefix-" + string(newHP) + "-suffix")
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("rewritten bytes (-want +got):\n%s", diff)
	}
}

func TestScanZero(t *testing.T) {
	self := hashPart(2)
	data := []byte("prefix-" + string(self) + "-suffix")
	var sink bytes.Buffer
	res, err := ScanInto(bytes.NewReader(data), nil, &sink, Zero, Targets{SelfHash: self})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SelfHashOffset) != 1 {
		t.Fatalf("len(SelfHashOffset) = %d, want 1", len(res.SelfHashOffset))
	}
	if got, want := res.SelfHashOffset[0], int64(len("prefix-")); got != want {
		t.Errorf("SelfHashOffset[0] = %d, want %d", got, want)
	}
	want := append([]byte("prefix-"), make([]byte, storehash.HashPartLen)...)
	want = append(want, []byte("-suffix")...)
	if diff := cmp.Diff(want, sink.Bytes()); diff != "" {
		t.Errorf("sink bytes (-want +got):\n%s", diff)
	}
}

func TestScanAcrossChunkBoundary(t *testing.T) {
	hp := hashPart(3)
	padding := strings.Repeat("x", ChunkSize-10)
	data := padding + string(hp)
	res, err := Scan(strings.NewReader(data), Detect, Targets{Rewrites: map[storehash.HashPart]storehash.HashPart{hp: hp}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{string(hp)}, sortedStrings(res.Found)); diff != "" {
		t.Errorf("found hash parts (-want +got):\n%s", diff)
	}
}

// byteWriterAt is a minimal io.WriterAt over an in-memory slice, mirroring
// the adapter the build engine uses to rewrite placeholders in strings.
type byteWriterAt struct{ buf []byte }

func (w *byteWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return copy(w.buf[off:], p), nil
}
