// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"testing"

	"oxide.build/pkg/storehash"
)

func TestRewriteString(t *testing.T) {
	oldHP := storehash.HashPartOf(storehash.Sum(storehash.SHA256, []byte("old")))
	newHP := storehash.HashPartOf(storehash.Sum(storehash.SHA256, []byte("new")))
	s := "builder arg /store/" + string(oldHP) + "-dep/bin/tool"

	got, err := rewriteString(s, map[storehash.HashPart]storehash.HashPart{oldHP: newHP})
	if err != nil {
		t.Fatal(err)
	}
	want := "builder arg /store/" + string(newHP) + "-dep/bin/tool"
	if got != want {
		t.Errorf("rewriteString() = %q, want %q", got, want)
	}
}

func TestRewriteStringNoMappings(t *testing.T) {
	s := "unchanged string"
	got, err := rewriteString(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Errorf("rewriteString() = %q, want %q", got, s)
	}
}

func TestRewriteStringNoMatch(t *testing.T) {
	oldHP := storehash.HashPartOf(storehash.Sum(storehash.SHA256, []byte("old")))
	newHP := storehash.HashPartOf(storehash.Sum(storehash.SHA256, []byte("new")))
	s := "no hash parts here"
	got, err := rewriteString(s, map[storehash.HashPart]storehash.HashPart{oldHP: newHP})
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Errorf("rewriteString() = %q, want %q", got, s)
	}
}
