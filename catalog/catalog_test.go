// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import "testing"

func TestLookupKnownRecipe(t *testing.T) {
	for _, name := range []string{"stdenv", "hello"} {
		lazy, err := Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
			continue
		}
		if lazy == nil {
			t.Errorf("Lookup(%q) returned a nil LazyDrv", name)
		}
	}
}

func TestLookupUnknownRecipe(t *testing.T) {
	if _, err := Lookup("does-not-exist"); err == nil {
		t.Error("Lookup of an unknown recipe succeeded, want error")
	}
}

func TestStdenvIsShared(t *testing.T) {
	a := Stdenv()
	b := Stdenv()
	if a != b {
		t.Error("Stdenv() returned distinct LazyDrv cells across calls, want a shared singleton")
	}
}

func TestHelloHasSrcInput(t *testing.T) {
	drv, err := Hello().Derive()
	if err != nil {
		t.Fatal(err)
	}
	if drv.Name == "" {
		t.Error("hello recipe has no name")
	}
	if _, ok := drv.Inputs["src"]; !ok {
		t.Error("hello recipe has no src input")
	}
}
