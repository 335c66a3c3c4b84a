// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"testing"

	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/storehash"
)

func TestDrvBuilderBuild(t *testing.T) {
	h := storehash.Sum(storehash.SHA256, []byte("fixture"))
	lazy := NewDrv("widget").
		Output("out", "dev").
		FixedHash(h).
		Input("url", instantiate.Str("https://example.com/widget.tar.gz")).
		Builder(instantiate.Str("builtin:fetchurl")).
		Arg(instantiate.Str("-x")).
		Build()

	drv, err := lazy.Derive()
	if err != nil {
		t.Fatal(err)
	}
	if drv.Name != "widget" {
		t.Errorf("Name = %q, want widget", drv.Name)
	}
	if len(drv.Outputs) != 2 {
		t.Errorf("len(Outputs) = %d, want 2", len(drv.Outputs))
	}
	if !drv.FixedHash.Equal(h) {
		t.Errorf("FixedHash = %v, want %v", drv.FixedHash, h)
	}
	if len(drv.Args) != 1 {
		t.Errorf("len(Args) = %d, want 1", len(drv.Args))
	}
}

func TestDrvBuilderDerivesOnce(t *testing.T) {
	calls := 0
	lazy := instantiate.New(func() (*instantiate.Drv, error) {
		calls++
		return &instantiate.Drv{Name: "counted"}, nil
	})
	if _, err := lazy.Derive(); err != nil {
		t.Fatal(err)
	}
	if _, err := lazy.Derive(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("underlying recipe function called %d times, want 1", calls)
	}
}
