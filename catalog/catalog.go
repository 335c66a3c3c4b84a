// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"fmt"

	"oxide.build/pkg/instantiate"
)

// Packages maps every recipe name this catalog exposes to the function that
// returns its [instantiate.LazyDrv], giving the CLI front end a single
// lookup table for `<catalog>#<pkg-name>` specs (SPEC_FULL.md §4.J).
var Packages = map[string]func() *instantiate.LazyDrv{
	"stdenv": Stdenv,
	"hello":  Hello,
}

// Lookup resolves name to its recipe's [instantiate.LazyDrv].
func Lookup(name string) (*instantiate.LazyDrv, error) {
	fn, ok := Packages[name]
	if !ok {
		return nil, fmt.Errorf("catalog: no recipe named %q", name)
	}
	return fn(), nil
}
