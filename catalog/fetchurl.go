// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"path"

	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/storehash"
)

// FetchURLOptions configures a [FetchURL] recipe.
type FetchURLOptions struct {
	// Name overrides the derivation's name, defaulting to the URL's final
	// path segment.
	Name string
	// Unpack requests that the fetched archive be unpacked rather than
	// ingested verbatim (unimplemented by the fetchurl builtin; see
	// SPEC_FULL.md §4.H).
	Unpack bool
	// Executable marks the fetched file executable.
	Executable bool
}

// FetchURL wraps the `builtin:fetchurl` builder contract as an ordinary
// [instantiate.LazyDrv]-returning recipe: a fixed-output derivation whose
// single "out" is expected to hash to hash.
func FetchURL(url string, hash storehash.Hash, opts FetchURLOptions) *instantiate.LazyDrv {
	name := opts.Name
	if name == "" {
		name = path.Base(url)
	}
	b := NewDrv(name).
		FixedHash(hash).
		Builder(instantiate.Str("builtin:fetchurl")).
		Input("url", instantiate.Str(url))
	if opts.Unpack {
		b.Input("unpack", instantiate.Str("1"))
	}
	if opts.Executable {
		b.Input("executable", instantiate.Str("1"))
	}
	return b.Build()
}
