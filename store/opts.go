// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package store implements the content-addressed local store: ingestion
// (add_to_store / add_to_store_buff), derivation lookup, realisation
// trust queries, and the SQLite-backed metadata that ties store objects and
// realisations together.
package store

import (
	"oxide.build/pkg/sets"
	"oxide.build/pkg/storehash"
)

// AddOptions controls how [LocalStore.AddToStore] and
// [LocalStore.AddToStoreBuffer] compute a tree's content hash and what
// metadata gets registered alongside it.
type AddOptions struct {
	Name string
	Algo storehash.Algo

	// Rewrites maps an old hash-part to a new one; every occurrence found
	// while walking the tree is rewritten on disk as part of hashing.
	Rewrites map[storehash.HashPart]storehash.HashPart

	// SelfHash, if non-empty, is the not-yet-final hash-part of the object
	// being added (typically a temp path's hash-part); occurrences are
	// zeroed for hashing purposes and mixed back in by offset.
	SelfHash storehash.HashPart

	// Refs is the declared set of store paths this object references.
	// After rewriting, any ref whose old hash-part appears in Rewrites is
	// updated to the corresponding new hash-part before being registered.
	Refs sets.Set[storehash.Path]

	// EqClass and EqRefs, if EqClass is non-empty, register a realisation
	// for (EqClass, Out) once the object is added, with EqRefs as the
	// subset of Refs to record as the realisation's own references.
	EqClass storehash.Path
	Out     string
	EqRefs  sets.Set[storehash.Path]

	// Force, if true, skips the "already known in metadata" short-circuit
	// and re-ingests the tree even if a store object is already registered
	// at the computed path.
	Force bool
}
