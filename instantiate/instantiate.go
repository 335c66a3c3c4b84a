// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package instantiate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"oxide.build/pkg/sets"
	"oxide.build/pkg/store"
	"oxide.build/pkg/storehash"
	"zombiezen.com/go/log"
)

// Store is the subset of [store.Store] the instantiator needs: the ability
// to ingest an already-serialized derivation buffer, to ingest a local
// filesystem path (for [LocalPath] expressions), and to project store paths
// to their filesystem location. [*store.LocalStore] satisfies this.
type Store interface {
	AddToStoreBuffer(ctx context.Context, r io.Reader, opt store.AddOptions) (storehash.Path, error)
	AddToStore(ctx context.Context, path string, opt store.AddOptions) (storehash.Path, error)
	StorePath(p storehash.Path) string
}

const (
	nameKey      = "name"
	outputsKey   = "outputs"
	fixedHashKey = "fixed_hash"
	systemKey    = "system"
)

// memo is the process-wide cache from a derivation's store path to its
// content hash, guarding the recursive cost of hashing a derivation's
// transitive input derivations over and over. Input-derivation hashes are
// only ever read from it (see hashOfInputDrv): they are not recomputed from
// the stored derivation, so hashing fails for an input derivation that was
// not instantiated earlier in the same process.
var memo sync.Map // map[storehash.Path]storehash.Hash

// BindRes is the result of resolving one expression: the strings it
// contributed (to be space-joined into a single environment value) plus the
// input derivations and input sources it touched along the way.
type BindRes struct {
	Strings []string
	Drvs    map[storehash.Path]sets.Set[string]
	Srcs    sets.Set[storehash.Path]
}

func newBindRes() *BindRes {
	return &BindRes{
		Drvs: make(map[storehash.Path]sets.Set[string]),
		Srcs: make(sets.Set[storehash.Path]),
	}
}

func (b *BindRes) merge(other *BindRes) {
	b.Strings = append(b.Strings, other.Strings...)
	for p, outs := range other.Drvs {
		existing, ok := b.Drvs[p]
		if !ok {
			existing = make(sets.Set[string])
			b.Drvs[p] = existing
		}
		existing.AddSeq(outs.All())
	}
	b.Srcs.AddSeq(other.Srcs.All())
}

// Instantiate materializes drv's underlying [Drv] (at most once) and writes
// its canonical [StoreDrv] into s, returning the on-disk derivation and its
// store path.
func Instantiate(ctx context.Context, s Store, drv *LazyDrv) (*StoreDrv, storehash.Path, error) {
	d, err := drv.Derive()
	if err != nil {
		return nil, "", fmt.Errorf("instantiate: %w", err)
	}
	if err := storehash.ValidateName(d.Name, false); err != nil {
		return nil, "", fmt.Errorf("instantiate %s: %w", d.Name, err)
	}
	outputs := d.outputNames()
	if len(outputs) == 0 {
		return nil, "", fmt.Errorf("instantiate %s: must declare at least one output", d.Name)
	}

	sd := newStoreDrv()
	sd.System = d.System.String()
	sd.FixedHash = d.FixedHash
	sd.Envs[nameKey] = d.Name
	sd.Envs[outputsKey] = strings.Join(outputs, " ")
	if !d.FixedHash.IsZero() {
		sd.Envs[fixedHashKey] = d.FixedHash.String()
	}
	sd.Envs[systemKey] = sd.System

	// Step 3-4: resolve every input expression, collecting envs/input_drvs/input_srcs.
	inputKeys := make([]string, 0, len(d.Inputs))
	for k := range d.Inputs {
		inputKeys = append(inputKeys, k)
	}
	sort.Strings(inputKeys)
	for _, key := range inputKeys {
		res, err := resolveExpr(ctx, s, drv, d.Inputs[key], false)
		if err != nil {
			return nil, "", fmt.Errorf("instantiate %s: input %s: %w", d.Name, key, err)
		}
		sd.Envs[key] = strings.Join(res.Strings, " ")
		mergeInto(sd, res)
	}

	builderRes, err := resolveExpr(ctx, s, drv, d.Builder, false)
	if err != nil {
		return nil, "", fmt.Errorf("instantiate %s: builder: %w", d.Name, err)
	}
	sd.Builder = strings.Join(builderRes.Strings, " ")
	mergeInto(sd, builderRes)

	for i, argExpr := range d.Args {
		res, err := resolveExpr(ctx, s, drv, argExpr, false)
		if err != nil {
			return nil, "", fmt.Errorf("instantiate %s: arg %d: %w", d.Name, i, err)
		}
		sd.Args = append(sd.Args, strings.Join(res.Strings, " "))
		mergeInto(sd, res)
	}

	for _, out := range outputs {
		sd.Envs[out] = ""
	}

	drvHash, err := hashStoreDrv(ctx, s, sd)
	if err != nil {
		return nil, "", fmt.Errorf("instantiate %s: %w", d.Name, err)
	}

	for i, out := range outputs {
		outName := d.Name
		if i != 0 {
			outName = d.Name + "-" + out
		}
		eqClass := makePath(drvHash, outName)
		sd.EqClasses[out] = eqClass
		sd.Envs[out] = s.StorePath(eqClass)
	}

	data, err := sd.MarshalTOML()
	if err != nil {
		return nil, "", fmt.Errorf("instantiate %s: marshal: %w", d.Name, err)
	}

	refs := make(sets.Set[storehash.Path])
	for p := range sd.InputDrvs {
		refs.Add(p)
	}
	refs.AddSeq(sd.InputSrcs.All())

	drvPath, err := s.AddToStoreBuffer(ctx, bytes.NewReader(data), store.AddOptions{
		Name: d.Name + ".drv",
		Algo: storehash.SHA512,
		Refs: refs,
	})
	if err != nil {
		return nil, "", fmt.Errorf("instantiate %s: add to store: %w", d.Name, err)
	}
	rememberDrvHash(drvPath, drvHash)
	log.Debugf(ctx, "instantiated %s -> %s", d.Name, drvPath)
	return sd, drvPath, nil
}

func mergeInto(sd *StoreDrv, res *BindRes) {
	for p, outs := range res.Drvs {
		existing, ok := sd.InputDrvs[p]
		if !ok {
			existing = make(sets.Set[string])
			sd.InputDrvs[p] = existing
		}
		existing.AddSeq(outs.All())
	}
	sd.InputSrcs.AddSeq(res.Srcs.All())
}

// resolveExpr implements step 3 of the algorithm: recursively resolving an
// [Expr] to a [BindRes]. inArray reports whether e is nested inside an
// [Array], which controls whether a literal string needs to be
// quote-stringified so embedded spaces survive the eventual space-joining.
func resolveExpr(ctx context.Context, s Store, self *LazyDrv, e Expr, inArray bool) (*BindRes, error) {
	res := newBindRes()
	switch e.kind {
	case exprStr:
		if inArray {
			res.Strings = []string{strconv.Quote(e.str)}
		} else {
			res.Strings = []string{e.str}
		}
	case exprPath:
		p, err := s.AddToStore(ctx, e.path, store.AddOptions{
			Name: filepath.Base(e.path),
			Algo: storehash.SHA512,
		})
		if err != nil {
			return nil, fmt.Errorf("instantiate: ingest %s: %w", e.path, err)
		}
		res.Strings = []string{s.StorePath(p)}
		res.Srcs.Add(p)
	case exprDrv:
		if e.drv == self {
			return nil, fmt.Errorf("instantiate: derivation references itself")
		}
		subDrv, subPath, err := Instantiate(ctx, s, e.drv)
		if err != nil {
			return nil, err
		}
		eqClass, ok := subDrv.EqClasses[e.out]
		if !ok {
			return nil, fmt.Errorf("instantiate: no output named %q", e.out)
		}
		path := s.StorePath(eqClass) + e.suffix
		res.Strings = []string{path}
		res.Drvs[subPath] = sets.New(e.out)
	case exprArray:
		for _, elem := range e.elements {
			sub, err := resolveExpr(ctx, s, self, elem, true)
			if err != nil {
				return nil, err
			}
			res.merge(sub)
		}
		if len(res.Strings) > 0 {
			res.Strings = []string{strings.Join(res.Strings, " ")}
		}
	default:
		return nil, fmt.Errorf("instantiate: unknown expression kind")
	}
	return res, nil
}

// makePath computes StorePath(SHA-512("<algo-text>:<name>"), name), matching
// the source's make_path(h, name) used both for eq-classes and for
// content-addressed store paths elsewhere.
func makePath(h storehash.Hash, name string) storehash.Path {
	digest := storehash.Sum(storehash.SHA512, []byte(h.String()+":"+name))
	return storehash.New(storehash.HashPartOf(digest), name)
}

// hashStoreDrv computes a derivation's content hash. The result is not
// cached here, since a not-yet-written StoreDrv has no store path to key on;
// Instantiate records it in [memo] under the derivation's store path once
// written, and the hashes of sd's input derivations are looked up there.
func hashStoreDrv(ctx context.Context, s Store, sd *StoreDrv) (storehash.Hash, error) {
	if !sd.FixedHash.IsZero() {
		// Step 6, fixed-output case: the hash depends only on fixed_hash and
		// the store directory prefix of an *empty* eq-class placeholder.
		// This is the documented wart (SPEC_FULL.md §9): two fixed-output
		// derivations that differ only in name collide at the hash level.
		placeholder := s.StorePath(storehash.Path(""))
		text := fmt.Sprintf("fixed:out:%s:%s", sd.FixedHash.String(), placeholder)
		return storehash.Sum(storehash.SHA512, []byte(text)), nil
	}

	// Step 6, general case: replace each input_drv key with
	// make_path(hash_drv(that_drv), name_part) so the hash depends on input
	// derivation hashes, not paths, keeping it closure-stable.
	resolved := newStoreDrv()
	*resolved = *sd
	resolved.InputDrvs = make(map[storehash.Path]sets.Set[string], len(sd.InputDrvs))
	for p, outs := range sd.InputDrvs {
		inputHash, err := hashOfInputDrv(ctx, s, p)
		if err != nil {
			return storehash.Hash{}, err
		}
		mappedPath := makePath(inputHash, p.Name())
		resolved.InputDrvs[mappedPath] = outs
	}

	data, err := resolved.MarshalTOML()
	if err != nil {
		return storehash.Hash{}, err
	}
	return storehash.Sum(storehash.SHA512, data), nil
}

func hashOfInputDrv(ctx context.Context, s Store, p storehash.Path) (storehash.Hash, error) {
	if cached, ok := memo.Load(p); ok {
		return cached.(storehash.Hash), nil
	}
	// In this package's architecture, by the time a derivation path appears
	// as an input_drv it was already written by a prior Instantiate call
	// (instantiation happens depth-first), so its hash was already computed
	// and memoized during that call; hashOfInputDrv exists to serve lookups
	// against that memo rather than ever recomputing from disk.
	return storehash.Hash{}, fmt.Errorf("instantiate: no cached hash for input derivation %s", p)
}

func rememberDrvHash(p storehash.Path, h storehash.Hash) {
	memo.Store(p, h)
}
