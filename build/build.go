// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package build implements the build engine: recursively resolving a store
// derivation's inputs to concrete realisations, rewriting placeholder
// hashes to real ones, launching the builder, and ingesting its outputs.
package build

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"oxide.build/pkg/builtin"
	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/sandbox"
	"oxide.build/pkg/sets"
	"oxide.build/pkg/store"
	"oxide.build/pkg/storehash"
	"oxide.build/pkg/treehash"
)

// HashMismatchError is returned when a fixed-output derivation's builder
// produced an output whose content hash does not equal the declared
// fixed_hash.
type HashMismatchError struct {
	Expected, Got storehash.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("build: hash mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Engine builds store derivations against a backing store.
type Engine struct {
	Store store.Store

	locks mutexMap[storehash.Path]
}

// New returns an [Engine] backed by s.
func New(s store.Store) *Engine {
	return &Engine{Store: s}
}

// Build realizes the derivation at p, returning a map from output name to
// the concrete store path produced for it, following the nine-step
// algorithm: trust-check short-circuit, recursive input builds, transitive
// input closure, placeholder rewriting, builder dispatch, output
// validation, and final ingestion. Two concurrent calls to Build for the
// same derivation path never run concurrently; the second observes the
// first's result.
func (e *Engine) Build(ctx context.Context, p storehash.Path) (map[string]storehash.Path, error) {
	unlock, err := e.locks.lock(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}
	defer unlock()
	return e.build(ctx, p)
}

func (e *Engine) build(ctx context.Context, p storehash.Path) (map[string]storehash.Path, error) {
	data, err := e.Store.ReadDrv(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}
	sd, err := instantiate.ParseStoreDrv(data)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}

	// Step 2: trust check.
	if outs, ok, err := e.trustedOutputs(ctx, sd); err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	} else if ok {
		log.Debugf(ctx, "build %s: trusted path found for every output", p)
		return outs, nil
	}
	log.Infof(ctx, "building %s", p)

	// Step 3: recursively build input derivations. Independent inputs build
	// concurrently, bounded by GOMAXPROCS; this is a semantically
	// equivalent relaxation of strictly sequential depth-first order (see
	// SPEC_FULL.md §4.F).
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(runtime.GOMAXPROCS(0))
	for inputPath := range sd.InputDrvs {
		inputPath := inputPath
		grp.Go(func() error {
			_, err := e.Build(grpCtx, inputPath)
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}

	// Step 4: transitive closure of input realisations, with panic-on-conflict
	// resolution (documented open question, SPEC_FULL.md §9).
	resolved, err := e.resolvedInputs(ctx, sd)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}

	// Step 5: rewrite placeholder hashes to real ones in builder/args/envs.
	mappings := make(map[storehash.HashPart]storehash.HashPart, len(resolved))
	for _, r := range resolved {
		mappings[r.EqClass.HashPart()] = r.Path.HashPart()
	}
	if sd.Builder, err = rewriteString(sd.Builder, mappings); err != nil {
		return nil, fmt.Errorf("build %s: rewrite builder: %w", p, err)
	}
	for i, a := range sd.Args {
		if sd.Args[i], err = rewriteString(a, mappings); err != nil {
			return nil, fmt.Errorf("build %s: rewrite arg %d: %w", p, i, err)
		}
	}
	for k, v := range sd.Envs {
		if sd.Envs[k], err = rewriteString(v, mappings); err != nil {
			return nil, fmt.Errorf("build %s: rewrite env %s: %w", p, k, err)
		}
	}

	// Step 6: assign output placeholder paths.
	outs := make([]string, 0, len(sd.EqClasses))
	for out := range sd.EqClasses {
		outs = append(outs, out)
	}
	sort.Strings(outs)

	fixedOutput := !sd.FixedHash.IsZero()
	placeholders := make(map[string]storehash.Path, len(outs))
	for _, out := range outs {
		eqClass := sd.EqClasses[out]
		var tmp storehash.Path
		if fixedOutput {
			tmp = eqClass
		} else {
			tmp = storehash.New(randomHashPart(), eqClass.Name())
		}
		placeholders[out] = tmp
		sd.Envs[out] = e.Store.StorePath(tmp)
	}

	// Step 7: launch the builder.
	if err := e.launch(ctx, sd); err != nil {
		return nil, fmt.Errorf("build %s: %w", p, err)
	}

	// Step 8: validate outputs.
	if fixedOutput {
		tmp := placeholders["out"]
		got, err := treehash.Hash(e.Store.StorePath(tmp), treehash.Options{Algo: sd.FixedHash.Algo()})
		if err != nil {
			return nil, fmt.Errorf("build %s: validate output: %w", p, err)
		}
		if !got.Equal(sd.FixedHash) {
			return nil, fmt.Errorf("build %s: %w", p, &HashMismatchError{Expected: sd.FixedHash, Got: got})
		}
	} else {
		for _, out := range outs {
			fsPath := e.Store.StorePath(placeholders[out])
			if _, err := os.Stat(fsPath); err != nil {
				return nil, fmt.Errorf("build %s: builder failed to produce output %q: %w", p, out, err)
			}
		}
	}

	// Step 9: scan each output for references, then ingest.
	baseRefs := make(sets.Set[storehash.Path], len(resolved)+sd.InputSrcs.Len())
	for _, r := range resolved {
		baseRefs.Add(r.Path)
	}
	baseRefs.AddSeq(sd.InputSrcs.All())

	algo := storehash.SHA512

	results := make(map[string]storehash.Path, len(outs))
	for _, out := range outs {
		eqClass := sd.EqClasses[out]
		tmp := placeholders[out]
		fsPath := e.Store.StorePath(tmp)

		candidates := baseRefs.Clone()
		candidates.Add(tmp)
		scanned, err := scanTreeForRefs(fsPath, candidates)
		if err != nil {
			return nil, fmt.Errorf("build %s: scan output %q: %w", p, out, err)
		}

		eqRefs := make(sets.Set[storehash.Path], len(resolved))
		for _, r := range resolved {
			if scanned.Has(r.Path) {
				eqRefs.Add(r.Path)
			}
		}

		outAlgo := algo
		if fixedOutput {
			outAlgo = sd.FixedHash.Algo()
		}
		final, err := e.Store.AddToStore(ctx, fsPath, store.AddOptions{
			Name:     tmp.Name(),
			Algo:     outAlgo,
			SelfHash: tmp.HashPart(),
			Refs:     scanned,
			EqClass:  eqClass,
			Out:      out,
			EqRefs:   eqRefs,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s: ingest output %q: %w", p, out, err)
		}
		results[out] = final
	}

	return results, nil
}

// trustedOutputs reports the first trusted realisation of every output, and
// whether every output had one.
func (e *Engine) trustedOutputs(ctx context.Context, sd *instantiate.StoreDrv) (map[string]storehash.Path, bool, error) {
	outs := make(map[string]storehash.Path, len(sd.EqClasses))
	for out, eqClass := range sd.EqClasses {
		trusted, err := e.Store.TrustedPaths(ctx, eqClass, out)
		if err != nil {
			return nil, false, err
		}
		if len(trusted) == 0 {
			return nil, false, nil
		}
		outs[out] = trusted[0]
	}
	return outs, true, nil
}

// resolvedInputs computes inputs(): the transitive closure of realisations
// reachable from sd's direct input derivations' trusted outputs, with a
// unique path chosen per (eq_class, out).
func (e *Engine) resolvedInputs(ctx context.Context, sd *instantiate.StoreDrv) ([]store.Realisation, error) {
	inputPaths := make([]storehash.Path, 0, len(sd.InputDrvs))
	for p := range sd.InputDrvs {
		inputPaths = append(inputPaths, p)
	}
	sort.Slice(inputPaths, func(i, j int) bool { return inputPaths[i] < inputPaths[j] })

	type key struct {
		eqClass storehash.Path
		out     string
	}
	byKey := make(map[key]storehash.Path)

	addClosure := func(r store.Realisation) error {
		seen := sets.New[key]()
		var visit func(r store.Realisation) error
		visit = func(r store.Realisation) error {
			k := key{r.EqClass, r.Out}
			if seen.Has(k) {
				return nil
			}
			seen.Add(k)
			if existing, ok := byKey[k]; ok && existing != r.Path {
				panic(fmt.Sprintf("build: conflicting trusted paths for (%s, %s): %s vs %s", r.EqClass, r.Out, existing, r.Path))
			}
			byKey[k] = r.Path
			refs, err := e.Store.RealisationRefs(ctx, r)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if err := visit(ref); err != nil {
					return err
				}
			}
			return nil
		}
		return visit(r)
	}

	for _, inputPath := range inputPaths {
		data, err := e.Store.ReadDrv(ctx, inputPath)
		if err != nil {
			return nil, err
		}
		inputDrv, err := instantiate.ParseStoreDrv(data)
		if err != nil {
			return nil, err
		}
		outs := make([]string, 0, len(inputDrv.EqClasses))
		for out := range inputDrv.EqClasses {
			outs = append(outs, out)
		}
		sort.Strings(outs)
		for _, out := range outs {
			eqClass := inputDrv.EqClasses[out]
			trusted, err := e.Store.TrustedPaths(ctx, eqClass, out)
			if err != nil {
				return nil, err
			}
			for _, tp := range trusted {
				if err := addClosure(store.Realisation{EqClass: eqClass, Out: out, Path: tp}); err != nil {
					return nil, err
				}
			}
		}
	}

	result := make([]store.Realisation, 0, len(byKey))
	for k, path := range byKey {
		result = append(result, store.Realisation{EqClass: k.eqClass, Out: k.out, Path: path})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EqClass != result[j].EqClass {
			return result[i].EqClass < result[j].EqClass
		}
		return result[i].Out < result[j].Out
	})
	return result, nil
}

func (e *Engine) launch(ctx context.Context, sd *instantiate.StoreDrv) error {
	if name, ok := builtin.IsBuiltin(sd.Builder); ok {
		env := make(builtin.Env, len(sd.Envs))
		for k, v := range sd.Envs {
			env[k] = v
		}
		return builtin.Run(ctx, name, env)
	}
	return sandbox.Run(ctx, sandbox.Options{
		StoreDir: e.Store.StorePath(storehash.Path("")),
		Builder:  sd.Builder,
		Args:     sd.Args,
		Env:      sd.Envs,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
}

// randomHashPart generates a fresh hash-part for a floating-output build's
// temporary placeholder path, drawing entropy from [uuid.New] rather than
// reading crypto/rand directly, matching the ambient stack's habit of
// reaching for a vetted randomness source over hand-rolled byte shuffling.
func randomHashPart() storehash.HashPart {
	u := uuid.New()
	h := storehash.Sum(storehash.SHA512, u[:])
	return storehash.HashPartOf(h)
}
