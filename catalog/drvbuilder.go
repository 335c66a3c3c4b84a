// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package catalog is a small fixed set of example recipes (fetchurl,
// stdenv, hello) built with the fluent [DrvBuilder] API, exercising the
// instantiator end to end.
package catalog

import (
	"sort"

	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/storehash"
	"oxide.build/pkg/system"
)

// DrvBuilder fluently assembles an [instantiate.Drv] behind a [instantiate.LazyDrv]
// cell, mirroring the builder-pattern recipe authoring library the
// originating source's own packages are written against.
type DrvBuilder struct {
	name      string
	outputs   []string
	fixedHash storehash.Hash
	system    system.System
	inputs    map[string]instantiate.Expr
	builder   instantiate.Expr
	args      []instantiate.Expr
}

// NewDrv starts a [DrvBuilder] for a recipe named name, targeting the
// current host system by default.
func NewDrv(name string) *DrvBuilder {
	return &DrvBuilder{
		name:   name,
		system: system.Current(),
		inputs: make(map[string]instantiate.Expr),
	}
}

// Output declares the recipe's output names, overriding the default single
// "out" output.
func (b *DrvBuilder) Output(names ...string) *DrvBuilder {
	b.outputs = names
	return b
}

// FixedHash marks the recipe as fixed-output, with its single "out" output
// expected to hash to h.
func (b *DrvBuilder) FixedHash(h storehash.Hash) *DrvBuilder {
	b.fixedHash = h
	return b
}

// System overrides the recipe's target system tag.
func (b *DrvBuilder) System(sys system.System) *DrvBuilder {
	b.system = sys
	return b
}

// Input binds key to e in the recipe's environment.
func (b *DrvBuilder) Input(key string, e instantiate.Expr) *DrvBuilder {
	b.inputs[key] = e
	return b
}

// Builder sets the recipe's builder expression.
func (b *DrvBuilder) Builder(e instantiate.Expr) *DrvBuilder {
	b.builder = e
	return b
}

// Arg appends one or more argument expressions.
func (b *DrvBuilder) Arg(e ...instantiate.Expr) *DrvBuilder {
	b.args = append(b.args, e...)
	return b
}

// Build finalizes the recipe into a [instantiate.LazyDrv]. The underlying
// [instantiate.Drv] is only materialized the first time the returned cell is
// derived.
func (b *DrvBuilder) Build() *instantiate.LazyDrv {
	name := b.name
	outputs := append([]string(nil), b.outputs...)
	sort.Strings(outputs)
	fixedHash := b.fixedHash
	sys := b.system
	inputs := make(map[string]instantiate.Expr, len(b.inputs))
	for k, v := range b.inputs {
		inputs[k] = v
	}
	builder := b.builder
	args := append([]instantiate.Expr(nil), b.args...)

	return instantiate.New(func() (*instantiate.Drv, error) {
		return &instantiate.Drv{
			Name:      name,
			Outputs:   outputs,
			FixedHash: fixedHash,
			System:    sys,
			Inputs:    inputs,
			Builder:   builder,
			Args:      args,
		}, nil
	})
}
