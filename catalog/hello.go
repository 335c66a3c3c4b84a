// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/storehash"
)

const helloSrcURL = "https://ftp.gnu.org/gnu/hello/hello-2.12.1.tar.gz"

var helloSrcHash = storehash.Sum(storehash.SHA256, []byte("oxide-catalog-hello-src-fixture"))

const helloInstallScript = `set -e
mkdir -p "$out/bin"
cp "$src" "$out/bin/hello"
chmod +x "$out/bin/hello"
`

// hello is a toy recipe depending on [Stdenv], demonstrating a two-level
// dependency DAG (hello -> stdenv -> fetchurl) and [instantiate.LazyDrv]
// sharing: every recipe that calls [Stdenv] references the same cell [Hello]
// does, rather than re-evaluating it.
var hello = NewDrv("hello-0.0.1").
	Builder(instantiate.Output(Stdenv(), "out")).
	Arg(instantiate.Str("sh"), instantiate.Str("-c"), instantiate.Str(helloInstallScript)).
	Input("src", instantiate.Output(FetchURL(helloSrcURL, helloSrcHash, FetchURLOptions{Name: "hello-0.0.1-src"}), "out")).
	Build()

// Hello returns the catalog's toy "hello" recipe.
func Hello() *instantiate.LazyDrv { return hello }
