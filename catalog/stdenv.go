// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package catalog

import (
	"oxide.build/pkg/instantiate"
	"oxide.build/pkg/storehash"
)

// busyboxURL is the single statically-linked binary this catalog uses as
// its minimal standard build environment: invoked as `busybox sh -c
// "<script>"`, it supplies every coreutils applet a recipe's install script
// needs without depending on the host's PATH.
const busyboxURL = "https://busybox.net/downloads/binaries/1.35.0-x86_64-linux-musl/busybox"

// stdenvHash is this catalog's own fixture digest, not a published release
// hash; swap it for busybox's real upstream hash before fetching it for
// real.
var stdenvHash = storehash.Sum(storehash.SHA256, []byte("oxide-catalog-stdenv-busybox-fixture"))

// stdenv is the catalog's single standard-environment instance: every
// recipe that calls [Stdenv] shares this one [instantiate.LazyDrv] cell
// rather than re-instantiating busybox per dependent.
var stdenv = FetchURL(busyboxURL, stdenvHash, FetchURLOptions{
	Name:       "stdenv-busybox",
	Executable: true,
})

// Stdenv returns the catalog's minimal standard build environment.
func Stdenv() *instantiate.LazyDrv { return stdenv }
