// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package sandbox

import (
	"context"
	"errors"
)

var errNamespaceUnsupported = errors.New("sandbox: namespace isolation unsupported")

// runNamespaced always reports [errNamespaceUnsupported] on platforms
// without the Linux namespace primitives this package uses for isolation.
func runNamespaced(ctx context.Context, buildDir string, opts Options) error {
	return errNamespaceUnsupported
}
