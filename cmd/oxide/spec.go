// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"
)

// DerivationOutsideCatalogError is returned when a `build` spec does not
// name a catalog recipe. The build engine only knows how to realize
// derivations the catalog itself instantiated in this command invocation;
// anything else has no store derivation to build yet.
type DerivationOutsideCatalogError struct {
	Spec string
}

func (e *DerivationOutsideCatalogError) Error() string {
	return fmt.Sprintf("oxide: %q is not a catalog-qualified spec (want <catalog>#<pkg-name>)", e.Spec)
}

// parseCatalogSpec splits a `<catalog>#<pkg-name>` spec into its catalog
// name and package name. Only a single built-in catalog name, "catalog", is
// currently recognized.
func parseCatalogSpec(spec string) (pkgName string, err error) {
	catalogName, pkg, ok := strings.Cut(spec, "#")
	if !ok || catalogName != "catalog" || pkg == "" {
		return "", &DerivationOutsideCatalogError{Spec: spec}
	}
	return pkg, nil
}
