// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import "testing"

func TestParseCatalogSpec(t *testing.T) {
	tests := []struct {
		spec    string
		want    string
		wantErr bool
	}{
		{"catalog#hello", "hello", false},
		{"catalog#stdenv", "stdenv", false},
		{"hello", "", true},
		{"catalog#", "", true},
		{"other#hello", "", true},
		{"", "", true},
	}
	for _, test := range tests {
		got, err := parseCatalogSpec(test.spec)
		if (err != nil) != test.wantErr {
			t.Errorf("parseCatalogSpec(%q) error = %v, wantErr %v", test.spec, err, test.wantErr)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("parseCatalogSpec(%q) = %q, want %q", test.spec, got, test.want)
		}
	}
}

func TestDerivationOutsideCatalogErrorMessage(t *testing.T) {
	err := &DerivationOutsideCatalogError{Spec: "not-a-catalog-spec"}
	if err.Error() == "" {
		t.Error("Error() returned an empty string")
	}
}
