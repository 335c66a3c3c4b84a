// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package builtin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestIsBuiltin(t *testing.T) {
	tests := []struct {
		builder  string
		wantName string
		wantOK   bool
	}{
		{"builtin:fetchurl", "fetchurl", true},
		{"/bin/sh", "", false},
		{"builtin:", "", false},
		{"", "", false},
	}
	for _, test := range tests {
		name, ok := IsBuiltin(test.builder)
		if name != test.wantName || ok != test.wantOK {
			t.Errorf("IsBuiltin(%q) = (%q, %v), want (%q, %v)", test.builder, name, ok, test.wantName, test.wantOK)
		}
	}
}

func TestRunFetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fetched content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	err := Run(context.Background(), "fetchurl", Env{"url": srv.URL, "out": out})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fetched content" {
		t.Errorf("fetched content = %q, want %q", got, "fetched content")
	}
}

func TestRunFetchURLExecutable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bin"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	err := Run(context.Background(), "fetchurl", Env{"url": srv.URL, "out": out, "executable": "1"})
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o111 == 0 {
		t.Error("fetched file is not executable")
	}
}

func TestRunFetchURLAcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if err := Run(context.Background(), "fetchurl", Env{"url": srv.URL, "out": out}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "created content" {
		t.Errorf("fetched content = %q, want %q", got, "created content")
	}
}

func TestRunFetchURLOverwritesExistingOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if err := os.WriteFile(out, []byte("stale content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Run(context.Background(), "fetchurl", Env{"url": srv.URL, "out": out}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new content" {
		t.Errorf("fetched content = %q, want %q", got, "new content")
	}
}

func TestRunFetchURLMissingEnv(t *testing.T) {
	if err := Run(context.Background(), "fetchurl", Env{}); err == nil {
		t.Error("Run with no url/out succeeded, want error")
	}
}

func TestRunFetchURLFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	err := Run(context.Background(), "fetchurl", Env{"url": srv.URL, "out": filepath.Join(dir, "out")})
	if err == nil {
		t.Fatal("Run against a 404 succeeded, want error")
	}
	var fetchErr *ErrFetchFailed
	if !errors.As(err, &fetchErr) {
		t.Errorf("error = %v, want *ErrFetchFailed", err)
	}
}

func TestRunUnknownBuiltin(t *testing.T) {
	if err := Run(context.Background(), "does-not-exist", Env{}); err == nil {
		t.Error("Run with an unknown builtin name succeeded, want error")
	}
}
