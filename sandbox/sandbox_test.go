// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"
)

func TestFixedEnvOverridesOnlyDeclaredKeys(t *testing.T) {
	env := fixedEnv(Options{StoreDir: "/store", Env: map[string]string{"FOO": "bar", "PATH": "/custom"}})
	got := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["FOO"] != "bar" {
		t.Errorf("FOO = %q, want bar", got["FOO"])
	}
	if got["PATH"] != "/custom" {
		t.Errorf("PATH = %q, want /custom (env should override the fixed baseline)", got["PATH"])
	}
	if got["OXIDE_STORE"] != "/store" {
		t.Errorf("OXIDE_STORE = %q, want /store", got["OXIDE_STORE"])
	}
}

func TestFixedEnvBaseline(t *testing.T) {
	env := fixedEnv(Options{StoreDir: "/store"})
	var keys []string
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, want := range []string{"HOME", "PATH", "TMPDIR", "OXIDE_STORE"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("fixedEnv baseline missing %q, got keys %v", want, keys)
		}
	}
}

func TestRunPlainExecutesBuilder(t *testing.T) {
	var stdout bytes.Buffer
	buildDir := t.TempDir()
	err := runPlain(context.Background(), buildDir, Options{
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hello"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := stdout.String(); got != "hello\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\n")
	}
}

func TestRunPlainNonzeroExitDoesNotError(t *testing.T) {
	buildDir := t.TempDir()
	err := runPlain(context.Background(), buildDir, Options{
		Builder: "/bin/sh",
		Args:    []string{"-c", "exit 7"},
	})
	if err != nil {
		t.Errorf("runPlain with a nonzero builder exit returned an error: %v (exit status is not decisive, output validation is)", err)
	}
}
