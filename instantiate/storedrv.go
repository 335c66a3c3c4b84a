// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package instantiate

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"oxide.build/pkg/sets"
	"oxide.build/pkg/storehash"
)

// StoreDrv is the canonical, fully resolved, on-disk form of a derivation.
// It is immutable once written and is serialized to (and parsed from) the
// exact canonical TOML text described in SPEC_FULL.md §3/§4.E: all maps and
// sets sorted lexicographically by key, hashes rendered as
// "<algo>:<base64url-no-pad>". Store-path fields (eq_classes values,
// input_srcs, input_drvs keys) are written as bare "<hash-part>-<name>"
// store-path names, not as absolute paths; only env values hold absolute
// paths.
type StoreDrv struct {
	EqClasses map[string]storehash.Path          // output name -> eq-class path
	FixedHash storehash.Hash                     // zero if not fixed-output
	InputDrvs map[storehash.Path]sets.Set[string] // derivation path -> consumed output names
	InputSrcs sets.Set[storehash.Path]
	System    string
	Builder   string
	Args      []string
	Envs      map[string]string
}

func newStoreDrv() *StoreDrv {
	return &StoreDrv{
		EqClasses: make(map[string]storehash.Path),
		InputDrvs: make(map[storehash.Path]sets.Set[string]),
		InputSrcs: make(sets.Set[storehash.Path]),
		Envs:      make(map[string]string),
	}
}

// MarshalTOML renders d as the canonical TOML text described above. It does
// not use a general-purpose TOML struct-tag encoder for the map fields,
// since the derivation hash is computed over this exact byte sequence and
// that guarantee must not depend on a library's internal map-ordering
// behavior; instead, keys are sorted explicitly before being written.
func (d *StoreDrv) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "system = %s\n", tomlString(d.System))
	fmt.Fprintf(&buf, "builder = %s\n", tomlString(d.Builder))
	if d.FixedHash.IsZero() {
		buf.WriteString("fixed_hash = \"\"\n")
	} else {
		fmt.Fprintf(&buf, "fixed_hash = %s\n", tomlString(d.FixedHash.String()))
	}

	buf.WriteString("args = [")
	for i, a := range d.Args {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(tomlString(a))
	}
	buf.WriteString("]\n")

	buf.WriteString("input_srcs = [")
	srcs := make([]string, 0, d.InputSrcs.Len())
	for p := range d.InputSrcs.All() {
		srcs = append(srcs, string(p))
	}
	sort.Strings(srcs)
	for i, s := range srcs {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(tomlString(s))
	}
	buf.WriteString("]\n")

	buf.WriteString("\n[eq_classes]\n")
	for _, name := range sortedStringKeys(d.EqClasses) {
		fmt.Fprintf(&buf, "%s = %s\n", tomlKey(name), tomlString(string(d.EqClasses[name])))
	}

	buf.WriteString("\n[envs]\n")
	for _, name := range sortedStringKeys(d.Envs) {
		fmt.Fprintf(&buf, "%s = %s\n", tomlKey(name), tomlString(d.Envs[name]))
	}

	buf.WriteString("\n[input_drvs]\n")
	inputDrvKeys := make([]string, 0, len(d.InputDrvs))
	for p := range d.InputDrvs {
		inputDrvKeys = append(inputDrvKeys, string(p))
	}
	sort.Strings(inputDrvKeys)
	for _, p := range inputDrvKeys {
		outs := d.InputDrvs[storehash.Path(p)]
		names := make([]string, 0, len(outs))
		for n := range outs.All() {
			names = append(names, n)
		}
		sort.Strings(names)
		var items strings.Builder
		for i, n := range names {
			if i > 0 {
				items.WriteString(", ")
			}
			items.WriteString(tomlString(n))
		}
		fmt.Fprintf(&buf, "%s = [%s]\n", tomlKey(p), items.String())
	}

	return buf.Bytes(), nil
}

// tomlStoreDrv is the plain struct shape go-toml/v2 decodes into. Reading a
// derivation back never needs the byte-exact ordering guarantee that
// [StoreDrv.MarshalTOML] hand-rolls for — only writing does, since the
// derivation hash is computed over the written bytes, not the parsed
// structure — so parsing can safely go through a general-purpose decoder.
type tomlStoreDrv struct {
	System     string              `toml:"system"`
	Builder    string              `toml:"builder"`
	FixedHash  string              `toml:"fixed_hash"`
	Args       []string            `toml:"args"`
	InputSrcs  []string            `toml:"input_srcs"`
	EqClasses  map[string]string   `toml:"eq_classes"`
	Envs       map[string]string   `toml:"envs"`
	InputDrvs  map[string][]string `toml:"input_drvs"`
}

// ParseStoreDrv decodes the canonical TOML text produced by
// [StoreDrv.MarshalTOML] back into a [StoreDrv].
func ParseStoreDrv(data []byte) (*StoreDrv, error) {
	var raw tomlStoreDrv
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse store derivation: %w", err)
	}

	sd := newStoreDrv()
	sd.System = raw.System
	sd.Builder = raw.Builder
	sd.Args = raw.Args
	sd.Envs = raw.Envs

	if raw.FixedHash != "" {
		h, err := storehash.Parse(raw.FixedHash)
		if err != nil {
			return nil, fmt.Errorf("parse store derivation: fixed_hash: %w", err)
		}
		sd.FixedHash = h
	}

	for _, s := range raw.InputSrcs {
		sd.InputSrcs.Add(storehash.Path(s))
	}
	for name, p := range raw.EqClasses {
		sd.EqClasses[name] = storehash.Path(p)
	}
	for p, outs := range raw.InputDrvs {
		sd.InputDrvs[storehash.Path(p)] = sets.New(outs...)
	}

	return sd, nil
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tomlString renders s as a TOML basic string, matching the subset of TOML
// escaping this package needs (derivation fields never contain control
// characters other than those `%q`-style escaping already covers correctly).
func tomlString(s string) string {
	return fmt.Sprintf("%q", s)
}

// tomlKey renders a bare or quoted TOML key, quoting whenever the key
// contains characters that are not legal in a bare key (only ASCII letters,
// digits, '_' and '-' are; a store path such as "<hash>-name.drv" contains
// '.', and environment variable names may contain anything).
func tomlKey(s string) string {
	for _, r := range s {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return tomlString(s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}
