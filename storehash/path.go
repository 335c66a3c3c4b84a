// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storehash

import (
	"fmt"
	"strings"
)

// HashPartLen is the fixed length, in bytes, of a store path's hash-part
// prefix: exactly 64 characters of the base64url-no-pad alphabet.
const HashPartLen = 64

// hashAlphabet is every character that can legally appear in a hash-part.
// It matches the alphabet produced by [b64]: letters, digits, '-', and '_'.
const hashAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

var isHashChar [256]bool

func init() {
	for i := 0; i < len(hashAlphabet); i++ {
		isHashChar[hashAlphabet[i]] = true
	}
}

// IsHashChar reports whether b is a member of the hash-part alphabet.
func IsHashChar(b byte) bool {
	return isHashChar[b]
}

// HashPart is a validated 64-character hash-part string.
type HashPart string

// ParseHashPart validates that s is exactly [HashPartLen] characters long and
// drawn entirely from the hash alphabet.
func ParseHashPart(s string) (HashPart, error) {
	if len(s) != HashPartLen {
		return "", fmt.Errorf("parse hash part %q: must be exactly %d characters: %w", s, HashPartLen, ErrInvalidHash)
	}
	for i := 0; i < len(s); i++ {
		if !IsHashChar(s[i]) {
			return "", fmt.Errorf("parse hash part %q: invalid character %q: %w", s, s[i], ErrInvalidHash)
		}
	}
	return HashPart(s), nil
}

// HashPartOf returns the 64-character hash-part text used as a store path
// prefix for h, truncating h's base64url digest text (without the algorithm
// prefix) to [HashPartLen] characters, matching the source's make_path
// behavior of truncating a longer SHA-512-derived string down to the
// hash-part width.
func HashPartOf(h Hash) HashPart {
	s := b64.EncodeToString(h.digest)
	if len(s) > HashPartLen {
		s = s[:HashPartLen]
	} else if len(s) < HashPartLen {
		s += strings.Repeat("A", HashPartLen-len(s))
	}
	return HashPart(s)
}

const (
	minNameLength = 3
	derivationExt = ".drv"
)

// isValidChar reports whether b is legal inside a store path's name part:
// alphanumeric plus '-', '_', '.'.
func isValidNameChar(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '-' || b == '_' || b == '.'
}

// ValidateName reports whether name is a legal store object name: at least
// [minNameLength] characters (not counting a trailing ".drv"), and every
// character legal per [isValidNameChar]. name must not literally end in
// ".drv" unless allowDrv is true.
func ValidateName(name string, allowDrv bool) error {
	bare := name
	if strings.HasSuffix(name, derivationExt) {
		if !allowDrv {
			return fmt.Errorf("validate name %q: %w", name, ErrInvalidName)
		}
		bare = name[:len(name)-len(derivationExt)]
	}
	if len(bare) < minNameLength {
		return fmt.Errorf("validate name %q: shorter than %d characters: %w", name, minNameLength, ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if !isValidNameChar(name[i]) {
			return fmt.Errorf("validate name %q: invalid character %q: %w", name, name[i], ErrInvalidName)
		}
	}
	return nil
}

// ErrInvalidName is returned (wrapped) when a store object name fails validation.
var ErrInvalidName = fmt.Errorf("invalid store object name")

// Path is a store path: a hash-part followed by '-' followed by a name,
// rooted (conceptually) inside a store directory. Path implements
// [cmp.Ordered]-compatible comparison via plain string ordering on its full
// text, but most reference-scanning code should instead key on [Path.HashPart].
type Path string

// New constructs a store path from a hash-part and a name, without
// validating either — used internally once values are already known-valid.
func New(hp HashPart, name string) Path {
	return Path(string(hp) + "-" + name)
}

// ParsePath validates and parses s as a store path.
func ParsePath(s string) (Path, error) {
	if len(s) < HashPartLen+1+minNameLength {
		return "", fmt.Errorf("parse store path %q: too short: %w", s, ErrInvalidName)
	}
	if s[HashPartLen] != '-' {
		return "", fmt.Errorf("parse store path %q: missing separator: %w", s, ErrInvalidName)
	}
	if _, err := ParseHashPart(s[:HashPartLen]); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", s, err)
	}
	name := s[HashPartLen+1:]
	if err := ValidateName(name, true); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", s, err)
	}
	return Path(s), nil
}

// HashPart returns p's 64-character hash-part prefix.
func (p Path) HashPart() HashPart {
	return HashPart(string(p)[:HashPartLen])
}

// Name returns p's name part (everything after "<hash-part>-").
func (p Path) Name() string {
	return string(p)[HashPartLen+1:]
}

// IsDerivation reports whether p names a ".drv" file.
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(string(p), derivationExt)
}

// WithHashPart returns a copy of p with its hash-part replaced by hp. The
// total length is unchanged since hash-parts are fixed width, matching the
// in-place rewrite semantics required by the scanner.
func (p Path) WithHashPart(hp HashPart) Path {
	return New(hp, p.Name())
}

// SameHashPart reports whether p and other share the same hash-part,
// ignoring the name — the equality the scanner and reference detection use.
func (p Path) SameHashPart(other Path) bool {
	return p.HashPart() == other.HashPart()
}
