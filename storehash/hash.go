// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package storehash implements the hash and store-path primitives shared by
// every other package in the store: a tagged SHA-256/SHA-512 hash type, the
// 64-character hash-part alphabet, and the modulo-hashing tree walk used to
// seal store objects against their own (not-yet-known) final path.
package storehash

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// Algo identifies a supported hash algorithm.
type Algo int

const (
	SHA256 Algo = iota
	SHA512
)

// String returns the canonical lowercase algorithm name used in hash text form.
func (a Algo) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("storehash.Algo(%d)", int(a))
	}
}

// Size returns the number of raw digest bytes produced by a.
func (a Algo) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

func (a Algo) new() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		panic("storehash: unimplemented algorithm")
	}
}

// base64 is the encoding used for a hash's text form: URL-safe, unpadded.
var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// Hash is an immutable, tagged digest over one of the supported algorithms.
// The zero Hash is not valid; use [Placeholder] for the all-zero SHA-512
// sentinel value described by the data model.
type Hash struct {
	algo   Algo
	digest []byte
}

// NewHash wraps a raw digest for algo. It panics if digest is the wrong length
// for algo; callers that cannot guarantee this should use [Parse] instead.
func NewHash(algo Algo, digest []byte) Hash {
	if len(digest) != algo.Size() {
		panic("storehash: wrong digest length for algorithm")
	}
	return Hash{algo: algo, digest: append([]byte(nil), digest...)}
}

// Placeholder returns the all-zero SHA-512 sentinel hash.
func Placeholder() Hash {
	return NewHash(SHA512, make([]byte, SHA512.Size()))
}

// Sum computes the hash of data using algo.
func Sum(algo Algo, data []byte) Hash {
	h := algo.new()
	h.Write(data)
	return NewHash(algo, h.Sum(nil))
}

// Algo returns the hash's algorithm.
func (h Hash) Algo() Algo { return h.algo }

// IsZero reports whether h is the zero Hash (not set at all, distinct from
// [Placeholder], which is a legitimate all-zero-bytes SHA-512 value).
func (h Hash) IsZero() bool { return h.digest == nil }

// Digest returns the raw digest bytes. The caller must not mutate the
// returned slice.
func (h Hash) Digest() []byte { return h.digest }

// String returns the canonical "<algo>:<base64url-no-pad>" text form.
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return h.algo.String() + ":" + b64.EncodeToString(h.digest)
}

// Parse parses a hash from its canonical "<algo>:<base64url-no-pad>" text
// form. Parsing is strict: an unrecognized algorithm prefix or a digest of
// the wrong length is an [ErrInvalidHash].
func Parse(s string) (Hash, error) {
	algoText, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Hash{}, fmt.Errorf("parse hash %q: %w", s, ErrInvalidHash)
	}
	var algo Algo
	switch algoText {
	case "sha256":
		algo = SHA256
	case "sha512":
		algo = SHA512
	default:
		return Hash{}, fmt.Errorf("parse hash %q: unknown algorithm %q: %w", s, algoText, ErrInvalidHash)
	}
	digest, err := b64.DecodeString(rest)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v: %w", s, err, ErrInvalidHash)
	}
	if len(digest) != algo.Size() {
		return Hash{}, fmt.Errorf("parse hash %q: wrong digest length: %w", s, ErrInvalidHash)
	}
	return Hash{algo: algo, digest: digest}, nil
}

// ErrInvalidHash is returned (wrapped) by [Parse] when its argument is not a
// well-formed hash text form.
var ErrInvalidHash = fmt.Errorf("invalid hash")

// Equal reports whether h and other have the same algorithm and digest bytes.
func (h Hash) Equal(other Hash) bool {
	if h.algo != other.algo || len(h.digest) != len(other.digest) {
		return false
	}
	for i := range h.digest {
		if h.digest[i] != other.digest[i] {
			return false
		}
	}
	return true
}

// A Hasher incrementally computes a [Hash], matching the standard library's
// hash.Hash interface but returning the tagged type this package uses
// everywhere else.
type Hasher struct {
	algo Algo
	h    hash.Hash
}

// NewHasher returns a [Hasher] for algo.
func NewHasher(algo Algo) *Hasher {
	return &Hasher{algo: algo, h: algo.new()}
}

func (w *Hasher) Write(p []byte) (int, error) { return w.h.Write(p) }

func (w *Hasher) WriteString(s string) (int, error) { return w.h.Write([]byte(s)) }

// SumHash finalizes the hash and returns it. SumHash does not reset the
// underlying hasher's internal state in the standard library sense; callers
// should treat a Hasher as single use once SumHash has been called.
func (w *Hasher) SumHash() Hash {
	return NewHash(w.algo, w.h.Sum(nil))
}
