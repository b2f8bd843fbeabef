// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// BLAKE3 is the blake3 digest algorithm. go-digest does not register
// it, so hashing and validation for it are handled here.
const BLAKE3 digest.Algorithm = "blake3"

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = digest.SHA256

// ParseAlgorithm validates an algorithm name from configuration.
func ParseAlgorithm(name string) (digest.Algorithm, error) {
	switch algorithm := digest.Algorithm(name); algorithm {
	case digest.SHA256, digest.SHA512, BLAKE3:
		return algorithm, nil
	case "":
		return DefaultAlgorithm, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q (want sha256, sha512 or blake3)", name)
	}
}

// NewHash returns a fresh hash.Hash for algorithm.
func NewHash(algorithm digest.Algorithm) (hash.Hash, error) {
	if algorithm == BLAKE3 {
		return blake3.New(), nil
	}
	if !algorithm.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	return algorithm.Hash(), nil
}

// FromHash formats the current sum of hasher as a digest.
func FromHash(algorithm digest.Algorithm, hasher hash.Hash) digest.Digest {
	return digest.NewDigestFromEncoded(algorithm, hex.EncodeToString(hasher.Sum(nil)))
}

// Compute returns the digest of data under algorithm.
func Compute(algorithm digest.Algorithm, data []byte) (digest.Digest, error) {
	hasher, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	hasher.Write(data)
	return FromHash(algorithm, hasher), nil
}

// ComputeReader hashes everything read from r.
func ComputeReader(algorithm digest.Algorithm, r io.Reader) (digest.Digest, int64, error) {
	hasher, err := NewHash(algorithm)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, err
	}
	return FromHash(algorithm, hasher), size, nil
}

// Validate checks that d is well formed: a supported algorithm and a
// lowercase hex encoding of the right length.
func Validate(d digest.Digest) error {
	if !strings.Contains(string(d), ":") {
		return fmt.Errorf("invalid digest %q: %w", d, digest.ErrDigestInvalidFormat)
	}
	if d.Algorithm() != BLAKE3 {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("invalid digest %q: %w", d, err)
		}
		return nil
	}
	encoded := d.Encoded()
	if len(encoded) != 64 {
		return fmt.Errorf("invalid digest %q: blake3 digest must be 64 hex characters", d)
	}
	for _, character := range encoded {
		if (character < '0' || character > '9') && (character < 'a' || character > 'f') {
			return fmt.Errorf("invalid digest %q: non-hex character %q", d, character)
		}
	}
	return nil
}
