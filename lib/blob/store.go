// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"encoding/hex"
	"io"

	"github.com/opencontainers/go-digest"
)

// Store is a content-addressed blob store. Implementations must be safe
// for concurrent use; concurrent Put calls for the same content must
// leave exactly one blob behind.
type Store interface {
	// Algorithm returns the digest algorithm every blob is keyed by.
	Algorithm() digest.Algorithm

	// Put stores data if no blob with its digest exists and returns the
	// digest. Storing existing content is a no-op.
	Put(data []byte) (digest.Digest, error)

	// PutFile stores the contents of the file at path, returning its
	// digest and size.
	PutFile(path string) (digest.Digest, int64, error)

	// Get returns the content of a blob, verified against its digest.
	// Unknown digests fail with a not-found error.
	Get(d digest.Digest) ([]byte, error)

	// Open returns a reader over a blob. The reader reports an
	// integrity error at EOF if the content does not match d.
	Open(d digest.Digest) (io.ReadCloser, error)

	// Stat returns the stored size of a blob.
	Stat(d digest.Digest) (int64, error)

	// Has reports whether a blob exists.
	Has(d digest.Digest) bool

	// Remove deletes a blob.
	Remove(d digest.Digest) error

	// Walk calls fn for every blob in ascending digest order.
	Walk(fn func(d digest.Digest, size int64) error) error
}

// NewVerifyingReader wraps r so that reaching EOF with content that
// does not hash to expected returns an integrity error. closer may be
// nil.
func NewVerifyingReader(r io.Reader, closer io.Closer, expected digest.Digest) (io.ReadCloser, error) {
	hasher, err := NewHash(expected.Algorithm())
	if err != nil {
		return nil, err
	}
	return &verifyingReader{reader: r, closer: closer, verifier: hasher, expected: expected}, nil
}

// verifyingReader hashes content as it is read and reports a mismatch
// at EOF instead of handing the caller a clean io.EOF.
type verifyingReader struct {
	reader   io.Reader
	closer   io.Closer
	verifier digestVerifier
	expected digest.Digest
}

type digestVerifier interface {
	io.Writer
	Sum(b []byte) []byte
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.verifier.Write(p[:n])
	}
	if err == io.EOF {
		actual := digest.NewDigestFromEncoded(r.expected.Algorithm(), hex.EncodeToString(r.verifier.Sum(nil)))
		if actual != r.expected {
			return n, mismatch(r.expected, actual)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
