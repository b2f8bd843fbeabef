// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"bytes"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/compress"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// maxChainDepth bounds record chains. Build never produces chains
// longer than three (bundle member, bundle, compressed bundle); the
// bound stops a malicious table from recursing forever.
const maxChainDepth = 8

// Resolver reads blobs through a resource table. It is safe for
// concurrent use.
type Resolver struct {
	store blob.Store
	table *Table

	// The most recently decoded bundle is kept, since deploy reads
	// bundle members in file table order and neighbours usually share a
	// bundle.
	mu           sync.Mutex
	bundleDigest digest.Digest
	bundleData   []byte
}

// NewResolver returns a resolver over store. A nil table resolves
// every digest to the raw blob.
func NewResolver(store blob.Store, table *Table) *Resolver {
	if table == nil {
		table = NewTable()
	}
	return &Resolver{store: store, table: table}
}

// Open returns a reader over the original content of d. The reader
// reports an integrity error at EOF if the reconstructed content does
// not hash to d.
func (r *Resolver) Open(d digest.Digest) (io.ReadCloser, error) {
	return r.open(d, 0)
}

// Get returns the original content of d.
func (r *Resolver) Get(d digest.Digest) ([]byte, error) {
	reader, err := r.Open(d)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Verify reconstructs d and checks it against its digest.
func (r *Resolver) Verify(d digest.Digest) error {
	reader, err := r.Open(d)
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Resolver) open(d digest.Digest, depth int) (io.ReadCloser, error) {
	if depth > maxChainDepth {
		return nil, imgerr.Integrity("resource chain for %s exceeds %d levels", d, maxChainDepth)
	}
	record, ok := r.table.Lookup(d)
	if !ok || record.Filter() == "none" {
		return r.store.Open(d)
	}

	switch {
	case record.Compressed != nil:
		inner, err := r.open(record.Compressed.Digest, depth+1)
		if err != nil {
			return nil, err
		}
		decoder, err := compress.NewReader(inner, record.Compressed.Algorithm)
		if err != nil {
			inner.Close()
			return nil, imgerr.Integrity("blob %s: %w", d, err)
		}
		return verified(decoder, closers{decoder, inner}, d)

	case record.Sliced != nil:
		slices := &sliceReader{resolver: r, slices: record.Sliced.Slices, depth: depth + 1}
		return verified(slices, slices, d)

	default:
		bundled := record.Bundled
		data, err := r.bundle(bundled.Bundle, depth+1)
		if err != nil {
			return nil, err
		}
		end := bundled.Offset + bundled.Length
		if bundled.Offset < 0 || end > int64(len(data)) || bundled.Length < 0 {
			return nil, imgerr.Integrity("blob %s: range [%d, %d) outside bundle %s of %d bytes",
				d, bundled.Offset, end, bundled.Bundle, len(data))
		}
		return verified(bytes.NewReader(data[bundled.Offset:end]), nil, d)
	}
}

// bundle returns the decoded content of a bundle, caching the last one.
func (r *Resolver) bundle(d digest.Digest, depth int) ([]byte, error) {
	r.mu.Lock()
	if r.bundleDigest == d {
		data := r.bundleData
		r.mu.Unlock()
		return data, nil
	}
	r.mu.Unlock()

	reader, err := r.open(d, depth)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bundleDigest, r.bundleData = d, data
	r.mu.Unlock()
	return data, nil
}

func verified(reader io.Reader, closer io.Closer, d digest.Digest) (io.ReadCloser, error) {
	wrapped, err := blob.NewVerifyingReader(reader, closer, d)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, imgerr.Validation("%w", err)
	}
	return wrapped, nil
}

// closers closes every member, returning the first error.
type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, closer := range c {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// sliceReader concatenates slices, opening each only when reached.
type sliceReader struct {
	resolver *Resolver
	slices   []digest.Digest
	depth    int
	current  io.ReadCloser
}

func (s *sliceReader) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			if len(s.slices) == 0 {
				return 0, io.EOF
			}
			next, err := s.resolver.open(s.slices[0], s.depth)
			if err != nil {
				return 0, err
			}
			s.current = next
			s.slices = s.slices[1:]
		}
		n, err := s.current.Read(p)
		if err == io.EOF {
			closeErr := s.current.Close()
			s.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *sliceReader) Close() error {
	if s.current != nil {
		return s.current.Close()
	}
	return nil
}
