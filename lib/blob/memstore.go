// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// MemStore is an in-memory Store for tests of individual pipeline
// stages.
type MemStore struct {
	algorithm digest.Algorithm

	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore(algorithm digest.Algorithm) *MemStore {
	return &MemStore{algorithm: algorithm, blobs: make(map[digest.Digest][]byte)}
}

// Algorithm returns the digest algorithm of the store.
func (s *MemStore) Algorithm() digest.Algorithm { return s.algorithm }

// Put stores a copy of data.
func (s *MemStore) Put(data []byte) (digest.Digest, error) {
	d, err := Compute(s.algorithm, data)
	if err != nil {
		return "", imgerr.Validation("%w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[d]; !exists {
		s.blobs[d] = bytes.Clone(data)
	}
	return d, nil
}

// PutFile reads the whole file and stores it.
func (s *MemStore) PutFile(path string) (digest.Digest, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, imgerr.IO("reading %s: %w", path, err)
	}
	d, err := s.Put(data)
	return d, int64(len(data)), err
}

// Get returns a copy of a blob.
func (s *MemStore) Get(d digest.Digest) ([]byte, error) {
	s.mu.RLock()
	data, exists := s.blobs[d]
	s.mu.RUnlock()
	if !exists {
		return nil, imgerr.NotFound("blob %s not found", d)
	}
	actual, err := Compute(d.Algorithm(), data)
	if err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	if actual != d {
		return nil, mismatch(d, actual)
	}
	return bytes.Clone(data), nil
}

// Open returns a reader over a blob.
func (s *MemStore) Open(d digest.Digest) (io.ReadCloser, error) {
	data, err := s.Get(d)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat returns the size of a blob.
func (s *MemStore) Stat(d digest.Digest) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.blobs[d]
	if !exists {
		return 0, imgerr.NotFound("blob %s not found", d)
	}
	return int64(len(data)), nil
}

// Has reports whether the blob exists.
func (s *MemStore) Has(d digest.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.blobs[d]
	return exists
}

// Remove deletes a blob.
func (s *MemStore) Remove(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[d]; !exists {
		return imgerr.NotFound("blob %s not found", d)
	}
	delete(s.blobs, d)
	return nil
}

// Walk visits every blob in digest order. fn runs without the lock
// held, so it may call back into the store.
func (s *MemStore) Walk(fn func(d digest.Digest, size int64) error) error {
	s.mu.RLock()
	digests := make([]digest.Digest, 0, len(s.blobs))
	sizes := make(map[digest.Digest]int64, len(s.blobs))
	for d, data := range s.blobs {
		digests = append(digests, d)
		sizes[d] = int64(len(data))
	}
	s.mu.RUnlock()

	slices.Sort(digests)
	for _, d := range digests {
		if err := fn(d, sizes[d]); err != nil {
			return err
		}
	}
	return nil
}

// Corrupt replaces the stored bytes of d without changing its key.
// Tests use it to exercise integrity failures.
func (s *MemStore) Corrupt(d digest.Digest, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[d] = bytes.Clone(data)
}
