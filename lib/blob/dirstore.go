// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// TempPrefix marks in-progress blob writes. Anything carrying it is
// garbage from an interrupted write and is never a valid blob.
const TempPrefix = ".tmp-"

// DirStore stores blobs as files under root/<algorithm>/<hex>.
type DirStore struct {
	root      string
	algorithm digest.Algorithm

	// inflight collapses concurrent writes of the same digest within
	// this process. Cross-process races are settled by os.Link, which
	// refuses to replace an existing blob.
	inflight singleflight.Group
}

var _ Store = (*DirStore)(nil)

// NewDirStore opens (creating if necessary) a blob directory.
func NewDirStore(root string, algorithm digest.Algorithm) (*DirStore, error) {
	if _, err := NewHash(algorithm); err != nil {
		return nil, imgerr.Validation("opening blob store: %w", err)
	}
	directory := filepath.Join(root, string(algorithm))
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, imgerr.IO("creating blob directory %s: %w", directory, err)
	}
	return &DirStore{root: root, algorithm: algorithm}, nil
}

// Root returns the store's root directory.
func (s *DirStore) Root() string { return s.root }

// Algorithm returns the digest algorithm of the store.
func (s *DirStore) Algorithm() digest.Algorithm { return s.algorithm }

// Path returns the filesystem path of the blob with digest d.
func (s *DirStore) Path(d digest.Digest) string {
	return filepath.Join(s.root, string(d.Algorithm()), d.Encoded())
}

// Put stores data under its digest.
func (s *DirStore) Put(data []byte) (digest.Digest, error) {
	d, err := Compute(s.algorithm, data)
	if err != nil {
		return "", imgerr.Validation("%w", err)
	}
	err = s.writeOnce(d, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return "", err
	}
	return d, nil
}

// PutFile hashes the file at path and copies it into the store if the
// content is new. The copy is re-hashed; a file that changed between
// the two reads fails with an integrity error instead of storing
// content under the wrong name.
func (s *DirStore) PutFile(path string) (digest.Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, imgerr.IO("opening %s: %w", path, err)
	}
	d, size, err := ComputeReader(s.algorithm, file)
	file.Close()
	if err != nil {
		return "", 0, imgerr.IO("hashing %s: %w", path, err)
	}

	err = s.writeOnce(d, func(w io.Writer) error {
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()
		hasher, err := NewHash(s.algorithm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.MultiWriter(w, hasher), source); err != nil {
			return err
		}
		if copied := FromHash(s.algorithm, hasher); copied != d {
			return imgerr.Integrity("%s changed while being stored: %w", path, imgerr.ErrDigestMismatch)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return d, size, nil
}

// writeOnce creates the blob for d from fill unless it already exists.
func (s *DirStore) writeOnce(d digest.Digest, fill func(io.Writer) error) error {
	_, err, _ := s.inflight.Do(d.String(), func() (any, error) {
		return nil, s.createIfAbsent(d, fill)
	})
	return err
}

func (s *DirStore) createIfAbsent(d digest.Digest, fill func(io.Writer) error) error {
	finalPath := s.Path(d)
	if _, err := os.Lstat(finalPath); err == nil {
		return nil
	}

	directory := filepath.Dir(finalPath)
	tmpFile, err := os.CreateTemp(directory, TempPrefix+"*")
	if err != nil {
		return imgerr.IO("creating temp blob in %s: %w", directory, err)
	}
	tmpPath := tmpFile.Name()
	// The temp name is always removed: after a successful link the blob
	// lives on under finalPath.
	defer os.Remove(tmpPath)

	if err := fill(tmpFile); err != nil {
		tmpFile.Close()
		if imgerr.KindOf(err) != "" {
			return err
		}
		return imgerr.IO("writing blob %s: %w", d, err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return imgerr.IO("setting blob mode %s: %w", d, err)
	}
	if err := tmpFile.Close(); err != nil {
		return imgerr.IO("closing blob %s: %w", d, err)
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return imgerr.IO("committing blob %s: %w", d, err)
	}
	return nil
}

// Get reads and verifies a blob.
func (s *DirStore) Get(d digest.Digest) ([]byte, error) {
	if err := Validate(d); err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	data, err := os.ReadFile(s.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("blob %s not found", d)
		}
		return nil, imgerr.IO("reading blob %s: %w", d, err)
	}
	actual, err := Compute(d.Algorithm(), data)
	if err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	if actual != d {
		return nil, mismatch(d, actual)
	}
	return data, nil
}

// Open returns a verifying reader over a blob.
func (s *DirStore) Open(d digest.Digest) (io.ReadCloser, error) {
	if err := Validate(d); err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	hasher, err := NewHash(d.Algorithm())
	if err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	file, err := os.Open(s.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("blob %s not found", d)
		}
		return nil, imgerr.IO("opening blob %s: %w", d, err)
	}
	return &verifyingReader{reader: file, closer: file, verifier: hasher, expected: d}, nil
}

// Stat returns the size of a blob.
func (s *DirStore) Stat(d digest.Digest) (int64, error) {
	if err := Validate(d); err != nil {
		return 0, imgerr.Validation("%w", err)
	}
	info, err := os.Stat(s.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, imgerr.NotFound("blob %s not found", d)
		}
		return 0, imgerr.IO("stating blob %s: %w", d, err)
	}
	return info.Size(), nil
}

// Has reports whether the blob exists.
func (s *DirStore) Has(d digest.Digest) bool {
	if Validate(d) != nil {
		return false
	}
	_, err := os.Lstat(s.Path(d))
	return err == nil
}

// Remove deletes a blob.
func (s *DirStore) Remove(d digest.Digest) error {
	if err := Validate(d); err != nil {
		return imgerr.Validation("%w", err)
	}
	if err := os.Remove(s.Path(d)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return imgerr.NotFound("blob %s not found", d)
		}
		return imgerr.IO("removing blob %s: %w", d, err)
	}
	return nil
}

// Walk visits every blob of the store's algorithm in digest order.
// Leftover temp files from interrupted writes are skipped.
func (s *DirStore) Walk(fn func(d digest.Digest, size int64) error) error {
	directory := filepath.Join(s.root, string(s.algorithm))
	entries, err := os.ReadDir(directory)
	if err != nil {
		return imgerr.IO("listing blobs in %s: %w", directory, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		d := digest.NewDigestFromEncoded(s.algorithm, name)
		if Validate(d) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return imgerr.IO("stating blob %s: %w", d, err)
		}
		if err := fn(d, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

func mismatch(expected, actual digest.Digest) error {
	return imgerr.Integrity("blob %s: content hashes to %s: %w", expected, actual, imgerr.ErrDigestMismatch)
}
