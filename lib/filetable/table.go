// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"fmt"
	"slices"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/codec"
	"github.com/otaimage/otaimage/lib/compress"
)

// MediaType identifies a serialized file table blob.
const MediaType = "application/vnd.otaimage.file-table.v1+cbor+zstd"

// schemaVersion is bumped on incompatible changes to Entry.
const schemaVersion = 1

// Table is an ordered set of entries describing one root filesystem.
type Table struct {
	Entries []Entry
}

// encodedTable is the on-disk form.
type encodedTable struct {
	SchemaVersion int     `cbor:"schema_version"`
	Entries       []Entry `cbor:"entries"`
}

// New returns a table holding entries in canonical order.
func New(entries []Entry) *Table {
	table := &Table{Entries: slices.Clone(entries)}
	table.Sort()
	return table
}

// Sort puts entries in canonical path order.
func (t *Table) Sort() {
	slices.SortStableFunc(t.Entries, func(a, b Entry) int {
		return ComparePaths(a.Path, b.Path)
	})
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.Entries) }

// Lookup finds the entry for a canonical path. The table must be
// sorted.
func (t *Table) Lookup(p string) (*Entry, bool) {
	index := sort.Search(len(t.Entries), func(i int) bool {
		return ComparePaths(t.Entries[i].Path, p) >= 0
	})
	if index < len(t.Entries) && t.Entries[index].Path == p {
		return &t.Entries[index], true
	}
	return nil, false
}

// Validate checks canonical order, path uniqueness, per-entry field
// invariants, and that every entry's parent is a directory in the
// table. A table holding only whiteouts (a pure deletion layer) needs
// no root entry.
func (t *Table) Validate() error {
	directories := make(map[string]bool)
	for i := range t.Entries {
		entry := &t.Entries[i]
		if err := entry.validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if i > 0 {
			previous := t.Entries[i-1].Path
			if c := ComparePaths(previous, entry.Path); c == 0 {
				return fmt.Errorf("duplicate path %s", entry.Path)
			} else if c > 0 {
				return fmt.Errorf("entries out of order: %s before %s", previous, entry.Path)
			}
		}
		if entry.Path != Root && len(directories) > 0 {
			if parent := Parent(entry.Path); !directories[parent] {
				return fmt.Errorf("%s: parent directory %s missing from table", entry.Path, parent)
			}
		}
		if entry.Type == TypeDirectory {
			directories[entry.Path] = true
		}
	}
	return nil
}

// BlobDigests returns the sorted, unique digests of content stored
// outside the table.
func (t *Table) BlobDigests() []digest.Digest {
	seen := make(map[digest.Digest]bool)
	var digests []digest.Digest
	for i := range t.Entries {
		entry := &t.Entries[i]
		if entry.NeedsBlob() && !seen[entry.Digest] {
			seen[entry.Digest] = true
			digests = append(digests, entry.Digest)
		}
	}
	slices.Sort(digests)
	return digests
}

// Stats summarizes a table for image annotations and logs.
type Stats struct {
	Regular     int   `json:"regular"`
	Directories int   `json:"directories"`
	Symlinks    int   `json:"symlinks"`
	Whiteouts   int   `json:"whiteouts"`
	Inlined     int   `json:"inlined"`
	Hardlinked  int   `json:"hardlinked"`
	UniqueBlobs int   `json:"unique_blobs"`
	BlobsSize   int64 `json:"blobs_size"`
	TotalSize   int64 `json:"total_size"`
}

// Stats counts entries by type and sizes referenced content.
func (t *Table) Stats() Stats {
	var stats Stats
	seen := make(map[digest.Digest]bool)
	for i := range t.Entries {
		entry := &t.Entries[i]
		switch entry.Type {
		case TypeRegular:
			stats.Regular++
			stats.TotalSize += entry.Size
			if entry.LinkGroup != 0 {
				stats.Hardlinked++
			}
			if entry.Inlined() {
				stats.Inlined++
			} else if !seen[entry.Digest] {
				seen[entry.Digest] = true
				stats.UniqueBlobs++
				stats.BlobsSize += entry.Size
			}
		case TypeDirectory:
			stats.Directories++
		case TypeSymlink:
			stats.Symlinks++
		case TypeWhiteout:
			stats.Whiteouts++
		}
	}
	return stats
}

// Marshal serializes the table as deterministic CBOR compressed with
// zstd.
func Marshal(t *Table) ([]byte, error) {
	encoded, err := codec.Marshal(encodedTable{SchemaVersion: schemaVersion, Entries: t.Entries})
	if err != nil {
		return nil, fmt.Errorf("encoding file table: %w", err)
	}
	compressed, err := compress.Compress(encoded, compress.Zstd, compress.DefaultZstdLevel)
	if err != nil {
		return nil, fmt.Errorf("compressing file table: %w", err)
	}
	return compressed, nil
}

// Unmarshal parses and validates a serialized table.
func Unmarshal(data []byte) (*Table, error) {
	decompressed, err := compress.Decompress(data, compress.Zstd)
	if err != nil {
		return nil, fmt.Errorf("decompressing file table: %w", err)
	}
	var decoded encodedTable
	if err := codec.Unmarshal(decompressed, &decoded); err != nil {
		return nil, fmt.Errorf("decoding file table: %w", err)
	}
	if decoded.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported file table schema version %d", decoded.SchemaVersion)
	}
	table := &Table{Entries: decoded.Entries}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid file table: %w", err)
	}
	return table, nil
}
