// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource records how payload blobs are physically stored
// after finalize and resolves them back to their original bytes.
//
// Finalize runs three filters over the payload blobs referenced by the
// image's file tables:
//
//   - bundle: small blobs are concatenated into large bundles, which
//     are stored zstd-compressed;
//   - compression: remaining blobs that compress well are replaced by
//     their compressed form;
//   - slice: very large blobs (including compressed outputs) are split
//     into fixed-size slices.
//
// Each filtered blob gets a record in the resource [Table] naming the
// blob(s) that now hold its content. Records chain: a blob may be
// compressed into a blob that is in turn sliced. The [Resolver]
// follows the chain and verifies every step against its digest.
package resource

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/codec"
	"github.com/otaimage/otaimage/lib/compress"
)

// MediaType identifies a serialized resource table blob.
const MediaType = "application/vnd.otaimage.resource-table.v1+cbor+zstd"

const schemaVersion = 1

// Record describes how one blob is stored. At most one of Compressed,
// Sliced and Bundled is set; a record with none marks a blob stored
// as-is.
type Record struct {
	// Size is the original content size.
	Size int64 `cbor:"size"`

	Compressed *Compressed `cbor:"compressed,omitempty"`
	Sliced     *Sliced     `cbor:"sliced,omitempty"`
	Bundled    *Bundled    `cbor:"bundled,omitempty"`
}

// Compressed content is held by another blob in compressed form.
type Compressed struct {
	Digest    digest.Digest      `cbor:"digest"`
	Algorithm compress.Algorithm `cbor:"algorithm"`
}

// Sliced content is the concatenation of the slice blobs.
type Sliced struct {
	Slices []digest.Digest `cbor:"slices"`
}

// Bundled content is the byte range [Offset, Offset+Length) of the
// bundle blob.
type Bundled struct {
	Bundle digest.Digest `cbor:"bundle"`
	Offset int64         `cbor:"offset"`
	Length int64         `cbor:"length"`
}

// Filter names the filter applied in a record.
func (r *Record) Filter() string {
	switch {
	case r.Compressed != nil:
		return "compressed"
	case r.Sliced != nil:
		return "sliced"
	case r.Bundled != nil:
		return "bundled"
	default:
		return "none"
	}
}

// Table maps blob digests to storage records.
type Table struct {
	Records map[digest.Digest]*Record `cbor:"records"`
}

type encodedTable struct {
	SchemaVersion int                       `cbor:"schema_version"`
	Records       map[digest.Digest]*Record `cbor:"records"`
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Records: make(map[digest.Digest]*Record)}
}

// Lookup returns the record for d, if any.
func (t *Table) Lookup(d digest.Digest) (*Record, bool) {
	record, ok := t.Records[d]
	return record, ok
}

// Counts tallies records by filter.
func (t *Table) Counts() map[string]int {
	counts := make(map[string]int)
	for _, record := range t.Records {
		counts[record.Filter()]++
	}
	return counts
}

// Marshal serializes the table as deterministic CBOR compressed with
// zstd. Map keys are sorted by the encoder.
func Marshal(t *Table) ([]byte, error) {
	encoded, err := codec.Marshal(encodedTable{SchemaVersion: schemaVersion, Records: t.Records})
	if err != nil {
		return nil, fmt.Errorf("encoding resource table: %w", err)
	}
	compressed, err := compress.Compress(encoded, compress.Zstd, compress.DefaultZstdLevel)
	if err != nil {
		return nil, fmt.Errorf("compressing resource table: %w", err)
	}
	return compressed, nil
}

// Unmarshal parses a serialized table.
func Unmarshal(data []byte) (*Table, error) {
	decompressed, err := compress.Decompress(data, compress.Zstd)
	if err != nil {
		return nil, fmt.Errorf("decompressing resource table: %w", err)
	}
	var decoded encodedTable
	if err := codec.Unmarshal(decompressed, &decoded); err != nil {
		return nil, fmt.Errorf("decoding resource table: %w", err)
	}
	if decoded.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported resource table schema version %d", decoded.SchemaVersion)
	}
	if decoded.Records == nil {
		decoded.Records = make(map[digest.Digest]*Record)
	}
	for d, record := range decoded.Records {
		set := 0
		for _, present := range []bool{record.Compressed != nil, record.Sliced != nil, record.Bundled != nil} {
			if present {
				set++
			}
		}
		if set > 1 {
			return nil, fmt.Errorf("resource record %s has %d filters, want at most one", d, set)
		}
	}
	return &Table{Records: decoded.Records}, nil
}
