// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/testrootfs"
)

// testFilters scales the default thresholds down so small fixtures
// exercise every filter.
func testFilters() config.FiltersConfig {
	filters := config.Default().Filters
	filters.Bundle.LowerBound = 16
	filters.Bundle.UpperBound = 512
	filters.Bundle.BundleSize = 2048
	filters.Bundle.TotalCompressedLimit = 1 << 20
	filters.Compression.LowerBound = 512
	filters.Slice.SliceSize = 4096
	return filters
}

type fixture struct {
	store    *blob.MemStore
	payload  []digest.Digest
	contents map[digest.Digest][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: blob.NewMemStore(digest.SHA256), contents: make(map[digest.Digest][]byte)}
	add := func(data []byte) {
		d, err := f.store.Put(data)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		f.payload = append(f.payload, d)
		f.contents[d] = data
	}
	// Small, compressible blobs for bundling.
	for i := range 20 {
		add([]byte(fmt.Sprintf("small config file %02d: %s", i, bytes.Repeat([]byte("key=value\n"), 10))))
	}
	// Medium compressible blob.
	add(bytes.Repeat([]byte("compressible log line\n"), 200))
	// Medium incompressible blob stays raw.
	add(testrootfs.Pattern(3000))
	// Large incompressible blob gets sliced.
	add(testrootfs.Pattern(4096*3 + 1000))
	// Large compressible blob is compressed, and the compressed blob is
	// still large enough to slice.
	add(bytes.Repeat(testrootfs.Pattern(9000), 40))
	return f
}

func TestBuildFiltersAreTransparent(t *testing.T) {
	f := newFixture(t)
	table, summary, err := Build(context.Background(), f.store, f.payload, Options{Filters: testFilters(), Workers: 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if summary.Bundles == 0 || summary.Compressed == 0 || summary.Sliced == 0 {
		t.Errorf("summary = %+v, want every filter applied", summary)
	}

	resolver := NewResolver(f.store, table)
	for d, want := range f.contents {
		got, err := resolver.Get(d)
		if err != nil {
			t.Fatalf("Get(%s): %v", d, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%s) returned %d bytes, want original %d bytes", d, len(got), len(want))
		}
	}
}

func TestBuildRemovesFilteredBlobs(t *testing.T) {
	f := newFixture(t)
	table, _, err := Build(context.Background(), f.store, f.payload, Options{Filters: testFilters(), Workers: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for d := range table.Records {
		if f.store.Has(d) {
			if _, isPayload := f.contents[d]; isPayload {
				t.Errorf("filtered payload blob %s still stored raw", d)
			}
		}
	}
}

func TestBuildKeepsProtectedBlobs(t *testing.T) {
	f := newFixture(t)
	protected := f.payload[20] // the compressible log blob
	_, _, err := Build(context.Background(), f.store, f.payload, Options{
		Filters:   testFilters(),
		Workers:   1,
		Protected: []digest.Digest{protected},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !f.store.Has(protected) {
		t.Error("protected blob removed")
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	var serialized [][]byte
	for range 2 {
		f := newFixture(t)
		table, _, err := Build(context.Background(), f.store, f.payload, Options{Filters: testFilters(), Workers: 8})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		data, err := Marshal(table)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		serialized = append(serialized, data)
	}
	if !bytes.Equal(serialized[0], serialized[1]) {
		t.Error("resource tables differ between identical builds")
	}
}

func TestBuildSkipsAllFilters(t *testing.T) {
	f := newFixture(t)
	filters := testFilters()
	filters.Bundle.Skip = true
	filters.Compression.Skip = true
	filters.Slice.Skip = true
	table, _, err := Build(context.Background(), f.store, f.payload, Options{Filters: filters})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(table.Records) != 0 {
		t.Errorf("table has %d records with every filter skipped", len(table.Records))
	}
}

func TestMarshalRoundtrip(t *testing.T) {
	f := newFixture(t)
	table, _, err := Build(context.Background(), f.store, f.payload, Options{Filters: testFilters(), Workers: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := Marshal(table)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(table, decoded); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestResolverDetectsCorruptSlice(t *testing.T) {
	f := newFixture(t)
	table, _, err := Build(context.Background(), f.store, f.payload, Options{Filters: testFilters(), Workers: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var sliced digest.Digest
	for d, record := range table.Records {
		if record.Sliced != nil {
			sliced = d
			f.store.Corrupt(record.Sliced.Slices[0], []byte("garbage"))
			break
		}
	}
	if sliced == "" {
		t.Fatal("no sliced record")
	}
	if _, err := NewResolver(f.store, table).Get(sliced); !errors.Is(err, imgerr.ErrIntegrity) {
		t.Errorf("Get corrupted: err = %v, want integrity error", err)
	}
}

func TestResolverWithoutTableReadsRawBlobs(t *testing.T) {
	store := blob.NewMemStore(digest.SHA256)
	d, err := store.Put([]byte("raw"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := NewResolver(store, nil).Get(d)
	if err != nil || string(got) != "raw" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestSliceLengths(t *testing.T) {
	tests := []struct {
		size, slice int64
		want        []int64
	}{
		{300, 100, []int64{100, 100, 100}},
		{340, 100, []int64{100, 100, 140}},
		{350, 100, []int64{100, 100, 150}},
		{351, 100, []int64{100, 100, 100, 51}},
	}
	for _, test := range tests {
		got := SliceLengths(test.size, test.slice)
		if !slices.Equal(got, test.want) {
			t.Errorf("SliceLengths(%d, %d) = %v, want %v", test.size, test.slice, got, test.want)
		}
	}
}

func TestCompressionStreamsThroughTempDir(t *testing.T) {
	for _, algorithm := range []string{"zstd", "lz4"} {
		t.Run(algorithm, func(t *testing.T) {
			store, err := blob.NewDirStore(t.TempDir(), digest.SHA256)
			if err != nil {
				t.Fatal(err)
			}
			large := bytes.Repeat([]byte("streamed compression keeps memory flat\n"), 50_000)
			d, err := store.Put(large)
			if err != nil {
				t.Fatal(err)
			}
			filters := testFilters()
			filters.Bundle.Skip = true
			filters.Slice.Skip = true
			filters.Compression.Algorithm = algorithm
			tempDir := t.TempDir()

			table, summary, err := Build(context.Background(), store, []digest.Digest{d},
				Options{Filters: filters, Workers: 2, TempDir: tempDir})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if summary.Compressed != 1 {
				t.Fatalf("Compressed = %d, want 1", summary.Compressed)
			}
			record := table.Records[d]
			if record == nil || record.Compressed == nil || string(record.Compressed.Algorithm) != algorithm {
				t.Fatalf("record = %+v, want %s compression", record, algorithm)
			}
			if size, err := store.Stat(record.Compressed.Digest); err != nil || size >= int64(len(large)) {
				t.Errorf("compressed blob size = %d (err %v), want below %d", size, err, len(large))
			}
			got, err := NewResolver(store, table).Get(d)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, large) {
				t.Error("resolved content differs from original")
			}
			leftovers, err := os.ReadDir(tempDir)
			if err != nil {
				t.Fatal(err)
			}
			if len(leftovers) != 0 {
				t.Errorf("temp dir holds %d leftover files", len(leftovers))
			}
		})
	}
}
