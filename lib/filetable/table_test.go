// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func dir(p string) Entry { return Entry{Path: p, Type: TypeDirectory, Mode: 0o755} }

func regular(p, content string) Entry {
	entry := Entry{
		Path:   p,
		Type:   TypeRegular,
		Mode:   0o644,
		Size:   int64(len(content)),
		Digest: digest.FromString(content),
	}
	if content != "" {
		entry.Inline = []byte(content)
	}
	return entry
}

func symlink(p, target string) Entry {
	return Entry{Path: p, Type: TypeSymlink, Mode: 0o777, Target: target}
}

func whiteout(p string) Entry { return Entry{Path: p, Type: TypeWhiteout} }

func paths(table *Table) []string {
	var result []string
	for _, entry := range table.Entries {
		result = append(result, entry.Path)
	}
	return result
}

func TestNewSortsEntries(t *testing.T) {
	table := New([]Entry{regular("/etc/hosts", "x"), dir("/etc"), dir("/")})
	want := []string{"/", "/etc", "/etc/hosts"}
	if diff := cmp.Diff(want, paths(table)); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if err := table.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		message string
	}{
		{"missing parent", []Entry{dir("/"), regular("/etc/hosts", "x")}, "parent directory /etc missing"},
		{"duplicate", []Entry{dir("/"), dir("/a"), dir("/a")}, "duplicate path /a"},
		{"regular without digest", []Entry{dir("/"), {Path: "/f", Type: TypeRegular}}, "without digest"},
		{"symlink without target", []Entry{dir("/"), {Path: "/l", Type: TypeSymlink}}, "without target"},
		{"non-canonical", []Entry{dir("/"), dir("/a/")}, "not canonical"},
		{"mode bits", []Entry{{Path: "/", Type: TypeDirectory, Mode: 0o40755}}, "outside 07777"},
		{"parent is file", []Entry{dir("/"), regular("/f", "x"), regular("/f/g", "y")}, "parent directory /f missing"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			table := &Table{Entries: test.entries}
			err := table.Validate()
			if err == nil {
				t.Fatal("Validate succeeded")
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("error %q does not contain %q", err, test.message)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	table := New([]Entry{dir("/"), dir("/a"), regular("/a/b", "b"), regular("/a-b", "ab")})
	entry, ok := table.Lookup("/a/b")
	if !ok || entry.Path != "/a/b" {
		t.Fatalf("Lookup(/a/b) = %v, %v", entry, ok)
	}
	if _, ok := table.Lookup("/a/c"); ok {
		t.Error("Lookup(/a/c) found an entry")
	}
}

func TestMarshalRoundtripAndDeterminism(t *testing.T) {
	large := Entry{
		Path:   "/bin/tool",
		Type:   TypeRegular,
		Mode:   0o4755,
		UID:    0,
		GID:    0,
		Size:   4096,
		Digest: digest.FromString("tool"),
		Xattrs: map[string][]byte{
			"security.capability": {1, 2, 3},
			"user.comment":        []byte("hello"),
		},
	}
	entries := []Entry{dir("/"), dir("/bin"), large, symlink("/sbin", "bin"), regular("/empty", ""), whiteout("/gone")}

	first, err := Marshal(New(entries))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Reverse insertion order must not change the bytes.
	reversed := make([]Entry, len(entries))
	for i, entry := range entries {
		reversed[len(entries)-1-i] = entry
	}
	second, err := Marshal(New(reversed))
	if err != nil {
		t.Fatalf("Marshal reversed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("serialized tables differ for the same entries")
	}

	decoded, err := Unmarshal(first)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(New(entries).Entries, decoded.Entries); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	shared := Entry{Path: "/a", Type: TypeRegular, Size: 100, Digest: digest.FromString("shared")}
	copyOfShared := shared
	copyOfShared.Path = "/b"
	table := New([]Entry{
		dir("/"), shared, copyOfShared, regular("/c", "tiny"), regular("/empty", ""),
		symlink("/l", "a"), whiteout("/w"),
	})
	stats := table.Stats()
	want := Stats{
		Regular:     4,
		Directories: 1,
		Symlinks:    1,
		Whiteouts:   1,
		Inlined:     2,
		UniqueBlobs: 1,
		BlobsSize:   100,
		TotalSize:   204,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if got := table.BlobDigests(); len(got) != 1 || got[0] != shared.Digest {
		t.Errorf("BlobDigests = %v, want [%s]", got, shared.Digest)
	}
}
