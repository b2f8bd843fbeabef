// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package xattr

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReplaceAndReadAll(t *testing.T) {
	dir := t.TempDir()
	if !Supported(dir) {
		t.Skip("user xattrs not supported on this filesystem")
	}
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Set(path, "user.stale", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := map[string][]byte{
		"user.comment": []byte("hello"),
		"user.large":   bytes.Repeat([]byte("v"), 1000),
	}
	if err := Replace(path, want); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	delete(got, "security.selinux")
	if len(got) != len(want) {
		t.Fatalf("ReadAll returned %d attributes, want %d: %v", len(got), len(want), got)
	}
	for name, value := range want {
		if !bytes.Equal(got[name], value) {
			t.Errorf("%s = %q, want %q", name, got[name], value)
		}
	}
}

func TestReadAllWithoutAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for name := range got {
		if strings.HasPrefix(name, "user.") {
			t.Errorf("unexpected attribute %s", name)
		}
	}
}
