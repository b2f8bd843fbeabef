// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package testrootfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBaseCreatesFixtures(t *testing.T) {
	root := t.TempDir()
	if _, err := Base(root, Options{LargeFileSize: 4096}); err != nil {
		t.Fatalf("Base: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "empty"))
	if err != nil {
		t.Fatalf("Stat empty: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("empty size = %d, want 0", info.Size())
	}

	large, err := os.ReadFile(filepath.Join(root, "opt/large.bin"))
	if err != nil {
		t.Fatalf("ReadFile large: %v", err)
	}
	if !bytes.Equal(large, Pattern(4096)) {
		t.Error("large.bin does not hold the deterministic pattern")
	}

	tool, err := os.Stat(filepath.Join(root, "opt/tool"))
	if err != nil {
		t.Fatalf("Stat tool: %v", err)
	}
	if tool.Mode()&os.ModeSetuid == 0 {
		t.Errorf("tool mode = %v, want setuid", tool.Mode())
	}

	if target, err := os.Readlink(filepath.Join(root, "link-to-hostname")); err != nil || target != "etc/hostname" {
		t.Errorf("Readlink = %q, %v; want etc/hostname", target, err)
	}
	if _, err := os.Stat(filepath.Join(root, "データ", "ファイル.txt")); err != nil {
		t.Errorf("UTF-8 fixture missing: %v", err)
	}
}

func TestUpperWritesWhiteoutMarker(t *testing.T) {
	root := t.TempDir()
	if err := Upper(root); err != nil {
		t.Fatalf("Upper: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, "dir", ".wh.deleted.txt")); err != nil {
		t.Errorf("whiteout marker missing: %v", err)
	}
}

func TestMergedOmitsDeletedFile(t *testing.T) {
	root := t.TempDir()
	if _, err := Merged(root, Options{LargeFileSize: 1024}); err != nil {
		t.Fatalf("Merged: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, "dir", "deleted.txt")); !os.IsNotExist(err) {
		t.Errorf("deleted.txt present in merged tree (err = %v)", err)
	}
	content, err := os.ReadFile(filepath.Join(root, "etc", "hostname"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "ota-test-upper\n" {
		t.Errorf("hostname = %q, want upper content", content)
	}
}

func TestPatternIsDeterministic(t *testing.T) {
	if !bytes.Equal(Pattern(1000), Pattern(1000)) {
		t.Error("Pattern differs between calls")
	}
	if bytes.Equal(Pattern(1000)[:500], Pattern(1000)[500:]) {
		t.Error("Pattern repeats within 1000 bytes")
	}
}
