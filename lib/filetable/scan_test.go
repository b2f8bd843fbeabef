// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/testrootfs"
)

func scanOptions(store blob.Store) ScanOptions {
	return ScanOptions{Store: store, InlineThreshold: 64, Workers: 4}
}

func TestScanBaseTree(t *testing.T) {
	root := t.TempDir()
	result, err := testrootfs.Base(root, testrootfs.Options{LargeFileSize: 1 << 20})
	if err != nil {
		t.Fatalf("Base: %v", err)
	}
	store := blob.NewMemStore(digest.SHA256)

	table, err := Scan(context.Background(), root, scanOptions(store))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("scanned table invalid: %v", err)
	}

	empty, ok := table.Lookup("/empty")
	if !ok {
		t.Fatal("/empty missing")
	}
	if empty.Size != 0 || !empty.Inlined() || empty.Digest != digest.FromString("") {
		t.Errorf("/empty = %+v, want inlined zero-length file", empty)
	}

	hostname, _ := table.Lookup("/etc/hostname")
	if !bytes.Equal(hostname.Inline, []byte("ota-test\n")) {
		t.Errorf("/etc/hostname inline = %q", hostname.Inline)
	}

	large, _ := table.Lookup("/opt/large.bin")
	if large.Inlined() {
		t.Error("/opt/large.bin inlined")
	}
	content, err := store.Get(large.Digest)
	if err != nil {
		t.Fatalf("Get large: %v", err)
	}
	if !bytes.Equal(content, testrootfs.Pattern(1<<20)) {
		t.Error("stored large content differs from source")
	}

	tool, _ := table.Lookup("/opt/tool")
	if tool.Mode != 0o4755 {
		t.Errorf("/opt/tool mode = %o, want 4755", tool.Mode)
	}

	link, _ := table.Lookup("/link-to-hostname")
	if link.Type != TypeSymlink || link.Target != "etc/hostname" {
		t.Errorf("/link-to-hostname = %+v", link)
	}

	if _, ok := table.Lookup("/データ/ファイル.txt"); !ok {
		t.Error("UTF-8 path missing")
	}

	if result.Xattrs {
		xattrFile, _ := table.Lookup("/opt/xattr.txt")
		if string(xattrFile.Xattrs[testrootfs.XattrName]) != testrootfs.XattrValue {
			t.Errorf("xattrs = %v", xattrFile.Xattrs)
		}
	}

	one, _ := table.Lookup("/hard/one")
	two, _ := table.Lookup("/hard/two")
	if one.LinkGroup == 0 || one.LinkGroup != two.LinkGroup {
		t.Errorf("hardlink groups = %d, %d; want equal and non-zero", one.LinkGroup, two.LinkGroup)
	}

	// shared/a.conf and shared/b.conf hold identical content.
	a, _ := table.Lookup("/shared/a.conf")
	b, _ := table.Lookup("/shared/b.conf")
	if a.Digest != b.Digest {
		t.Errorf("duplicate content produced different digests")
	}
	count := 0
	store.Walk(func(d digest.Digest, _ int64) error {
		if d == a.Digest {
			count++
		}
		return nil
	})
	if count != 1 {
		t.Errorf("shared content stored %d times, want 1", count)
	}
}

func TestScanRecordsWhiteoutMarkers(t *testing.T) {
	root := t.TempDir()
	if err := testrootfs.Upper(root); err != nil {
		t.Fatalf("Upper: %v", err)
	}
	table, err := Scan(context.Background(), root, scanOptions(blob.NewMemStore(digest.SHA256)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entry, ok := table.Lookup("/dir/deleted.txt")
	if !ok || entry.Type != TypeWhiteout {
		t.Fatalf("/dir/deleted.txt = %+v, %v; want whiteout", entry, ok)
	}
	if _, ok := table.Lookup("/dir/.wh.deleted.txt"); ok {
		t.Error("marker file passed through verbatim")
	}
}

func TestScanRecordsCharacterDeviceWhiteout(t *testing.T) {
	root := t.TempDir()
	if err := unix.Mknod(filepath.Join(root, "gone"), unix.S_IFCHR|0o000, 0); err != nil {
		t.Skipf("cannot create 0/0 character device: %v", err)
	}
	table, err := Scan(context.Background(), root, scanOptions(blob.NewMemStore(digest.SHA256)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if entry, ok := table.Lookup("/gone"); !ok || entry.Type != TypeWhiteout {
		t.Errorf("/gone = %+v, %v; want whiteout", entry, ok)
	}
}

func TestScanSkipsSpecialFiles(t *testing.T) {
	root := t.TempDir()
	if err := unix.Mkfifo(filepath.Join(root, "fifo"), 0o644); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "regular"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	table, err := Scan(context.Background(), root, scanOptions(blob.NewMemStore(digest.SHA256)))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := table.Lookup("/fifo"); ok {
		t.Error("fifo recorded in table")
	}
	if _, ok := table.Lookup("/regular"); !ok {
		t.Error("regular file missing")
	}
}

func TestScanUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission checks")
	}
	root := t.TempDir()
	locked := filepath.Join(root, "locked")
	if err := os.Mkdir(locked, 0o000); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	_, err := Scan(context.Background(), root, scanOptions(blob.NewMemStore(digest.SHA256)))
	if !errors.Is(err, imgerr.ErrIO) {
		t.Errorf("Scan: err = %v, want io error", err)
	}
}

func TestScanIsDeterministic(t *testing.T) {
	root := t.TempDir()
	if _, err := testrootfs.Base(root, testrootfs.Options{LargeFileSize: 8192}); err != nil {
		t.Fatalf("Base: %v", err)
	}
	var serialized [][]byte
	for range 2 {
		table, err := Scan(context.Background(), root, scanOptions(blob.NewMemStore(digest.SHA256)))
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		data, err := Marshal(table)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		serialized = append(serialized, data)
	}
	if !bytes.Equal(serialized[0], serialized[1]) {
		t.Error("two scans of one tree serialized differently")
	}
}
