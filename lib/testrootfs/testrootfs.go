// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package testrootfs fabricates small root filesystem trees that cover
// the cases an image round trip must preserve: zero-length files, files
// far above the inline threshold, extended attributes, symlinks,
// hardlinks, special permission bits, non-ASCII names, duplicate
// content, and whiteouts in an upper layer.
//
// The trees are deterministic, so two calls produce byte-identical
// content. They are used by package tests and by the
// "ota-image-tools make-test-rootfs" command.
package testrootfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/xattr"
)

// XattrName and XattrValue are set on the xattr fixture file.
const (
	XattrName  = "user.otaimage.test"
	XattrValue = "custom attribute value"
)

// DefaultLargeFileSize is large enough to cross every default filter
// threshold except slicing.
const DefaultLargeFileSize = 3 << 20

// Options configures the generated trees.
type Options struct {
	// LargeFileSize is the size of /opt/large.bin. Zero means
	// DefaultLargeFileSize.
	LargeFileSize int64
}

// Result reports which optional features were materialized.
type Result struct {
	// Xattrs is false when the filesystem under root rejected user
	// extended attributes; the xattr fixture then has none.
	Xattrs bool
}

// file describes one regular file fixture.
type file struct {
	path    string
	mode    uint32
	content []byte
}

// Base writes the lower layer into root, which must exist.
func Base(root string, options Options) (Result, error) {
	size := options.LargeFileSize
	if size == 0 {
		size = DefaultLargeFileSize
	}

	directories := []struct {
		path string
		mode uint32
	}{
		{"etc", 0o755},
		{"opt", 0o755},
		{"dir", 0o750},
		{"dir/nested", 0o700},
		{"shared", 0o755},
		{"hard", 0o755},
		{"データ", 0o755},
		{"var/log", 0o755},
	}
	for _, directory := range directories {
		full := filepath.Join(root, directory.path)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return Result{}, fmt.Errorf("creating %s: %w", full, err)
		}
	}

	files := []file{
		{"etc/hostname", 0o644, []byte("ota-test\n")},
		{"empty", 0o600, nil},
		{"opt/large.bin", 0o644, Pattern(size)},
		{"opt/tool", 0o4755, []byte("#!/bin/sh\necho tool\n")},
		{"opt/xattr.txt", 0o644, []byte("file carrying a custom extended attribute\n")},
		{"dir/keep.txt", 0o644, []byte("kept across layers\n")},
		{"dir/deleted.txt", 0o644, []byte("removed by the upper layer\n")},
		{"dir/nested/deep.txt", 0o640, bytes.Repeat([]byte("nested content "), 200)},
		{"shared/a.conf", 0o644, bytes.Repeat([]byte("identical content\n"), 100)},
		{"shared/b.conf", 0o644, bytes.Repeat([]byte("identical content\n"), 100)},
		{"hard/one", 0o644, []byte("hardlinked inode content that is longer than sixty-four bytes\n")},
		{"データ/ファイル.txt", 0o644, []byte("こんにちは\n")},
		{"データ/émoji-✓.txt", 0o644, []byte("non-ascii name\n")},
		{"var/log/messages", 0o644, []byte("boot log\n")},
	}
	if err := writeFiles(root, files); err != nil {
		return Result{}, err
	}

	if err := os.Link(filepath.Join(root, "hard/one"), filepath.Join(root, "hard/two")); err != nil {
		return Result{}, fmt.Errorf("creating hardlink: %w", err)
	}
	for link, target := range map[string]string{
		"link-to-hostname": "etc/hostname",
		"dangling":         "/does/not/exist",
		"dir/up":           "..",
	} {
		if err := os.Symlink(target, filepath.Join(root, link)); err != nil {
			return Result{}, fmt.Errorf("creating symlink %s: %w", link, err)
		}
	}

	// Directory modes are applied last so restrictive modes do not block
	// file creation above.
	for i := len(directories) - 1; i >= 0; i-- {
		full := filepath.Join(root, directories[i].path)
		if err := unix.Chmod(full, directories[i].mode); err != nil {
			return Result{}, fmt.Errorf("chmod %s: %w", full, err)
		}
	}

	result := Result{}
	if xattr.Supported(root) {
		target := filepath.Join(root, "opt/xattr.txt")
		if err := xattr.Set(target, XattrName, []byte(XattrValue)); err != nil {
			return Result{}, err
		}
		result.Xattrs = true
	}
	return result, nil
}

// Upper writes an upper layer into root: it deletes dir/deleted.txt
// with a whiteout marker file, adds dir/added.txt, and replaces the
// content of etc/hostname.
func Upper(root string) error {
	for _, directory := range []string{"etc", "dir"} {
		if err := os.MkdirAll(filepath.Join(root, directory), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	for directory, mode := range map[string]uint32{"etc": 0o755, "dir": 0o750} {
		if err := unix.Chmod(filepath.Join(root, directory), mode); err != nil {
			return fmt.Errorf("chmod %s: %w", directory, err)
		}
	}
	return writeFiles(root, []file{
		{"etc/hostname", 0o644, []byte("ota-test-upper\n")},
		{"dir/added.txt", 0o644, []byte("added by the upper layer\n")},
		{"dir/.wh.deleted.txt", 0o000, nil},
	})
}

// Merged writes the tree that results from laying Upper over Base: the
// expected outcome of deploying a two-layer image.
func Merged(root string, options Options) (Result, error) {
	result, err := Base(root, options)
	if err != nil {
		return Result{}, err
	}
	if err := os.Remove(filepath.Join(root, "dir/deleted.txt")); err != nil {
		return Result{}, err
	}
	err = writeFiles(root, []file{
		{"etc/hostname", 0o644, []byte("ota-test-upper\n")},
		{"dir/added.txt", 0o644, []byte("added by the upper layer\n")},
	})
	return result, err
}

// Pattern returns size bytes of deterministic, poorly compressible
// content.
func Pattern(size int64) []byte {
	data := make([]byte, size)
	state := uint64(0x9E3779B97F4A7C15)
	for i := range data {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		data[i] = byte(state >> 32)
	}
	return data
}

func writeFiles(root string, files []file) error {
	for _, f := range files {
		full := filepath.Join(root, f.path)
		if err := os.WriteFile(full, f.content, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", full, err)
		}
		// WriteFile's mode is filtered by umask, and os.Chmod does not
		// take raw setuid bits.
		if err := unix.Chmod(full, f.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", full, err)
		}
	}
	return nil
}
