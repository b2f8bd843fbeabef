// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package xattr reads and writes extended attributes without following
// symlinks. Filesystems that do not support extended attributes are
// treated as having none.
package xattr

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// unsupported reports errors that mean "this filesystem or file type
// carries no xattrs".
func unsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}

// List returns the sorted attribute names of path.
func List(path string) ([]string, error) {
	size := 256
	for {
		buffer := make([]byte, size)
		n, err := unix.Llistxattr(path, buffer)
		if err != nil {
			if unsupported(err) {
				return nil, nil
			}
			if errors.Is(err, unix.ERANGE) {
				size, err = unix.Llistxattr(path, nil)
				if err != nil {
					return nil, fmt.Errorf("listing xattrs of %s: %w", path, err)
				}
				size++
				continue
			}
			return nil, fmt.Errorf("listing xattrs of %s: %w", path, err)
		}
		var names []string
		for _, name := range bytes.Split(buffer[:n], []byte{0}) {
			if len(name) > 0 {
				names = append(names, string(name))
			}
		}
		slices.Sort(names)
		return names, nil
	}
}

// Get returns the value of one attribute.
func Get(path, name string) ([]byte, error) {
	size := 256
	for {
		buffer := make([]byte, size)
		n, err := unix.Lgetxattr(path, name, buffer)
		if err != nil {
			if errors.Is(err, unix.ERANGE) {
				size, err = unix.Lgetxattr(path, name, nil)
				if err != nil {
					return nil, fmt.Errorf("reading xattr %s of %s: %w", name, path, err)
				}
				size++
				continue
			}
			return nil, fmt.Errorf("reading xattr %s of %s: %w", name, path, err)
		}
		return buffer[:n], nil
	}
}

// ReadAll returns every attribute of path, or nil if there are none.
func ReadAll(path string) (map[string][]byte, error) {
	names, err := List(path)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	values := make(map[string][]byte, len(names))
	for _, name := range names {
		value, err := Get(path, name)
		if err != nil {
			// Attribute removed between list and get.
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

// Set writes one attribute.
func Set(path, name string, value []byte) error {
	if err := unix.Lsetxattr(path, name, value, 0); err != nil {
		return fmt.Errorf("setting xattr %s on %s: %w", name, path, err)
	}
	return nil
}

// Replace makes the attributes of path match want: attributes not in
// want are removed and the rest are written. Labels in the security
// namespace that the kernel assigned on creation are left alone unless
// want names them.
func Replace(path string, want map[string][]byte) error {
	existing, err := List(path)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, keep := want[name]; keep || strings.HasPrefix(name, "security.") {
			continue
		}
		if err := unix.Lremovexattr(path, name); err != nil && !errors.Is(err, unix.ENODATA) {
			return fmt.Errorf("removing xattr %s from %s: %w", name, path, err)
		}
	}
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := Set(path, name, want[name]); err != nil {
			return err
		}
	}
	return nil
}

// Supported reports whether user xattrs can be written under dir.
// Tests use it to skip on tmpfs variants without user xattr support.
func Supported(dir string) bool {
	const name = "user.otaimage.supported"
	if err := unix.Lsetxattr(dir, name, []byte("1"), 0); err != nil {
		return false
	}
	unix.Lremovexattr(dir, name)
	return true
}
