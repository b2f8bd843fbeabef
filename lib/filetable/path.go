// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"cmp"
	"path"
	"strings"
)

// Root is the path of the table's root directory.
const Root = "/"

// CleanPath canonicalizes p to an absolute slash path.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// Segments splits a canonical path into its components. The root has
// no segments.
func Segments(p string) []string {
	if p == Root {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// ComparePaths orders canonical paths segment by segment, so a
// directory sorts immediately before its descendants
// ("/a" < "/a/b" < "/a-b"). Treating '/' as the lowest byte gives the
// segment order without splitting.
func ComparePaths(a, b string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		charA, charB := a[i], b[i]
		if charA == charB {
			continue
		}
		if charA == '/' {
			return -1
		}
		if charB == '/' {
			return 1
		}
		return cmp.Compare(charA, charB)
	}
	return cmp.Compare(len(a), len(b))
}

// Parent returns the parent directory of p. The root is its own parent.
func Parent(p string) string {
	return path.Dir(p)
}

// IsDescendant reports whether p lies strictly below ancestor.
func IsDescendant(p, ancestor string) bool {
	if ancestor == Root {
		return p != Root
	}
	return strings.HasPrefix(p, ancestor+"/")
}
