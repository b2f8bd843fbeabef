// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// EntryType is the kind of filesystem object an entry describes.
type EntryType string

const (
	TypeRegular   EntryType = "regular"
	TypeDirectory EntryType = "directory"
	TypeSymlink   EntryType = "symlink"
	TypeWhiteout  EntryType = "whiteout"
)

// Entry is one filesystem object.
type Entry struct {
	// Path is the canonical absolute slash path ("/", "/etc/hosts").
	Path string `cbor:"path"`

	Type EntryType `cbor:"type"`

	// Mode holds the permission bits plus setuid, setgid and sticky
	// (mask 07777). The file type is carried by Type.
	Mode uint32 `cbor:"mode"`
	UID  uint32 `cbor:"uid"`
	GID  uint32 `cbor:"gid"`

	Xattrs map[string][]byte `cbor:"xattrs,omitempty"`

	// Size and Digest describe regular file content.
	Size   int64         `cbor:"size,omitempty"`
	Digest digest.Digest `cbor:"digest,omitempty"`

	// Inline holds the content of small regular files. When set, no
	// blob is stored for Digest.
	Inline []byte `cbor:"inline,omitempty"`

	// Target is the symlink target, stored verbatim.
	Target string `cbor:"target,omitempty"`

	// LinkGroup is non-zero for regular files that are hardlinks of one
	// inode. Entries sharing a group are recreated as hardlinks.
	LinkGroup uint32 `cbor:"link_group,omitempty"`
}

// Inlined reports whether the entry's content is carried in the table
// rather than in the blob store.
func (e *Entry) Inlined() bool {
	return e.Type == TypeRegular && (e.Size == 0 || len(e.Inline) > 0)
}

// NeedsBlob reports whether the entry references a stored blob.
func (e *Entry) NeedsBlob() bool {
	return e.Type == TypeRegular && !e.Inlined()
}

// validate checks the per-type field invariants of one entry.
func (e *Entry) validate() error {
	if e.Path != CleanPath(e.Path) {
		return fmt.Errorf("path %q is not canonical", e.Path)
	}
	if e.Mode&^0o7777 != 0 {
		return fmt.Errorf("%s: mode %o has bits outside 07777", e.Path, e.Mode)
	}
	switch e.Type {
	case TypeRegular:
		if e.Digest == "" {
			return fmt.Errorf("%s: regular file without digest", e.Path)
		}
		if len(e.Inline) > 0 && int64(len(e.Inline)) != e.Size {
			return fmt.Errorf("%s: inline content is %d bytes, size says %d", e.Path, len(e.Inline), e.Size)
		}
		if e.Target != "" {
			return fmt.Errorf("%s: regular file with symlink target", e.Path)
		}
	case TypeDirectory:
		if e.Digest != "" || e.Target != "" || e.Size != 0 {
			return fmt.Errorf("%s: directory with content fields", e.Path)
		}
	case TypeSymlink:
		if e.Target == "" {
			return fmt.Errorf("%s: symlink without target", e.Path)
		}
		if e.Digest != "" {
			return fmt.Errorf("%s: symlink with content digest", e.Path)
		}
	case TypeWhiteout:
		if e.Path == Root {
			return fmt.Errorf("whiteout of the root directory")
		}
	default:
		return fmt.Errorf("%s: unknown entry type %q", e.Path, e.Type)
	}
	return nil
}
