// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package filetable describes a root filesystem as an ordered table of
// entries: path, type, ownership, permission bits, extended attributes
// and either a content reference or a symlink target.
//
// A file table is produced by [Scan] from a directory tree, composed
// from several layers with [Merge], and consumed by the deployer to
// reconstruct the tree. Tables are kept in segment-wise path order
// (every directory before its children) so the serialized form is
// byte-identical for identical inputs.
//
// Regular file content lives in the blob store and is referenced by
// digest. Files up to the configured inline threshold carry their
// bytes in the entry itself; zero-length files never need a blob.
//
// Whiteout entries record that a path inherited from a lower layer is
// deleted. Scan recognizes both overlayfs whiteouts (a character device
// with device number 0/0) and OCI marker files (".wh.<name>").
package filetable
