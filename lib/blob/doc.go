// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob implements the content-addressed store that holds every
// payload byte of an OTA image: regular file contents, file tables,
// manifests, configs and the resource table.
//
// Blobs are identified by an OCI-style digest ("sha256:<hex>"). The
// digest algorithm is fixed per image: sha256 (the default), sha512 or
// blake3. Identical content always maps to one blob no matter how many
// paths, releases or sys-configs reference it.
//
// [DirStore] lays blobs out as blobs/<algorithm>/<hex>, the OCI image
// layout convention. Writes go to a temporary file in the same
// directory and are linked into place, so a crashed build never leaves
// a truncated blob under a valid name and concurrent puts of the same
// content resolve to a single winner. [MemStore] implements the same
// contract in memory for tests.
package blob
