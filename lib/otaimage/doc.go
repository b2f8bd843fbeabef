// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package otaimage assembles, reads and verifies OTA images.
//
// An image is a directory:
//
//	oci-layout       layout marker
//	index.cbor       the image index
//	index.digest     digest of index.cbor, frozen at finalize
//	index.jwt        signature over the frozen digest
//	blobs/<alg>/<hex> content-addressed blobs
//
// The index lists one manifest per release and sys-config label. Each
// manifest points at an image config and a file table; the file table
// names the payload blobs. After finalize the payload blobs may be
// bundled, compressed or sliced; the resource table referenced from the
// index records how to get each one back.
//
// A [Builder] drives an image through its build states:
//
//	initialized → releases-added → finalized → signed
//
// Every stage persists the index before returning, so each stage can
// run in a separate process. Calling a stage from the wrong state fails
// with an imgerr state error and leaves the image untouched. An [Image]
// is the read-only view used by deploy and inspection tools.
package otaimage
