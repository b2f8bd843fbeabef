// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// every on-disk metadata document of an OTA image: the image index,
// manifests, configs, file tables and the resource table.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes, which is what makes two
// builds from identical inputs produce identical images.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever serialized as CBOR (file table
//     entries, resource table records).
//   - `json` tag: the type is serialized as CBOR on disk and may also be
//     printed as JSON by inspection tooling (index, manifests, configs).
//     fxamacker/cbor reads `json` tags when `cbor` tags are absent.
//
// Never use both tags on the same field.
package codec
