// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing produces and verifies the signature of an image
// index.
//
// A signature is a compact JWS (index.jwt) whose payload claims the
// digest of the serialized index and whose protected header carries the
// signing certificate and its intermediates in an "x5c" array, leaf
// first. Verification trusts nothing in the token by itself: the chain
// from the embedded leaf must reach a caller-supplied root, every
// certificate must be inside its validity period, and the claimed
// digest must equal the digest of the index bytes being verified.
//
// Ed25519 and RSA (PKCS #1 v1.5) signatures are deterministic, so a
// reproducible build signed with them yields a byte-identical
// signature. ECDSA signatures are randomized.
package signing
