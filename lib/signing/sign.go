// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// chainHeader is the JWS header carrying the certificate chain
// (RFC 7515 section 4.1.6): standard base64 DER, leaf first.
const chainHeader = "x5c"

// validMethods are the signature algorithms accepted on verify.
var validMethods = []string{"ES256", "ES384", "ES512", "RS256", "EdDSA"}

// Claims is the signed payload.
type Claims struct {
	IndexDigest digest.Digest `json:"index_digest"`
	jwt.RegisteredClaims
}

// Sign signs indexDigest with key. chain is the signing certificate
// followed by any intermediates; chain[0] must certify key's public
// key. The issued-at claim is now truncated to seconds.
func Sign(indexDigest digest.Digest, key crypto.Signer, chain []*x509.Certificate, now time.Time) (string, error) {
	if err := blob.Validate(indexDigest); err != nil {
		return "", imgerr.Validation("signing index digest %q: %w", indexDigest, err)
	}
	if len(chain) == 0 {
		return "", imgerr.Validation("signing requires a certificate")
	}
	if !publicKeyMatches(chain[0].PublicKey, key.Public()) {
		return "", imgerr.Validation("certificate %q does not match the signing key", chain[0].Subject)
	}
	method, err := methodFor(key)
	if err != nil {
		return "", imgerr.Validation("%w", err)
	}

	encoded := make([]string, len(chain))
	for i, certificate := range chain {
		encoded[i] = base64.StdEncoding.EncodeToString(certificate.Raw)
	}

	token := jwt.NewWithClaims(method, Claims{
		IndexDigest: indexDigest,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now.Truncate(time.Second)),
		},
	})
	token.Header[chainHeader] = encoded

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing index: %w", err)
	}
	return signed, nil
}

func methodFor(key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, nil
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		case elliptic.P521():
			return jwt.SigningMethodES512, nil
		}
		return nil, fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
	}
	return nil, fmt.Errorf("unsupported signing key type %T", key)
}

func publicKeyMatches(certified, actual crypto.PublicKey) bool {
	comparable, ok := certified.(interface{ Equal(crypto.PublicKey) bool })
	return ok && comparable.Equal(actual)
}

// SplitCAs separates trust anchors from intermediates: self-signed
// certificates are roots, everything else is an intermediate. If no
// certificate is self-signed every one of them is trusted as a root.
func SplitCAs(certificates []*x509.Certificate) (roots, intermediates []*x509.Certificate) {
	for _, certificate := range certificates {
		if selfSigned(certificate) {
			roots = append(roots, certificate)
		} else {
			intermediates = append(intermediates, certificate)
		}
	}
	if len(roots) == 0 {
		return certificates, nil
	}
	return roots, intermediates
}

func selfSigned(certificate *x509.Certificate) bool {
	if !bytes.Equal(certificate.RawIssuer, certificate.RawSubject) {
		return false
	}
	return certificate.CheckSignatureFrom(certificate) == nil
}

// VerifyChain checks that leaf chains through intermediates to one of
// roots at time now. Failures wrap imgerr.ErrInvalidChain.
func VerifyChain(leaf *x509.Certificate, intermediates, roots []*x509.Certificate, now time.Time) ([][]*x509.Certificate, error) {
	if len(roots) == 0 {
		return nil, imgerr.Integrity("%w: no trusted root certificates", imgerr.ErrInvalidChain)
	}
	options := x509.VerifyOptions{
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, root := range roots {
		options.Roots.AddCert(root)
	}
	for _, intermediate := range intermediates {
		options.Intermediates.AddCert(intermediate)
	}
	chains, err := leaf.Verify(options)
	if err != nil {
		return nil, imgerr.Integrity("%w: %q: %v", imgerr.ErrInvalidChain, leaf.Subject, err)
	}
	return chains, nil
}
