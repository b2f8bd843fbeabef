// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// Result describes a verified signature.
type Result struct {
	IndexDigest digest.Digest
	Algorithm   string
	IssuedAt    time.Time
	Leaf        *x509.Certificate
	Chain       []*x509.Certificate
}

// Verify checks token against the index bytes it claims to sign. The
// certificate chain embedded in the token must reach one of roots at
// time now, the signature must verify under the leaf key, and the
// claimed digest must equal the digest of index.
func Verify(token string, index []byte, roots []*x509.Certificate, now time.Time) (*Result, error) {
	var (
		chainErr error
		result   Result
	)

	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		chain, err := headerChain(t.Header)
		if err != nil {
			chainErr = imgerr.Integrity("%w: %v", imgerr.ErrInvalidChain, err)
			return nil, chainErr
		}
		verified, err := VerifyChain(chain[0], chain[1:], roots, now)
		if err != nil {
			chainErr = err
			return nil, err
		}
		result.Leaf = chain[0]
		result.Chain = verified[0]
		return chain[0].PublicKey, nil
	})
	if chainErr != nil {
		return nil, chainErr
	}
	if err != nil {
		return nil, imgerr.Integrity("verifying signature: %v", err)
	}
	result.Algorithm = parsed.Method.Alg()

	if err := blob.Validate(claims.IndexDigest); err != nil {
		return nil, imgerr.Integrity("signature claims invalid index digest %q: %v", claims.IndexDigest, err)
	}
	actual, err := blob.Compute(claims.IndexDigest.Algorithm(), index)
	if err != nil {
		return nil, imgerr.Integrity("computing index digest: %v", err)
	}
	if actual != claims.IndexDigest {
		return nil, imgerr.Integrity("%w: signature covers %s, index is %s",
			imgerr.ErrDigestMismatch, claims.IndexDigest, actual)
	}

	result.IndexDigest = claims.IndexDigest
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return &result, nil
}

func headerChain(header map[string]any) ([]*x509.Certificate, error) {
	raw, ok := header[chainHeader].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("token has no x5c certificate chain")
	}
	chain := make([]*x509.Certificate, 0, len(raw))
	for i, entry := range raw {
		text, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certificate, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		chain = append(chain, certificate)
	}
	return chain, nil
}

// ClaimedDigest returns the index digest a token claims to sign without
// verifying anything. It answers "which index is this signature for"
// when deciding build state; trust decisions must use Verify.
func ClaimedDigest(token string) (digest.Digest, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", imgerr.Integrity("parsing signature: %v", err)
	}
	if err := blob.Validate(claims.IndexDigest); err != nil {
		return "", imgerr.Integrity("signature claims invalid index digest %q: %v", claims.IndexDigest, err)
	}
	return claims.IndexDigest, nil
}
