// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"context"
	"crypto"
	"crypto/x509"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/otaimage/otaimage/lib/artifact"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/signing"
)

// SignRequest carries the signing material.
type SignRequest struct {
	Key         crypto.Signer
	Certificate *x509.Certificate

	// CACertificates are the trusted root and any intermediates. The
	// signing certificate must chain to a root among them; the
	// intermediates are embedded in the signature.
	CACertificates []*x509.Certificate

	// Force re-signs an image that is already signed.
	Force bool
}

// Sign signs the frozen index digest and writes index.jwt.
func (b *Builder) Sign(request SignRequest) error {
	switch status := b.Status(); {
	case status == StateFinalized:
	case status == StateSigned && request.Force:
		b.logger.Warn("replacing existing signature")
	case status == StateSigned:
		return imgerr.State("image is already signed; use force to re-sign")
	default:
		return imgerr.State("sign is not allowed on a %s image", status)
	}
	if request.Key == nil || request.Certificate == nil {
		return imgerr.Validation("sign requires a key and a certificate")
	}

	frozen, err := b.FrozenDigest()
	if err != nil {
		return err
	}
	current, err := b.IndexDigest()
	if err != nil {
		return imgerr.Validation("%w", err)
	}
	if current != frozen {
		return imgerr.Integrity("%w: index is %s, frozen at finalize as %s",
			imgerr.ErrDigestMismatch, current, frozen)
	}

	now := b.clock.Now()
	roots, intermediates := signing.SplitCAs(request.CACertificates)
	if _, err := signing.VerifyChain(request.Certificate, intermediates, roots, now); err != nil {
		return err
	}
	chain := append([]*x509.Certificate{request.Certificate}, intermediates...)
	token, err := signing.Sign(frozen, request.Key, chain, now)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(b.Root, SignatureFile), []byte(token), 0o644); err != nil {
		return imgerr.IO("writing %s: %w", SignatureFile, err)
	}
	b.logger.Info("image signed", "index_digest", frozen, "subject", request.Certificate.Subject.String())
	return nil
}

// PackArtifact writes the signed image as a single artifact file.
func (b *Builder) PackArtifact(ctx context.Context, output string) (artifact.Summary, error) {
	if err := b.requireState("pack-artifact", StateSigned); err != nil {
		return artifact.Summary{}, err
	}
	return artifact.Pack(ctx, b.Root, output, b.logger)
}
