// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package signingtest fabricates throwaway certificate chains for
// signing tests and local image builds: a self-signed root, an
// intermediate CA, and a signing leaf.
package signingtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Key algorithms understood by Options.KeyAlgorithm.
const (
	Ed25519   = "ed25519"
	ECDSAP256 = "ecdsa-p256"
	ECDSAP384 = "ecdsa-p384"
	RSA2048   = "rsa-2048"
)

// Options control chain generation. Zero values give an Ed25519 chain
// valid from an hour ago for ten years.
type Options struct {
	KeyAlgorithm string
	NotBefore    time.Time
	NotAfter     time.Time

	// LeafNotAfter overrides the leaf's expiry, for expired-certificate
	// cases.
	LeafNotAfter time.Time
}

// Chain is a generated root → intermediate → leaf hierarchy.
type Chain struct {
	Root         *x509.Certificate
	RootKey      crypto.Signer
	Intermediate *x509.Certificate
	Leaf         *x509.Certificate
	LeafKey      crypto.Signer
}

// Files are the PEM files written by WriteFiles.
type Files struct {
	// RootCert holds only the root certificate.
	RootCert string
	// CACerts holds the root and the intermediate.
	CACerts string
	// SignCert holds the leaf certificate.
	SignCert string
	// SignKey holds the leaf private key in PKCS #8.
	SignKey string
}

// NewChain generates a chain.
func NewChain(options Options) (*Chain, error) {
	if options.KeyAlgorithm == "" {
		options.KeyAlgorithm = Ed25519
	}
	if options.NotBefore.IsZero() {
		options.NotBefore = time.Now().Add(-time.Hour)
	}
	if options.NotAfter.IsZero() {
		options.NotAfter = options.NotBefore.AddDate(10, 0, 0)
	}
	leafNotAfter := options.NotAfter
	if !options.LeafNotAfter.IsZero() {
		leafNotAfter = options.LeafNotAfter
	}

	rootKey, err := generateKey(options.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	intermediateKey, err := generateKey(options.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	leafKey, err := generateKey(options.KeyAlgorithm)
	if err != nil {
		return nil, err
	}

	rootTemplate := caTemplate("OTA Image Test Root CA", options.NotBefore, options.NotAfter)
	root, err := issue(rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}
	intermediate, err := issue(
		caTemplate("OTA Image Test Intermediate CA", options.NotBefore, options.NotAfter),
		root, intermediateKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating intermediate: %w", err)
	}
	leafTemplate := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "OTA Image Test Signer"},
		NotBefore:   options.NotBefore,
		NotAfter:    leafNotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	leaf, err := issue(leafTemplate, intermediate, leafKey.Public(), intermediateKey)
	if err != nil {
		return nil, fmt.Errorf("creating leaf: %w", err)
	}

	return &Chain{
		Root:         root,
		RootKey:      rootKey,
		Intermediate: intermediate,
		Leaf:         leaf,
		LeafKey:      leafKey,
	}, nil
}

// WriteFiles writes the chain as PEM files under dir.
func (c *Chain) WriteFiles(dir string) (Files, error) {
	files := Files{
		RootCert: filepath.Join(dir, "root.pem"),
		CACerts:  filepath.Join(dir, "ca.pem"),
		SignCert: filepath.Join(dir, "sign.pem"),
		SignKey:  filepath.Join(dir, "sign.key"),
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.LeafKey)
	if err != nil {
		return Files{}, fmt.Errorf("encoding signing key: %w", err)
	}

	writes := []struct {
		path   string
		blocks []*pem.Block
		mode   os.FileMode
	}{
		{files.RootCert, []*pem.Block{certificateBlock(c.Root)}, 0o644},
		{files.CACerts, []*pem.Block{certificateBlock(c.Root), certificateBlock(c.Intermediate)}, 0o644},
		{files.SignCert, []*pem.Block{certificateBlock(c.Leaf)}, 0o644},
		{files.SignKey, []*pem.Block{{Type: "PRIVATE KEY", Bytes: keyDER}}, 0o600},
	}
	for _, write := range writes {
		var data []byte
		for _, block := range write.blocks {
			data = append(data, pem.EncodeToMemory(block)...)
		}
		if err := os.WriteFile(write.path, data, write.mode); err != nil {
			return Files{}, err
		}
	}
	return files, nil
}

func certificateBlock(certificate *x509.Certificate) *pem.Block {
	return &pem.Block{Type: "CERTIFICATE", Bytes: certificate.Raw}
}

func caTemplate(name string, notBefore, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func issue(template, parent *x509.Certificate, public crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial
	der, err := x509.CreateCertificate(rand.Reader, template, parent, public, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func generateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case Ed25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case ECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	return nil, fmt.Errorf("unknown key algorithm %q", algorithm)
}
