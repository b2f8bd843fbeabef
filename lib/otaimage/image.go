// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/codec"
	"github.com/otaimage/otaimage/lib/filetable"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/resource"
	"github.com/otaimage/otaimage/lib/signing"
)

// Image is a read-only view of an image directory.
type Image struct {
	Root  string
	Index *Index
	Store *blob.DirStore

	// raw is index.cbor as read or last written.
	raw []byte
}

// OpenImage reads the index of the image at root.
func OpenImage(root string) (*Image, error) {
	raw, err := os.ReadFile(filepath.Join(root, IndexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("%s is not an OTA image: no %s", root, IndexFile)
		}
		return nil, imgerr.IO("reading index: %w", err)
	}
	var index Index
	if err := codec.Unmarshal(raw, &index); err != nil {
		return nil, imgerr.Validation("decoding %s: %w", filepath.Join(root, IndexFile), err)
	}
	if index.SchemaVersion != SchemaVersion || index.MediaType != IndexMediaType {
		return nil, imgerr.Validation("unsupported index: schema %d, media type %q",
			index.SchemaVersion, index.MediaType)
	}
	store, err := blob.NewDirStore(filepath.Join(root, BlobsDir), index.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	return &Image{Root: root, Index: &index, Store: store, raw: raw}, nil
}

// RawIndex returns index.cbor as stored.
func (img *Image) RawIndex() []byte { return img.raw }

// IndexDigest returns the digest of index.cbor.
func (img *Image) IndexDigest() (digest.Digest, error) {
	return blob.Compute(img.Index.DigestAlgorithm, img.raw)
}

// Status returns the effective build state: the stored state, or
// StateSigned for a finalized image whose signature claims the current
// index. A signature file that does not mark the image signed leaves it
// finalized; SignatureError says why.
func (img *Image) Status() State {
	if img.Index.State != StateFinalized {
		return img.Index.State
	}
	if img.signatureState() == nil {
		return StateSigned
	}
	return StateFinalized
}

// SignatureError reports a signature file that is present but does not
// mark the image signed: it cannot be read, it is malformed, or it
// claims a different index. It returns nil when the image has no
// signature file or the signature covers the current index.
func (img *Image) SignatureError() error {
	if err := img.signatureState(); err != nil && !errors.Is(err, errUnsigned) {
		return err
	}
	return nil
}

// errUnsigned marks an image without index.jwt.
var errUnsigned = errors.New("no signature")

// signatureState returns nil when index.jwt exists and claims the
// digest of the current index. The signature itself is not verified.
func (img *Image) signatureState() error {
	token, err := os.ReadFile(filepath.Join(img.Root, SignatureFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errUnsigned
		}
		return imgerr.IO("reading signature: %w", err)
	}
	claimed, err := signing.ClaimedDigest(strings.TrimSpace(string(token)))
	if err != nil {
		return err
	}
	actual, err := blob.Compute(claimed.Algorithm(), img.raw)
	if err != nil {
		return imgerr.Integrity("computing index digest: %v", err)
	}
	if actual != claimed {
		return imgerr.Integrity("%s claims %s, index is %s: %w", SignatureFile, claimed, actual, imgerr.ErrDigestMismatch)
	}
	return nil
}

// FrozenDigest reads index.digest.
func (img *Image) FrozenDigest() (digest.Digest, error) {
	data, err := os.ReadFile(filepath.Join(img.Root, DigestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", imgerr.NotFound("image %s has no frozen index digest", img.Root)
		}
		return "", imgerr.IO("reading frozen digest: %w", err)
	}
	frozen := digest.Digest(strings.TrimSpace(string(data)))
	if err := blob.Validate(frozen); err != nil {
		return "", imgerr.Integrity("%s: %v", DigestFile, err)
	}
	return frozen, nil
}

// VerifySignature checks index.jwt against the current index and the
// trusted roots at time now.
func (img *Image) VerifySignature(roots []*x509.Certificate, now time.Time) (*signing.Result, error) {
	token, err := os.ReadFile(filepath.Join(img.Root, SignatureFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("image %s is not signed", img.Root)
		}
		return nil, imgerr.IO("reading signature: %w", err)
	}
	return signing.Verify(strings.TrimSpace(string(token)), img.raw, roots, now)
}

// Releases returns the release keys in the order they were added.
func (img *Image) Releases() []string {
	var releases []string
	seen := make(map[string]bool)
	for _, manifest := range img.Index.Manifests {
		key := manifest.Annotations[annotation.ReleaseKey]
		if !seen[key] {
			seen[key] = true
			releases = append(releases, key)
		}
	}
	return releases
}

// Select finds the manifest for selection. An empty release key
// matches the image's only release; an empty label matches the first
// label of the release.
func (img *Image) Select(selection Selection) (Descriptor, Selection, error) {
	releaseKey := selection.ReleaseKey
	if releaseKey == "" {
		releases := img.Releases()
		switch len(releases) {
		case 0:
			return Descriptor{}, Selection{}, imgerr.NotFound("image has no releases")
		case 1:
			releaseKey = releases[0]
		default:
			return Descriptor{}, Selection{}, imgerr.Validation(
				"image has %d releases %v; choose one", len(releases), releases)
		}
	}
	for _, manifest := range img.Index.Manifests {
		if manifest.Annotations[annotation.ReleaseKey] != releaseKey {
			continue
		}
		label := manifest.Annotations[annotation.SysConfigLabel]
		if selection.Label == "" || selection.Label == label {
			return manifest, Selection{ReleaseKey: releaseKey, Label: label}, nil
		}
	}
	return Descriptor{}, Selection{}, imgerr.NotFound("no manifest for release %q label %q",
		releaseKey, selection.Label)
}

// readBlob fetches a descriptor's blob and checks its size.
func (img *Image) readBlob(descriptor Descriptor) ([]byte, error) {
	data, err := img.Store.Get(descriptor.Digest)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != descriptor.Size {
		return nil, imgerr.Integrity("blob %s is %d bytes, descriptor says %d",
			descriptor.Digest, len(data), descriptor.Size)
	}
	return data, nil
}

func (img *Image) readDocument(descriptor Descriptor, mediaType string, v any) error {
	if descriptor.MediaType != mediaType {
		return imgerr.Validation("descriptor %s has media type %q, want %q",
			descriptor.Digest, descriptor.MediaType, mediaType)
	}
	data, err := img.readBlob(descriptor)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return imgerr.Validation("decoding %s: %w", descriptor.Digest, err)
	}
	return nil
}

// Manifest reads a manifest.
func (img *Image) Manifest(descriptor Descriptor) (*Manifest, error) {
	var manifest Manifest
	if err := img.readDocument(descriptor, ManifestMediaType, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Config reads an image config.
func (img *Image) Config(descriptor Descriptor) (*Config, error) {
	var config Config
	if err := img.readDocument(descriptor, ConfigMediaType, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SysConfig reads the raw sys-config YAML of a config, or nil if it has
// none.
func (img *Image) SysConfig(config *Config) ([]byte, error) {
	if config.SysConfig == nil {
		return nil, nil
	}
	return img.readBlob(*config.SysConfig)
}

// FileTable reads a file table.
func (img *Image) FileTable(descriptor Descriptor) (*filetable.Table, error) {
	if descriptor.MediaType != filetable.MediaType {
		return nil, imgerr.Validation("descriptor %s has media type %q, want %q",
			descriptor.Digest, descriptor.MediaType, filetable.MediaType)
	}
	data, err := img.readBlob(descriptor)
	if err != nil {
		return nil, err
	}
	table, err := filetable.Unmarshal(data)
	if err != nil {
		return nil, imgerr.Validation("file table %s: %w", descriptor.Digest, err)
	}
	return table, nil
}

// OTAClientPackage reads the otaclient package manifest, or nil if the
// image has none.
func (img *Image) OTAClientPackage() (*OTAClientPackage, error) {
	if img.Index.OTAClientPackage == nil {
		return nil, nil
	}
	var pkg OTAClientPackage
	if err := img.readDocument(*img.Index.OTAClientPackage, OTAClientPackageMediaType, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// Resolver returns a resolver for payload blobs. Before finalize there
// is no resource table and blobs are read as stored.
func (img *Image) Resolver() (*resource.Resolver, error) {
	if img.Index.ResourceTable == nil {
		return resource.NewResolver(img.Store, nil), nil
	}
	descriptor := *img.Index.ResourceTable
	if descriptor.MediaType != resource.MediaType {
		return nil, imgerr.Validation("resource table has media type %q", descriptor.MediaType)
	}
	data, err := img.readBlob(descriptor)
	if err != nil {
		return nil, err
	}
	table, err := resource.Unmarshal(data)
	if err != nil {
		return nil, imgerr.Validation("resource table %s: %w", descriptor.Digest, err)
	}
	return resource.NewResolver(img.Store, table), nil
}

// Describe returns a short human-readable summary line for a manifest
// descriptor.
func Describe(descriptor Descriptor) string {
	return fmt.Sprintf("%s/%s %s",
		descriptor.Annotations[annotation.ReleaseKey],
		descriptor.Annotations[annotation.SysConfigLabel],
		descriptor.Digest)
}
