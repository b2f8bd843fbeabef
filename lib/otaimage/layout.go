// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"github.com/opencontainers/go-digest"
)

// Files and directories of an image.
const (
	LayoutFile    = "oci-layout"
	IndexFile     = "index.cbor"
	DigestFile    = "index.digest"
	SignatureFile = "index.jwt"
	BlobsDir      = "blobs"

	// LegacyOTAClientDir receives an otaclient release for clients that
	// predate this image format.
	LegacyOTAClientDir = "data/opt/ota/otaclient_release"
)

// layoutContent is the content of the oci-layout marker.
const layoutContent = `{"imageLayoutVersion":"1.0.0"}` + "\n"

// Media types of image documents.
const (
	IndexMediaType            = "application/vnd.otaimage.index.v1+cbor"
	ManifestMediaType         = "application/vnd.otaimage.manifest.v1+cbor"
	ConfigMediaType           = "application/vnd.otaimage.config.v1+cbor"
	SysConfigMediaType        = "application/vnd.otaimage.sys-config.v1+yaml"
	OTAClientPackageMediaType = "application/vnd.otaimage.otaclient-package.v1+cbor"
)

// SchemaVersion is the version of every document this package writes.
const SchemaVersion = 1

// State is an image build state.
type State string

const (
	StateInitialized   State = "initialized"
	StateReleasesAdded State = "releases-added"
	StateFinalized     State = "finalized"

	// StateSigned is never stored: the index is frozen at finalize. An
	// image is signed when index.jwt claims the digest of index.cbor.
	StateSigned State = "signed"
)

// Descriptor points at a blob.
type Descriptor struct {
	MediaType   string            `cbor:"media_type" json:"media_type"`
	Digest      digest.Digest     `cbor:"digest" json:"digest"`
	Size        int64             `cbor:"size" json:"size"`
	Annotations map[string]string `cbor:"annotations,omitempty" json:"annotations,omitempty"`
}

// Index is the root document of an image.
type Index struct {
	SchemaVersion    int               `cbor:"schema_version" json:"schema_version"`
	MediaType        string            `cbor:"media_type" json:"media_type"`
	DigestAlgorithm  digest.Algorithm  `cbor:"digest_algorithm" json:"digest_algorithm"`
	State            State             `cbor:"state" json:"state"`
	Annotations      map[string]string `cbor:"annotations,omitempty" json:"annotations,omitempty"`
	Manifests        []Descriptor      `cbor:"manifests,omitempty" json:"manifests,omitempty"`
	ResourceTable    *Descriptor       `cbor:"resource_table,omitempty" json:"resource_table,omitempty"`
	OTAClientPackage *Descriptor       `cbor:"otaclient_package,omitempty" json:"otaclient_package,omitempty"`
}

// Manifest describes one release for one sys-config label.
type Manifest struct {
	SchemaVersion int               `cbor:"schema_version" json:"schema_version"`
	MediaType     string            `cbor:"media_type" json:"media_type"`
	Config        Descriptor        `cbor:"config" json:"config"`
	FileTable     Descriptor        `cbor:"file_table" json:"file_table"`
	Annotations   map[string]string `cbor:"annotations,omitempty" json:"annotations,omitempty"`
}

// Config describes the system image of a manifest.
type Config struct {
	Created      string            `cbor:"created" json:"created"`
	Architecture string            `cbor:"architecture" json:"architecture"`
	OS           string            `cbor:"os,omitempty" json:"os,omitempty"`
	OSVersion    string            `cbor:"os_version,omitempty" json:"os_version,omitempty"`
	Description  string            `cbor:"description,omitempty" json:"description,omitempty"`
	SysConfig    *Descriptor       `cbor:"sys_config,omitempty" json:"sys_config,omitempty"`
	FileTable    Descriptor        `cbor:"file_table" json:"file_table"`
	Labels       map[string]string `cbor:"labels,omitempty" json:"labels,omitempty"`
}

// OTAClientPackage lists the files of an otaclient release.
type OTAClientPackage struct {
	SchemaVersion int           `cbor:"schema_version" json:"schema_version"`
	MediaType     string        `cbor:"media_type" json:"media_type"`
	Files         []PackageFile `cbor:"files" json:"files"`
}

// PackageFile is one file of an otaclient release.
type PackageFile struct {
	Path   string        `cbor:"path" json:"path"`
	Digest digest.Digest `cbor:"digest" json:"digest"`
	Size   int64         `cbor:"size" json:"size"`
	Mode   uint32        `cbor:"mode" json:"mode"`
}

// Selection names one manifest: a release key and a sys-config label.
type Selection struct {
	ReleaseKey string
	Label      string
}

func (s Selection) String() string {
	return s.ReleaseKey + "/" + s.Label
}
