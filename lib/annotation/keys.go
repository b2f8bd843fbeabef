// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package annotation defines the annotation keys an OTA image carries
// and builds annotation and exclude-pattern files for image builds.
package annotation

// Image-level keys, recorded on the index by init.
const (
	BuildToolVersion = "vnd.otaimage.build-tool.version"

	Platform       = "vnd.otaimage.platform"
	ProjectSource  = "vnd.otaimage.project.source"
	ProjectVersion = "vnd.otaimage.project.version"
	ProjectCommit  = "vnd.otaimage.project.commit"
	ProjectBranch  = "vnd.otaimage.project.branch"

	Catalog   = "vnd.otaimage.catalog"
	CatalogID = "vnd.otaimage.catalog.id"
	Project   = "vnd.otaimage.project"
	ProjectID = "vnd.otaimage.project.id"
	Env       = "vnd.otaimage.env"
)

// Release-level keys, supplied to add-image.
const (
	ReleaseKey     = "vnd.otaimage.release-key"
	SysConfigLabel = "vnd.otaimage.platform.ecu"
	Architecture   = "vnd.otaimage.platform.ecu.arch"
	HardwareModel  = "vnd.otaimage.platform.ecu.hardware-model"
	HardwareSeries = "vnd.otaimage.platform.ecu.hardware-series"
	BaseImage      = "vnd.otaimage.sys-image.base-image"
	OS             = "vnd.otaimage.os"
	OSVersion      = "vnd.otaimage.os.version"
	Description    = "vnd.otaimage.description"
	Created        = "vnd.otaimage.created"
)

// Statistics recorded by add-image on each manifest.
const (
	StatsRegularFiles = "vnd.otaimage.stats.regular-files"
	StatsDirectories  = "vnd.otaimage.stats.directories"
	StatsSymlinks     = "vnd.otaimage.stats.symlinks"
	StatsWhiteouts    = "vnd.otaimage.stats.whiteouts"
	StatsInlined      = "vnd.otaimage.stats.inlined-files"
	StatsHardlinked   = "vnd.otaimage.stats.hardlinked-files"
	StatsUniqueBlobs  = "vnd.otaimage.stats.unique-blobs"
	StatsBlobsSize    = "vnd.otaimage.stats.blobs-size"
	StatsTotalSize    = "vnd.otaimage.stats.total-size"
)

// Statistics recorded by finalize on the index.
const (
	TotalBlobsCount  = "vnd.otaimage.image.blobs-count"
	TotalBlobsSize   = "vnd.otaimage.image.blobs-size"
	FilterBundles    = "vnd.otaimage.image.filter.bundles"
	FilterBundled    = "vnd.otaimage.image.filter.bundled"
	FilterCompressed = "vnd.otaimage.image.filter.compressed"
	FilterSliced     = "vnd.otaimage.image.filter.sliced"
)

// known holds every key build-annotation accepts through --add-or and
// --add-replace. Statistics are computed, never supplied.
var known = map[string]bool{
	BuildToolVersion: true,
	Platform:         true,
	ProjectSource:    true,
	ProjectVersion:   true,
	ProjectCommit:    true,
	ProjectBranch:    true,
	Catalog:          true,
	CatalogID:        true,
	Project:          true,
	ProjectID:        true,
	Env:              true,
	ReleaseKey:       true,
	SysConfigLabel:   true,
	Architecture:     true,
	HardwareModel:    true,
	HardwareSeries:   true,
	BaseImage:        true,
	OS:               true,
	OSVersion:        true,
	Description:      true,
	Created:          true,
}

// userAllowed holds the keys end users may set with
// --add-user-annotation.
var userAllowed = map[string]bool{
	Platform:       true,
	ProjectVersion: true,
	HardwareModel:  true,
	HardwareSeries: true,
}

// Known reports whether key is an annotation key this tool defines.
func Known(key string) bool { return known[key] }

// UserAllowed reports whether end users may supply key.
func UserAllowed(key string) bool { return userAllowed[key] }
