// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"context"
	"errors"
	"io/fs"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/filetable"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// SysConfig pairs a sys-config label with its YAML file. An empty Path
// adds the label without a sys-config.
type SysConfig struct {
	Label string
	Path  string
}

// ParseSysConfig parses "<label>[:<path>]". A bare label, or a label
// with an empty path, adds the label without a sys-config.
func ParseSysConfig(value string) (SysConfig, error) {
	label, path, _ := strings.Cut(value, ":")
	if label == "" {
		return SysConfig{}, imgerr.Validation("sys-config %q: want <label>[:<path>]", value)
	}
	return SysConfig{Label: label, Path: path}, nil
}

// AddImageRequest describes one release.
type AddImageRequest struct {
	// Annotations are recorded on the configs and manifests. They must
	// include the architecture.
	Annotations map[string]string

	// ReleaseKey names the release. Empty means the release-key
	// annotation.
	ReleaseKey string

	// SysConfigs lists the labels to add a manifest for. At least one
	// is required.
	SysConfigs []SysConfig

	// Layers are rootfs directories, lowest first. Each upper layer
	// overrides and whites out paths of the layers below it.
	Layers []string
}

var releaseKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// AddImage scans the rootfs layers of a release into the image and
// adds one manifest per sys-config label. All labels of the release
// share one file table.
func (b *Builder) AddImage(ctx context.Context, request AddImageRequest) error {
	if err := b.requireState("add-image", StateInitialized, StateReleasesAdded); err != nil {
		return err
	}

	annotations := maps.Clone(request.Annotations)
	if annotations == nil {
		annotations = make(map[string]string)
	}
	releaseKey := request.ReleaseKey
	if releaseKey == "" {
		releaseKey = annotations[annotation.ReleaseKey]
	}
	if !releaseKeyPattern.MatchString(releaseKey) {
		return imgerr.Validation("invalid release key %q", releaseKey)
	}
	annotations[annotation.ReleaseKey] = releaseKey
	if annotations[annotation.Architecture] == "" {
		return imgerr.Validation("add-image requires the %s annotation", annotation.Architecture)
	}
	if slices.Contains(b.Releases(), releaseKey) {
		return imgerr.Conflict("%w: %q", imgerr.ErrReleaseConflict, releaseKey)
	}

	sysConfigs, err := loadSysConfigs(request.SysConfigs)
	if err != nil {
		return err
	}
	if len(request.Layers) == 0 {
		return imgerr.Validation("add-image requires at least one rootfs")
	}

	table, err := b.scanLayers(ctx, request.Layers)
	if err != nil {
		return err
	}
	stats := table.Stats()
	b.logger.Info("release scanned",
		"release", releaseKey,
		"regular", stats.Regular,
		"directories", stats.Directories,
		"unique_blobs", stats.UniqueBlobs,
		"total_size", humanize.IBytes(uint64(stats.TotalSize)),
	)

	encoded, err := filetable.Marshal(table)
	if err != nil {
		return imgerr.Validation("%w", err)
	}
	fileTable, err := b.putBlob(filetable.MediaType, encoded, nil)
	if err != nil {
		return err
	}

	created := annotations[annotation.Created]
	if created == "" {
		created = b.clock.Now().UTC().Format(time.RFC3339)
	}
	manifestAnnotations := maps.Clone(annotations)
	maps.Copy(manifestAnnotations, statsAnnotations(stats))

	manifests := make([]Descriptor, 0, len(sysConfigs))
	for _, sysConfig := range sysConfigs {
		var sysConfigDescriptor *Descriptor
		if sysConfig.data != nil {
			descriptor, err := b.putBlob(SysConfigMediaType, sysConfig.data, nil)
			if err != nil {
				return err
			}
			sysConfigDescriptor = &descriptor
		}

		labels := maps.Clone(annotations)
		labels[annotation.SysConfigLabel] = sysConfig.Label
		configDescriptor, err := b.putDocument(ConfigMediaType, Config{
			Created:      created,
			Architecture: annotations[annotation.Architecture],
			OS:           annotations[annotation.OS],
			OSVersion:    annotations[annotation.OSVersion],
			Description:  annotations[annotation.Description],
			SysConfig:    sysConfigDescriptor,
			FileTable:    fileTable,
			Labels:       labels,
		}, nil)
		if err != nil {
			return err
		}

		perLabel := maps.Clone(manifestAnnotations)
		perLabel[annotation.SysConfigLabel] = sysConfig.Label
		manifestDescriptor, err := b.putDocument(ManifestMediaType, Manifest{
			SchemaVersion: SchemaVersion,
			MediaType:     ManifestMediaType,
			Config:        configDescriptor,
			FileTable:     fileTable,
			Annotations:   perLabel,
		}, map[string]string{
			annotation.ReleaseKey:     releaseKey,
			annotation.SysConfigLabel: sysConfig.Label,
		})
		if err != nil {
			return err
		}
		manifests = append(manifests, manifestDescriptor)
	}

	b.Index.Manifests = append(b.Index.Manifests, manifests...)
	b.Index.State = StateReleasesAdded
	if err := b.save(); err != nil {
		return err
	}
	b.logger.Info("release added", "release", releaseKey, "manifests", len(manifests))
	return nil
}

// scanLayers scans each layer and merges them lowest first.
func (b *Builder) scanLayers(ctx context.Context, layers []string) (*filetable.Table, error) {
	var merged *filetable.Table
	for _, layer := range layers {
		info, err := os.Stat(layer)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, imgerr.NotFound("rootfs %s not found", layer)
			}
			return nil, imgerr.IO("rootfs %s: %w", layer, err)
		}
		if !info.IsDir() {
			return nil, imgerr.Validation("rootfs %s is not a directory", layer)
		}
		table, err := filetable.Scan(ctx, layer, filetable.ScanOptions{
			Store:           b.Store,
			InlineThreshold: b.config.InlineThreshold,
			Workers:         b.config.Workers,
			Logger:          b.logger.With("layer", layer),
		})
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = table
		} else {
			merged = filetable.Merge(merged, table)
		}
	}
	return merged, nil
}

type loadedSysConfig struct {
	Label string
	data  []byte
}

// loadSysConfigs reads and validates every sys-config file. Each must
// be a YAML mapping.
func loadSysConfigs(sysConfigs []SysConfig) ([]loadedSysConfig, error) {
	if len(sysConfigs) == 0 {
		return nil, imgerr.Validation("add-image requires at least one sys-config label")
	}
	seen := make(map[string]bool)
	loaded := make([]loadedSysConfig, 0, len(sysConfigs))
	for _, sysConfig := range sysConfigs {
		if seen[sysConfig.Label] {
			return nil, imgerr.Validation("sys-config label %q given twice", sysConfig.Label)
		}
		seen[sysConfig.Label] = true
		if sysConfig.Path == "" {
			loaded = append(loaded, loadedSysConfig{Label: sysConfig.Label})
			continue
		}
		data, err := os.ReadFile(sysConfig.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, imgerr.NotFound("sys-config %s not found", sysConfig.Path)
			}
			return nil, imgerr.IO("reading sys-config %s: %w", sysConfig.Path, err)
		}
		var document map[string]any
		if err := yaml.Unmarshal(data, &document); err != nil {
			return nil, imgerr.Validation("sys-config %s: %w", sysConfig.Path, err)
		}
		if document == nil {
			return nil, imgerr.Validation("sys-config %s is not a YAML mapping", sysConfig.Path)
		}
		loaded = append(loaded, loadedSysConfig{Label: sysConfig.Label, data: data})
	}
	return loaded, nil
}

func statsAnnotations(stats filetable.Stats) map[string]string {
	itoa := func(n int) string { return strconv.Itoa(n) }
	return map[string]string{
		annotation.StatsRegularFiles: itoa(stats.Regular),
		annotation.StatsDirectories:  itoa(stats.Directories),
		annotation.StatsSymlinks:     itoa(stats.Symlinks),
		annotation.StatsWhiteouts:    itoa(stats.Whiteouts),
		annotation.StatsInlined:      itoa(stats.Inlined),
		annotation.StatsHardlinked:   itoa(stats.Hardlinked),
		annotation.StatsUniqueBlobs:  itoa(stats.UniqueBlobs),
		annotation.StatsBlobsSize:    strconv.FormatInt(stats.BlobsSize, 10),
		annotation.StatsTotalSize:    strconv.FormatInt(stats.TotalSize, 10),
	}
}
