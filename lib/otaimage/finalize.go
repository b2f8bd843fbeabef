// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/resource"
)

// Finalize runs the storage filters over the payload blobs, records the
// resource table and image totals, and freezes the index: its digest is
// written to index.digest and the index must not change afterwards.
func (b *Builder) Finalize(ctx context.Context) error {
	switch status := b.Status(); status {
	case StateReleasesAdded:
	case StateInitialized:
		return imgerr.State("%w: add a release before finalize", imgerr.ErrEmptyImage)
	default:
		return imgerr.State("finalize is not allowed on a %s image", status)
	}

	protected, err := b.metadataBlobs()
	if err != nil {
		return err
	}
	var payload []digest.Digest
	if err := b.Store.Walk(func(d digest.Digest, _ int64) error {
		payload = append(payload, d)
		return nil
	}); err != nil {
		return err
	}

	table, summary, err := resource.Build(ctx, b.Store, payload, resource.Options{
		Filters:   b.config.Filters,
		Workers:   b.config.Workers,
		TempDir:   b.Root,
		Protected: protected,
		Logger:    b.logger,
	})
	if err != nil {
		return err
	}
	encoded, err := resource.Marshal(table)
	if err != nil {
		return imgerr.Validation("%w", err)
	}
	resourceTable, err := b.putBlob(resource.MediaType, encoded, nil)
	if err != nil {
		return err
	}

	var count, size int64
	if err := b.Store.Walk(func(_ digest.Digest, blobSize int64) error {
		count++
		size += blobSize
		return nil
	}); err != nil {
		return err
	}

	if b.Index.Annotations == nil {
		b.Index.Annotations = make(map[string]string)
	}
	b.Index.Annotations[annotation.TotalBlobsCount] = strconv.FormatInt(count, 10)
	b.Index.Annotations[annotation.TotalBlobsSize] = strconv.FormatInt(size, 10)
	b.Index.Annotations[annotation.FilterBundles] = strconv.Itoa(summary.Bundles)
	b.Index.Annotations[annotation.FilterBundled] = strconv.Itoa(summary.Bundled)
	b.Index.Annotations[annotation.FilterCompressed] = strconv.Itoa(summary.Compressed)
	b.Index.Annotations[annotation.FilterSliced] = strconv.Itoa(summary.Sliced)
	b.Index.ResourceTable = &resourceTable
	b.Index.State = StateFinalized
	if err := b.save(); err != nil {
		return err
	}

	frozen, err := b.IndexDigest()
	if err != nil {
		return imgerr.Validation("%w", err)
	}
	if err := renameio.WriteFile(filepath.Join(b.Root, DigestFile), []byte(frozen.String()+"\n"), 0o644); err != nil {
		return imgerr.IO("writing %s: %w", DigestFile, err)
	}

	b.logger.Info("image finalized",
		"index_digest", frozen,
		"blobs", count,
		"size", humanize.IBytes(uint64(size)),
	)
	return nil
}

// metadataBlobs lists the blobs read directly by digest: manifests,
// configs, sys-configs, file tables and the otaclient package. The
// storage filters leave them in place.
func (b *Builder) metadataBlobs() ([]digest.Digest, error) {
	var protected []digest.Digest
	for _, descriptor := range b.Index.Manifests {
		manifest, err := b.Manifest(descriptor)
		if err != nil {
			return nil, err
		}
		config, err := b.Config(manifest.Config)
		if err != nil {
			return nil, err
		}
		protected = append(protected, descriptor.Digest, manifest.Config.Digest, manifest.FileTable.Digest)
		if config.SysConfig != nil {
			protected = append(protected, config.SysConfig.Digest)
		}
	}
	if b.Index.OTAClientPackage != nil {
		pkg, err := b.OTAClientPackage()
		if err != nil {
			return nil, err
		}
		protected = append(protected, b.Index.OTAClientPackage.Digest)
		for _, file := range pkg.Files {
			protected = append(protected, file.Digest)
		}
	}
	return protected, nil
}
