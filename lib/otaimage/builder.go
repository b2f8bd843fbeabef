// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/clock"
	"github.com/otaimage/otaimage/lib/codec"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// Options are the ambient dependencies of a Builder.
type Options struct {
	// Config supplies the digest algorithm (used by Init only), the
	// inline threshold, worker count and finalize filters. Nil means
	// config.Default().
	Config *config.Config

	// Logger receives progress. Nil discards it.
	Logger *slog.Logger

	// Clock stamps created times and signatures. Nil means the real
	// clock.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// Builder runs build stages against one image directory. Callers must
// not run two builders on the same directory concurrently.
type Builder struct {
	*Image

	config *config.Config
	logger *slog.Logger
	clock  clock.Clock
}

// Init creates an empty image at root. root must not exist or must be
// an empty directory. annotations must include the build tool version.
func Init(root string, annotations map[string]string, options Options) (*Builder, error) {
	options = options.withDefaults()

	if annotations[annotation.BuildToolVersion] == "" {
		return nil, imgerr.Validation("init requires the %s annotation", annotation.BuildToolVersion)
	}
	algorithm, err := blob.ParseAlgorithm(options.Config.DigestAlgorithm)
	if err != nil {
		return nil, imgerr.Validation("%w", err)
	}

	entries, err := os.ReadDir(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, imgerr.IO("reading %s: %w", root, err)
	case slices.ContainsFunc(entries, func(entry fs.DirEntry) bool { return entry.Name() == IndexFile }):
		return nil, imgerr.State("%s already holds an OTA image", root)
	case len(entries) > 0:
		return nil, imgerr.Conflict("%s is not empty", root)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, imgerr.IO("creating %s: %w", root, err)
	}
	store, err := blob.NewDirStore(filepath.Join(root, BlobsDir), algorithm)
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(filepath.Join(root, LayoutFile), []byte(layoutContent), 0o644); err != nil {
		return nil, imgerr.IO("writing %s: %w", LayoutFile, err)
	}

	b := &Builder{
		Image: &Image{
			Root:  root,
			Store: store,
			Index: &Index{
				SchemaVersion:   SchemaVersion,
				MediaType:       IndexMediaType,
				DigestAlgorithm: algorithm,
				State:           StateInitialized,
				Annotations:     maps.Clone(annotations),
			},
		},
		config: options.Config,
		logger: options.Logger,
		clock:  options.Clock,
	}
	if err := b.save(); err != nil {
		return nil, err
	}
	b.logger.Info("initialized image", "root", root, "digest_algorithm", algorithm)
	return b, nil
}

// Open returns a Builder for the existing image at root.
func Open(root string, options Options) (*Builder, error) {
	options = options.withDefaults()
	img, err := OpenImage(root)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Image:  img,
		config: options.Config,
		logger: options.Logger,
		clock:  options.Clock,
	}, nil
}

// save writes the index atomically.
func (b *Builder) save() error {
	data, err := codec.Marshal(b.Index)
	if err != nil {
		return imgerr.Validation("encoding index: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(b.Root, IndexFile), data, 0o644); err != nil {
		return imgerr.IO("writing index: %w", err)
	}
	b.raw = data
	return nil
}

// requireState fails unless the image is in one of allowed.
func (b *Builder) requireState(operation string, allowed ...State) error {
	status := b.Status()
	if slices.Contains(allowed, status) {
		return nil
	}
	return imgerr.State("%s is not allowed on a %s image", operation, status)
}

// putDocument stores v as deterministic CBOR.
func (b *Builder) putDocument(mediaType string, v any, annotations map[string]string) (Descriptor, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return Descriptor{}, imgerr.Validation("encoding %s: %w", mediaType, err)
	}
	return b.putBlob(mediaType, data, annotations)
}

func (b *Builder) putBlob(mediaType string, data []byte, annotations map[string]string) (Descriptor, error) {
	d, err := b.Store.Put(data)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		MediaType:   mediaType,
		Digest:      d,
		Size:        int64(len(data)),
		Annotations: annotations,
	}, nil
}
