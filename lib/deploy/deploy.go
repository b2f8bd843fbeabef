// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy reconstructs a root filesystem from an OTA image.
//
// The image is either an image directory or a packed artifact; an
// artifact is unpacked into a temporary directory first. One or more
// manifest selections are composed into a single file table, lowest
// layer first, and the table is written into the target directory:
// directories first (parents before children), then regular files in
// parallel, then symlinks and hardlinks, then directory metadata
// deepest first so restrictive modes never block child creation.
//
// Deploying over a partially written target converges: every entry is
// replaced atomically or adjusted in place, and entries already correct
// are rewritten with identical content.
package deploy

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/otaimage/otaimage/lib/artifact"
	"github.com/otaimage/otaimage/lib/clock"
	"github.com/otaimage/otaimage/lib/filetable"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/otaimage"
)

// Options configures a deployment.
type Options struct {
	// Selections picks the manifests to compose, lowest layer first.
	// Empty means the single default selection: the only release and
	// its first sys-config label.
	Selections []otaimage.Selection

	// Roots, when non-empty, makes Deploy verify the image signature
	// against these trust anchors before writing anything.
	Roots []*x509.Certificate

	// Workers bounds parallel file writes. Zero means one.
	Workers int

	// TempDir holds the unpacked artifact. Empty means os.TempDir.
	TempDir string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Summary counts what a deployment wrote.
type Summary struct {
	Selections  []otaimage.Selection `json:"selections"`
	IndexDigest digest.Digest        `json:"index_digest"`
	Verified    bool                 `json:"verified"`

	Directories int   `json:"directories"`
	Files       int   `json:"files"`
	Symlinks    int   `json:"symlinks"`
	Hardlinks   int   `json:"hardlinks"`
	Removed     int   `json:"removed"`
	Bytes       int64 `json:"bytes"`

	// OwnershipSkipped counts entries whose owner could not be set
	// because the process lacks the privilege.
	OwnershipSkipped int `json:"ownership_skipped"`
}

// Deploy writes the rootfs described by source into target. source is
// an image directory or a packed artifact file. target is created if it
// does not exist.
func Deploy(ctx context.Context, source, target string, options Options) (Summary, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	options.Workers = max(options.Workers, 1)

	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Summary{}, imgerr.NotFound("image %s not found", source)
		}
		return Summary{}, imgerr.IO("stating %s: %w", source, err)
	}

	imageRoot := source
	if !info.IsDir() {
		unpacked, err := os.MkdirTemp(options.TempDir, "otaimage-deploy-")
		if err != nil {
			return Summary{}, imgerr.IO("creating unpack directory: %w", err)
		}
		defer os.RemoveAll(unpacked)
		summary, err := artifact.Unpack(ctx, source, unpacked)
		if err != nil {
			return Summary{}, err
		}
		options.Logger.Info("unpacked artifact",
			"artifact", source,
			"files", summary.Files,
			"size", humanize.IBytes(uint64(summary.Bytes)),
		)
		imageRoot = unpacked
	}

	img, err := otaimage.OpenImage(imageRoot)
	if err != nil {
		return Summary{}, err
	}
	return DeployImage(ctx, img, target, options)
}

// DeployImage writes the rootfs described by an opened image into
// target.
func DeployImage(ctx context.Context, img *otaimage.Image, target string, options Options) (Summary, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	options.Workers = max(options.Workers, 1)

	var summary Summary
	status := img.Status()
	if status != otaimage.StateFinalized && status != otaimage.StateSigned {
		return Summary{}, imgerr.State("cannot deploy an image in state %q; finalize it first", status)
	}
	indexDigest, err := img.IndexDigest()
	if err != nil {
		return Summary{}, err
	}
	summary.IndexDigest = indexDigest
	if err := img.SignatureError(); err != nil && len(options.Roots) == 0 {
		options.Logger.Warn("deploying without verification; signature file is unusable", "error", err)
	}

	if len(options.Roots) > 0 {
		result, err := img.VerifySignature(options.Roots, options.Clock.Now())
		if err != nil {
			return Summary{}, err
		}
		summary.Verified = true
		options.Logger.Info("verified image signature",
			"index_digest", result.IndexDigest,
			"signer", result.Leaf.Subject.String(),
		)
	}

	table, selections, err := compose(img, options.Selections, options.Logger)
	if err != nil {
		return Summary{}, err
	}
	summary.Selections = selections

	resolver, err := img.Resolver()
	if err != nil {
		return Summary{}, err
	}

	target, err = filepath.Abs(target)
	if err != nil {
		return Summary{}, imgerr.IO("resolving %s: %w", target, err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Summary{}, imgerr.IO("creating target %s: %w", target, err)
	}

	w := &writer{
		target:   target,
		resolver: resolver,
		workers:  options.Workers,
		logger:   options.Logger,
		summary:  &summary,
	}
	if err := w.write(ctx, table); err != nil {
		return Summary{}, err
	}

	options.Logger.Info("deployed image",
		"target", target,
		"selections", fmt.Sprint(selections),
		"directories", summary.Directories,
		"files", summary.Files,
		"symlinks", summary.Symlinks,
		"hardlinks", summary.Hardlinks,
		"removed", summary.Removed,
		"size", humanize.IBytes(uint64(summary.Bytes)),
	)
	return summary, nil
}

// compose loads the file tables of the selected manifests and merges
// them lowest first.
func compose(img *otaimage.Image, selections []otaimage.Selection, logger *slog.Logger) (*filetable.Table, []otaimage.Selection, error) {
	if len(selections) == 0 {
		selections = []otaimage.Selection{{}}
	}
	var (
		table    *filetable.Table
		resolved []otaimage.Selection
	)
	for _, selection := range selections {
		descriptor, chosen, err := img.Select(selection)
		if err != nil {
			return nil, nil, err
		}
		manifest, err := img.Manifest(descriptor)
		if err != nil {
			return nil, nil, err
		}
		layer, err := img.FileTable(manifest.FileTable)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("selected manifest", "manifest", otaimage.Describe(descriptor), "entries", layer.Len())
		if table == nil {
			table = layer
		} else {
			table = filetable.Merge(table, layer)
		}
		resolved = append(resolved, chosen)
	}
	return table, resolved, nil
}
