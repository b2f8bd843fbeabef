// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package otaimage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// AddOTAClientPackage stores every regular file of an otaclient release
// directory and records the package on the index. An image holds at
// most one package.
func (b *Builder) AddOTAClientPackage(ctx context.Context, dir string) error {
	if err := b.requireState("add-otaclient-package", StateInitialized, StateReleasesAdded); err != nil {
		return err
	}
	if b.Index.OTAClientPackage != nil {
		return imgerr.Conflict("image already has an otaclient package")
	}

	var files []PackageFile
	err := walkReleaseDir(dir, func(relative, source string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, size, err := b.Store.PutFile(source)
		if err != nil {
			return err
		}
		files = append(files, PackageFile{
			Path:   relative,
			Digest: d,
			Size:   size,
			Mode:   uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return imgerr.Validation("otaclient release %s has no files", dir)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	descriptor, err := b.putDocument(OTAClientPackageMediaType, OTAClientPackage{
		SchemaVersion: SchemaVersion,
		MediaType:     OTAClientPackageMediaType,
		Files:         files,
	}, nil)
	if err != nil {
		return err
	}
	b.Index.OTAClientPackage = &descriptor
	if err := b.save(); err != nil {
		return err
	}
	b.logger.Info("otaclient package added", "files", len(files), "digest", descriptor.Digest)
	return nil
}

// AddOTAClientPackageLegacyCompat copies an otaclient release directory
// to LegacyOTAClientDir inside the image, overwriting files already
// there, for clients that locate otaclient releases by path.
func (b *Builder) AddOTAClientPackageLegacyCompat(ctx context.Context, dir string) error {
	if err := b.requireState("add-otaclient-package-legacy-compat", StateInitialized, StateReleasesAdded); err != nil {
		return err
	}
	destination := filepath.Join(b.Root, filepath.FromSlash(LegacyOTAClientDir))
	copied := 0
	err := walkReleaseDir(dir, func(relative, source string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(destination, filepath.FromSlash(relative))
		if err := copyFileAtomic(source, target, info.Mode().Perm()); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("otaclient release copied for legacy clients", "files", copied, "destination", destination)
	return nil
}

// walkReleaseDir calls fn for each regular file under dir with its
// slash-separated relative path. Other file types are skipped.
func walkReleaseDir(dir string, fn func(relative, source string, info fs.FileInfo) error) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return imgerr.NotFound("otaclient release %s not found", dir)
		}
		return imgerr.IO("otaclient release %s: %w", dir, err)
	}
	if !info.IsDir() {
		return imgerr.Validation("otaclient release %s is not a directory", dir)
	}
	return filepath.WalkDir(dir, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.IO("walking %s: %w", current, err)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return imgerr.IO("stating %s: %w", current, err)
		}
		relative, err := filepath.Rel(dir, current)
		if err != nil {
			return imgerr.IO("%w", err)
		}
		return fn(filepath.ToSlash(relative), current, info)
	})
}

func copyFileAtomic(source, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return imgerr.IO("creating %s: %w", filepath.Dir(target), err)
	}
	in, err := os.Open(source)
	if err != nil {
		return imgerr.IO("opening %s: %w", source, err)
	}
	defer in.Close()

	pending, err := renameio.TempFile("", target)
	if err != nil {
		return imgerr.IO("creating %s: %w", target, err)
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, in); err != nil {
		return imgerr.IO("copying %s: %w", source, err)
	}
	if err := pending.Chmod(mode); err != nil {
		return imgerr.IO("chmod %s: %w", target, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return imgerr.IO("committing %s: %w", target, err)
	}
	return nil
}
