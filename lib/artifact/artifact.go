// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact converts between an image directory and its single
// file distribution form, a ZIP archive with every entry stored
// uncompressed (blobs are already compressed where it pays off).
//
// Packing is reproducible: entries are sorted by path, carry a fixed
// 2009-01-01 modification time and fixed permissions, and no directory
// entries are written. Packing the same directory twice yields the same
// bytes. Unpacking resolves every entry name inside the destination
// with securejoin, so a crafted archive cannot write outside it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zip"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// Epoch is the modification time of every packed entry.
var Epoch = time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC)

// entryMode is the permission of every packed entry.
const entryMode fs.FileMode = 0o644

// Summary describes a packed or unpacked artifact.
type Summary struct {
	Files int
	Bytes int64
}

// Pack writes the image directory root to output. output must not
// exist; it appears only once complete. Leftover temp files from
// interrupted blob writes are not packed.
func Pack(ctx context.Context, root, output string, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := os.Lstat(output); err == nil {
		return Summary{}, imgerr.Conflict("artifact %s already exists", output)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Summary{}, imgerr.IO("checking %s: %w", output, err)
	}

	names, err := collect(root, output)
	if err != nil {
		return Summary{}, err
	}

	pending, err := renameio.TempFile("", output)
	if err != nil {
		return Summary{}, imgerr.IO("creating artifact %s: %w", output, err)
	}
	defer pending.Cleanup()
	if err := pending.Chmod(entryMode); err != nil {
		return Summary{}, imgerr.IO("creating artifact %s: %w", output, err)
	}

	summary, err := write(ctx, pending, root, names)
	if err != nil {
		return Summary{}, err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return Summary{}, imgerr.IO("committing artifact %s: %w", output, err)
	}

	logger.Info("artifact packed",
		"output", output,
		"files", summary.Files,
		"size", humanize.IBytes(uint64(summary.Bytes)),
	)
	return summary, nil
}

// collect returns the slash-separated relative paths of the regular
// files under root in archive order.
func collect(root, output string) ([]string, error) {
	absoluteOutput, _ := filepath.Abs(output)
	var names []string
	err := filepath.WalkDir(root, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.IO("walking %s: %w", current, err)
		}
		if strings.HasPrefix(entry.Name(), blob.TempPrefix) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			return imgerr.Validation("image %s contains non-regular file %s", root, current)
		}
		if absolute, _ := filepath.Abs(current); absolute == absoluteOutput {
			return nil
		}
		relative, err := filepath.Rel(root, current)
		if err != nil {
			return imgerr.IO("%w", err)
		}
		names = append(names, filepath.ToSlash(relative))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func write(ctx context.Context, w io.Writer, root string, names []string) (Summary, error) {
	archive := zip.NewWriter(w)
	var summary Summary
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		header := &zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: Epoch,
		}
		header.SetMode(entryMode)
		entry, err := archive.CreateHeader(header)
		if err != nil {
			return Summary{}, imgerr.IO("adding %s: %w", name, err)
		}
		written, err := copyFile(entry, filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return Summary{}, err
		}
		summary.Files++
		summary.Bytes += written
	}
	if err := archive.Close(); err != nil {
		return Summary{}, imgerr.IO("finishing archive: %w", err)
	}
	return summary, nil
}

func copyFile(w io.Writer, source string) (int64, error) {
	file, err := os.Open(source)
	if err != nil {
		return 0, imgerr.IO("opening %s: %w", source, err)
	}
	defer file.Close()
	written, err := io.Copy(w, file)
	if err != nil {
		return 0, imgerr.IO("packing %s: %w", source, err)
	}
	return written, nil
}

// Unpack extracts artifact into destination, which must be absent or
// an empty directory.
func Unpack(ctx context.Context, artifact, destination string) (Summary, error) {
	reader, err := zip.OpenReader(artifact)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Summary{}, imgerr.NotFound("artifact %s not found", artifact)
		}
		return Summary{}, imgerr.Validation("opening artifact %s: %w", artifact, err)
	}
	defer reader.Close()

	if err := ensureEmpty(destination); err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		if err := checkName(file.Name); err != nil {
			return Summary{}, imgerr.Validation("artifact %s: %w", artifact, err)
		}
		target, err := securejoin.SecureJoin(destination, filepath.FromSlash(file.Name))
		if err != nil {
			return Summary{}, imgerr.Validation("artifact %s: entry %q: %w", artifact, file.Name, err)
		}
		mode := file.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return Summary{}, imgerr.IO("creating %s: %w", target, err)
			}
			continue
		case !mode.IsRegular():
			return Summary{}, imgerr.Validation("artifact %s: entry %q is not a regular file", artifact, file.Name)
		}
		written, err := extract(file, target)
		if err != nil {
			return Summary{}, err
		}
		summary.Files++
		summary.Bytes += written
	}
	return summary, nil
}

func ensureEmpty(destination string) error {
	entries, err := os.ReadDir(destination)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(destination, 0o755); err != nil {
			return imgerr.IO("creating %s: %w", destination, err)
		}
		return nil
	case err != nil:
		return imgerr.IO("reading %s: %w", destination, err)
	case len(entries) > 0:
		return imgerr.Conflict("destination %s is not empty", destination)
	}
	return nil
}

// checkName rejects entry names that are not clean relative paths.
func checkName(name string) error {
	trimmed := strings.TrimSuffix(name, "/")
	if trimmed == "" || path.IsAbs(trimmed) || path.Clean(trimmed) != trimmed ||
		trimmed == ".." || strings.HasPrefix(trimmed, "../") || strings.Contains(trimmed, "\\") {
		return fmt.Errorf("unsafe entry name %q", name)
	}
	return nil
}

func extract(file *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, imgerr.IO("creating %s: %w", filepath.Dir(target), err)
	}
	source, err := file.Open()
	if err != nil {
		return 0, imgerr.Validation("reading entry %s: %w", file.Name, err)
	}
	defer source.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, entryMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, imgerr.Validation("duplicate entry %s", file.Name)
		}
		return 0, imgerr.IO("creating %s: %w", target, err)
	}
	written, err := io.Copy(out, io.LimitReader(source, int64(file.UncompressedSize64)))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, imgerr.IO("extracting %s: %w", file.Name, err)
	}
	return written, nil
}
