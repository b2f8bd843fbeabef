// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/xattr"
)

// Whiteout marker conventions recognized by Scan.
const (
	WhiteoutPrefix = ".wh."
	OpaqueMarker   = ".wh..wh..opq"
)

// ScanOptions configures Scan.
type ScanOptions struct {
	// Store receives the content of every regular file above
	// InlineThreshold. Required.
	Store blob.Store

	// InlineThreshold is the largest file size kept inside the table.
	InlineThreshold int64

	// Workers bounds concurrent hashing. Values below 1 mean 1.
	Workers int

	// Logger receives skip and progress messages. Nil discards them.
	Logger *slog.Logger
}

// hardlinkKey identifies an inode on one device.
type hardlinkKey struct {
	device uint64
	inode  uint64
}

// Scan walks root and returns its file table, storing regular file
// content in options.Store. Device nodes, sockets and fifos are
// skipped; whiteouts become whiteout entries. Any unreadable path fails
// the scan with an IO error.
func Scan(ctx context.Context, root string, options ScanOptions) (*Table, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	workers := max(options.Workers, 1)

	var entries []Entry
	// sources maps an entry index to its file on disk for content work.
	sources := make(map[int]string)
	hardlinks := make(map[hardlinkKey]uint32)
	seen := make(map[string]bool)
	skipped := 0

	walkErr := filepath.WalkDir(root, func(fullPath string, _ fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.IO("walking %s: %w", fullPath, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relative, err := filepath.Rel(root, fullPath)
		if err != nil {
			return imgerr.IO("resolving %s: %w", fullPath, err)
		}
		tablePath := CleanPath(filepath.ToSlash(relative))

		var stat unix.Stat_t
		if err := unix.Lstat(fullPath, &stat); err != nil {
			return imgerr.IO("stating %s: %w", fullPath, err)
		}

		entry := Entry{
			Path: tablePath,
			Mode: stat.Mode & 0o7777,
			UID:  stat.Uid,
			GID:  stat.Gid,
		}

		switch stat.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			entry.Type = TypeDirectory
		case unix.S_IFLNK:
			target, err := os.Readlink(fullPath)
			if err != nil {
				return imgerr.IO("reading symlink %s: %w", fullPath, err)
			}
			entry.Type = TypeSymlink
			entry.Target = target
		case unix.S_IFREG:
			name := path.Base(tablePath)
			if name == OpaqueMarker {
				logger.Warn("skipping opaque directory marker", "path", tablePath)
				skipped++
				return nil
			}
			if strings.HasPrefix(name, WhiteoutPrefix) {
				entry = Entry{
					Path: path.Join(Parent(tablePath), strings.TrimPrefix(name, WhiteoutPrefix)),
					Type: TypeWhiteout,
				}
				break
			}
			entry.Type = TypeRegular
			entry.Size = stat.Size
			if stat.Nlink > 1 {
				key := hardlinkKey{device: uint64(stat.Dev), inode: stat.Ino}
				group, ok := hardlinks[key]
				if !ok {
					group = uint32(len(hardlinks) + 1)
					hardlinks[key] = group
				}
				entry.LinkGroup = group
			}
			sources[len(entries)] = fullPath
		case unix.S_IFCHR:
			if unix.Major(uint64(stat.Rdev)) == 0 && unix.Minor(uint64(stat.Rdev)) == 0 {
				entry = Entry{Path: tablePath, Type: TypeWhiteout}
				break
			}
			fallthrough
		default:
			logger.Debug("skipping special file", "path", tablePath, "mode", stat.Mode&unix.S_IFMT)
			skipped++
			return nil
		}

		if entry.Type != TypeWhiteout {
			attributes, err := xattr.ReadAll(fullPath)
			if err != nil {
				return imgerr.IO("%w", err)
			}
			entry.Xattrs = attributes
		}

		if seen[entry.Path] {
			return imgerr.Validation("%s: path appears twice (whiteout marker next to a live entry?)", entry.Path)
		}
		seen[entry.Path] = true
		entries = append(entries, entry)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for index, source := range sources {
		entry := &entries[index]
		group.Go(func() error {
			if err := groupContext.Err(); err != nil {
				return err
			}
			return loadContent(entry, source, options)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	table := New(entries)
	stats := table.Stats()
	logger.Info("scanned rootfs",
		"root", root,
		"entries", table.Len(),
		"regular", stats.Regular,
		"unique_blobs", stats.UniqueBlobs,
		"size", humanize.IBytes(uint64(stats.TotalSize)),
		"skipped", skipped,
	)
	return table, nil
}

// loadContent fills in the digest and, for small files, the inline
// bytes of a regular file entry.
func loadContent(entry *Entry, source string, options ScanOptions) error {
	algorithm := options.Store.Algorithm()
	if entry.Size <= options.InlineThreshold {
		data, err := os.ReadFile(source)
		if err != nil {
			return imgerr.IO("reading %s: %w", source, err)
		}
		if int64(len(data)) <= options.InlineThreshold {
			d, err := blob.Compute(algorithm, data)
			if err != nil {
				return imgerr.Validation("%w", err)
			}
			entry.Size = int64(len(data))
			entry.Digest = d
			if len(data) > 0 {
				entry.Inline = data
			}
			return nil
		}
	}

	d, size, err := options.Store.PutFile(source)
	if err != nil {
		return err
	}
	entry.Digest = d
	entry.Size = size
	return nil
}
