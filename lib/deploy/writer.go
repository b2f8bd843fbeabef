// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/filetable"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/resource"
	"github.com/otaimage/otaimage/lib/xattr"
)

// tempPattern names in-progress files. A crash leaves them behind; the
// next deployment writes fresh ones and the stale ones are harmless.
const tempPattern = ".otaimage-deploy-*"

type writer struct {
	target   string
	resolver *resource.Resolver
	workers  int
	logger   *slog.Logger
	summary  *Summary

	files            atomic.Int64
	bytes            atomic.Int64
	ownershipSkipped atomic.Int64
}

// hardlink is a secondary member of a link group, created after the
// group's primary file is in place.
type hardlink struct {
	path    string
	primary string
}

func (w *writer) write(ctx context.Context, table *filetable.Table) error {
	var directories, regular, symlinks, whiteouts []*filetable.Entry
	for i := range table.Entries {
		entry := &table.Entries[i]
		switch entry.Type {
		case filetable.TypeDirectory:
			directories = append(directories, entry)
		case filetable.TypeRegular:
			regular = append(regular, entry)
		case filetable.TypeSymlink:
			symlinks = append(symlinks, entry)
		case filetable.TypeWhiteout:
			whiteouts = append(whiteouts, entry)
		}
	}

	for _, entry := range whiteouts {
		full, err := w.resolve(entry.Path)
		if err != nil {
			return err
		}
		existed, err := removeExisting(full)
		if err != nil {
			return err
		}
		if existed {
			w.summary.Removed++
			w.logger.Debug("removed whiteout path", "path", entry.Path)
		}
	}

	for _, entry := range directories {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.createDirectory(entry); err != nil {
			return err
		}
		w.summary.Directories++
	}

	links, err := w.writeRegularFiles(ctx, regular)
	if err != nil {
		return err
	}
	w.summary.Files = int(w.files.Load())
	w.summary.Bytes = w.bytes.Load()

	for _, link := range links {
		if _, err := removeExisting(link.path); err != nil {
			return err
		}
		if err := os.Link(link.primary, link.path); err != nil {
			return imgerr.IO("linking %s: %w", link.path, err)
		}
		w.summary.Hardlinks++
	}

	for _, entry := range symlinks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.createSymlink(entry); err != nil {
			return err
		}
		w.summary.Symlinks++
	}

	// Deepest first: a read-only parent must not block metadata updates
	// on its children.
	for i := len(directories) - 1; i >= 0; i-- {
		full, err := w.resolve(directories[i].Path)
		if err != nil {
			return err
		}
		if err := w.applyMetadata(full, directories[i]); err != nil {
			return err
		}
	}

	w.summary.OwnershipSkipped = int(w.ownershipSkipped.Load())
	if w.summary.OwnershipSkipped > 0 {
		w.logger.Warn("could not restore ownership without privileges",
			"entries", w.summary.OwnershipSkipped)
	}
	return nil
}

// resolve maps a table path to a path under target. The parent is
// resolved inside target so a symlink already on disk cannot redirect a
// write outside it; the final component is left unresolved so it can be
// replaced.
func (w *writer) resolve(p string) (string, error) {
	if p == filetable.Root {
		return w.target, nil
	}
	parent, err := securejoin.SecureJoin(w.target, filepath.FromSlash(filetable.Parent(p)))
	if err != nil {
		return "", imgerr.IO("resolving %s under %s: %w", p, w.target, err)
	}
	return filepath.Join(parent, path.Base(p)), nil
}

func (w *writer) createDirectory(entry *filetable.Entry) error {
	full, err := w.resolve(entry.Path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	switch {
	case err == nil && info.IsDir():
		// Children are written before final modes are applied.
		if perm := uint32(info.Mode().Perm()); perm&0o700 != 0o700 {
			if err := unix.Chmod(full, perm|0o700); err != nil {
				return imgerr.IO("chmod %s: %w", full, err)
			}
		}
		return nil
	case err == nil:
		if _, err := removeExisting(full); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return imgerr.IO("stating %s: %w", full, err)
	}
	if err := os.Mkdir(full, 0o700); err != nil {
		return imgerr.IO("creating directory %s: %w", full, err)
	}
	return nil
}

// writeRegularFiles writes every regular file in parallel and returns
// the hardlinks still to be created. The first entry of each link group
// in path order carries the content.
func (w *writer) writeRegularFiles(ctx context.Context, entries []*filetable.Entry) ([]hardlink, error) {
	primaries := make(map[uint32]string)
	var links []hardlink

	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(w.workers)
	for _, entry := range entries {
		full, err := w.resolve(entry.Path)
		if err != nil {
			group.Wait()
			return nil, err
		}
		if entry.LinkGroup != 0 {
			if primary, ok := primaries[entry.LinkGroup]; ok {
				links = append(links, hardlink{path: full, primary: primary})
				continue
			}
			primaries[entry.LinkGroup] = full
		}
		group.Go(func() error {
			if err := groupContext.Err(); err != nil {
				return err
			}
			return w.writeRegular(entry, full)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return links, nil
}

// writeRegular writes one file to a temporary name beside full, applies
// its metadata, and renames it into place.
func (w *writer) writeRegular(entry *filetable.Entry, full string) error {
	temp, err := os.CreateTemp(filepath.Dir(full), tempPattern)
	if err != nil {
		return imgerr.IO("creating temporary file for %s: %w", entry.Path, err)
	}
	tempName := temp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tempName)
		}
	}()

	written, err := w.copyContent(temp, entry)
	if closeErr := temp.Close(); err == nil && closeErr != nil {
		err = imgerr.IO("closing %s: %w", tempName, closeErr)
	}
	if err != nil {
		return err
	}
	if written != entry.Size {
		return imgerr.Integrity("%s: wrote %d bytes, table says %d", entry.Path, written, entry.Size)
	}

	if err := w.applyMetadata(tempName, entry); err != nil {
		return err
	}
	if _, err := removeExisting(full); err != nil {
		return err
	}
	if err := os.Rename(tempName, full); err != nil {
		return imgerr.IO("renaming %s into place: %w", entry.Path, err)
	}
	committed = true

	w.files.Add(1)
	w.bytes.Add(written)
	return nil
}

func (w *writer) copyContent(destination io.Writer, entry *filetable.Entry) (int64, error) {
	if entry.Inlined() {
		n, err := io.Copy(destination, bytes.NewReader(entry.Inline))
		if err != nil {
			return n, imgerr.IO("writing %s: %w", entry.Path, err)
		}
		return n, nil
	}
	reader, err := w.resolver.Open(entry.Digest)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	n, err := io.Copy(destination, reader)
	if err != nil {
		if imgerr.KindOf(err) != "" {
			return n, err
		}
		return n, imgerr.IO("writing %s: %w", entry.Path, err)
	}
	return n, nil
}

func (w *writer) createSymlink(entry *filetable.Entry) error {
	full, err := w.resolve(entry.Path)
	if err != nil {
		return err
	}
	if _, err := removeExisting(full); err != nil {
		return err
	}
	if err := os.Symlink(entry.Target, full); err != nil {
		return imgerr.IO("creating symlink %s: %w", entry.Path, err)
	}
	return w.applyMetadata(full, entry)
}

// applyMetadata restores ownership, mode and extended attributes.
// Ownership goes first since chown clears setuid and setgid bits.
// Symlinks have no mode of their own, and most filesystems reject user
// attributes on them, so their attributes are only touched when the
// entry carries some.
func (w *writer) applyMetadata(full string, entry *filetable.Entry) error {
	if err := unix.Lchown(full, int(entry.UID), int(entry.GID)); err != nil {
		if !errors.Is(err, unix.EPERM) || os.Geteuid() == 0 {
			return imgerr.IO("chown %s: %w", full, err)
		}
		w.ownershipSkipped.Add(1)
	}
	if entry.Type == filetable.TypeSymlink {
		if len(entry.Xattrs) == 0 {
			return nil
		}
	} else if err := unix.Chmod(full, entry.Mode); err != nil {
		return imgerr.IO("chmod %s: %w", full, err)
	}
	if err := xattr.Replace(full, entry.Xattrs); err != nil {
		return imgerr.IO("%w", err)
	}
	return nil
}

// removeExisting removes whatever is at full and reports whether
// anything was there.
func removeExisting(full string) (bool, error) {
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, imgerr.IO("stating %s: %w", full, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return true, imgerr.IO("removing %s: %w", full, err)
	}
	return true, nil
}
