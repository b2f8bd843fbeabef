// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package compare deep-compares two root filesystem trees: the one an
// image was built from and the one a deployment produced.
//
// Both trees are listed, sorted in file table order and walked in
// lockstep. Paths present on one side only are reported as missing or
// extra. For paths on both sides the type, ownership, mode, extended
// attributes and symlink targets are compared directly; regular file
// content is hashed with BLAKE3 on a bounded worker pool. Every
// discrepancy is collected, so one run reports the full difference.
package compare

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/filetable"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/xattr"
)

// Kind classifies a discrepancy.
type Kind string

const (
	MissingInDeployed Kind = "missing_in_deployed"
	ExtraInDeployed   Kind = "extra_in_deployed"
	TypeMismatch      Kind = "type_mismatch"
	ContentMismatch   Kind = "content_mismatch"
	MetadataMismatch  Kind = "metadata_mismatch"
	XattrMismatch     Kind = "xattr_mismatch"
	SymlinkMismatch   Kind = "symlink_mismatch"
)

// Discrepancy is one difference between the trees.
type Discrepancy struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (d Discrepancy) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Path)
	}
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Path, d.Detail)
}

// Report is the outcome of a comparison. Discrepancies are sorted by
// path, then kind.
type Report struct {
	Original      string        `json:"original"`
	Deployed      string        `json:"deployed"`
	Compared      int           `json:"compared"`
	Hashed        int           `json:"hashed"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// OK reports whether the trees are identical.
func (r *Report) OK() bool { return len(r.Discrepancies) == 0 }

// Options configures a comparison.
type Options struct {
	// Workers bounds parallel content hashing. Zero means one.
	Workers int

	// IgnoreOwnership skips uid and gid checks, for trees deployed
	// without the privilege to restore ownership.
	IgnoreOwnership bool

	Logger *slog.Logger
}

// Compare walks original and deployed and reports every difference.
// The error is non-nil only when a tree cannot be read; differences are
// reported in the Report.
func Compare(ctx context.Context, original, deployed string, options Options) (*Report, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	originalNodes, err := list(ctx, original)
	if err != nil {
		return nil, err
	}
	deployedNodes, err := list(ctx, deployed)
	if err != nil {
		return nil, err
	}

	report := &Report{Original: original, Deployed: deployed}
	var found accumulator

	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(max(options.Workers, 1))

	i, j := 0, 0
	for i < len(originalNodes) || j < len(deployedNodes) {
		var order int
		switch {
		case i == len(originalNodes):
			order = 1
		case j == len(deployedNodes):
			order = -1
		default:
			order = filetable.ComparePaths(originalNodes[i].path, deployedNodes[j].path)
		}

		switch {
		case order < 0:
			found.add(originalNodes[i].path, MissingInDeployed, string(originalNodes[i].kind))
			i++
		case order > 0:
			found.add(deployedNodes[j].path, ExtraInDeployed, string(deployedNodes[j].kind))
			j++
		default:
			a, b := originalNodes[i], deployedNodes[j]
			i++
			j++
			report.Compared++
			if !compareNodes(a, b, options, &found) {
				continue
			}
			report.Hashed++
			group.Go(func() error {
				if err := groupContext.Err(); err != nil {
					return err
				}
				return compareContent(a, b, &found)
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	report.Discrepancies = found.sorted()
	logger.Info("compared rootfs",
		"original", original,
		"deployed", deployed,
		"compared", report.Compared,
		"hashed", report.Hashed,
		"discrepancies", len(report.Discrepancies),
	)
	return report, nil
}

// nodeKind is the file type of a listed path.
type nodeKind string

const (
	kindRegular   nodeKind = "regular"
	kindDirectory nodeKind = "directory"
	kindSymlink   nodeKind = "symlink"
	kindOther     nodeKind = "other"
)

type node struct {
	path   string
	full   string
	kind   nodeKind
	mode   uint32
	uid    uint32
	gid    uint32
	size   int64
	target string
	xattrs map[string][]byte
}

// list returns every path under root in file table order.
func list(ctx context.Context, root string) ([]node, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, imgerr.NotFound("rootfs %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, imgerr.Validation("rootfs %s is not a directory", root)
	}

	var nodes []node
	err = filepath.WalkDir(root, func(full string, _ fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.IO("walking %s: %w", full, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		relative, err := filepath.Rel(root, full)
		if err != nil {
			return imgerr.IO("resolving %s: %w", full, err)
		}
		var stat unix.Stat_t
		if err := unix.Lstat(full, &stat); err != nil {
			return imgerr.IO("stating %s: %w", full, err)
		}
		n := node{
			path: filetable.CleanPath(filepath.ToSlash(relative)),
			full: full,
			mode: stat.Mode & 0o7777,
			uid:  stat.Uid,
			gid:  stat.Gid,
			size: stat.Size,
		}
		switch stat.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			n.kind = kindRegular
		case unix.S_IFDIR:
			n.kind = kindDirectory
		case unix.S_IFLNK:
			n.kind = kindSymlink
			if n.target, err = os.Readlink(full); err != nil {
				return imgerr.IO("reading symlink %s: %w", full, err)
			}
		default:
			n.kind = kindOther
		}
		if n.xattrs, err = xattr.ReadAll(full); err != nil {
			return imgerr.IO("%w", err)
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(nodes, func(a, b node) int { return filetable.ComparePaths(a.path, b.path) })
	return nodes, nil
}

// compareNodes records the metadata differences of a path present on
// both sides and reports whether content still needs hashing.
func compareNodes(a, b node, options Options, found *accumulator) bool {
	if a.kind != b.kind {
		found.add(a.path, TypeMismatch, fmt.Sprintf("%s != %s", a.kind, b.kind))
		return false
	}

	var metadata []string
	if a.kind != kindSymlink && a.mode != b.mode {
		metadata = append(metadata, fmt.Sprintf("mode %04o != %04o", a.mode, b.mode))
	}
	if !options.IgnoreOwnership {
		if a.uid != b.uid {
			metadata = append(metadata, fmt.Sprintf("uid %d != %d", a.uid, b.uid))
		}
		if a.gid != b.gid {
			metadata = append(metadata, fmt.Sprintf("gid %d != %d", a.gid, b.gid))
		}
	}
	if len(metadata) > 0 {
		found.add(a.path, MetadataMismatch, strings.Join(metadata, ", "))
	}

	if names := xattrDifference(a.xattrs, b.xattrs); len(names) > 0 {
		found.add(a.path, XattrMismatch, strings.Join(names, ", "))
	}

	switch a.kind {
	case kindSymlink:
		if a.target != b.target {
			found.add(a.path, SymlinkMismatch, fmt.Sprintf("%q != %q", a.target, b.target))
		}
	case kindRegular:
		if a.size != b.size {
			found.add(a.path, ContentMismatch, fmt.Sprintf("size %d != %d", a.size, b.size))
			return false
		}
		return true
	}
	return false
}

// xattrDifference returns the sorted names whose presence or value
// differs.
func xattrDifference(a, b map[string][]byte) []string {
	var names []string
	for name, value := range a {
		if other, ok := b[name]; !ok || !bytes.Equal(value, other) {
			names = append(names, name)
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func compareContent(a, b node, found *accumulator) error {
	originalSum, err := hashFile(a.full)
	if err != nil {
		return err
	}
	deployedSum, err := hashFile(b.full)
	if err != nil {
		return err
	}
	if !bytes.Equal(originalSum, deployedSum) {
		found.add(a.path, ContentMismatch, fmt.Sprintf("blake3 %x != %x", originalSum, deployedSum))
	}
	return nil
}

// accumulator collects discrepancies from concurrent workers.
type accumulator struct {
	mu    sync.Mutex
	items []Discrepancy
}

func (a *accumulator) add(p string, kind Kind, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, Discrepancy{Path: p, Kind: kind, Detail: detail})
}

func (a *accumulator) sorted() []Discrepancy {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := slices.Clone(a.items)
	slices.SortFunc(items, func(x, y Discrepancy) int {
		if order := filetable.ComparePaths(x.Path, y.Path); order != 0 {
			return order
		}
		return strings.Compare(string(x.Kind), string(y.Kind))
	})
	return items
}

// Kinds returns the distinct kinds in the report, sorted.
func (r *Report) Kinds() []Kind {
	seen := make(map[Kind]bool)
	for _, d := range r.Discrepancies {
		seen[d.Kind] = true
	}
	return slices.Sorted(maps.Keys(seen))
}
