// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysimg cleans a system rootfs before it is added to an OTA
// image: runtime directories are emptied, build leftovers and logs are
// removed, and caller-supplied glob patterns are applied.
package sysimg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/otaimage"
)

// PreservedDirs are emptied but kept: they are mount points or hold
// only runtime files.
var PreservedDirs = []string{"/dev", "/proc", "/sys", "/run", "/tmp"}

// RemovedEntries are deleted outright.
var RemovedEntries = []string{"/lost+found", "/.dockerenv"}

// DefaultPatterns are always applied in addition to caller patterns.
var DefaultPatterns = []string{
	"/var/log/**/*.log*",
	"/var/log/**/*.journal*",
	"/var/log/dmesg*",
	"/var/log/lastlog",
	"/var/log/syslog",
	"/var/log/syslog.*",
}

const globSpecials = "*?[]{}|"

// Options configures Prepare.
type Options struct {
	// Patterns are extra cleanup globs. Absolute patterns match from
	// the rootfs root; relative ones match at any depth.
	Patterns []string

	Logger *slog.Logger
}

// Summary reports what Prepare removed.
type Summary struct {
	Removed int
}

// Prepare cleans rootfs in place. Running it again on a prepared rootfs
// removes nothing.
func Prepare(ctx context.Context, rootfs string, options Options) (Summary, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	info, err := os.Stat(rootfs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Summary{}, imgerr.NotFound("rootfs %s not found", rootfs)
		}
		return Summary{}, imgerr.IO("rootfs %s: %w", rootfs, err)
	}
	if !info.IsDir() {
		return Summary{}, imgerr.Validation("rootfs %s is not a directory", rootfs)
	}
	if isImage(rootfs) {
		return Summary{}, imgerr.Validation("%s is an OTA image, not a system rootfs", rootfs)
	}

	var summary Summary
	for _, dir := range PreservedDirs {
		removed, err := emptyDir(filepath.Join(rootfs, dir))
		if err != nil {
			return Summary{}, err
		}
		summary.Removed += removed
	}

	exact := append([]string(nil), RemovedEntries...)
	var matchers []glob.Glob
	for _, pattern := range append(append([]string(nil), DefaultPatterns...), options.Patterns...) {
		if !annotation.ValidExcludePattern(pattern) {
			logger.Warn("ignoring cleanup pattern", "pattern", pattern)
			continue
		}
		if strings.HasPrefix(pattern, "/") && !strings.ContainsAny(pattern, globSpecials) {
			exact = append(exact, pattern)
			continue
		}
		compiled, err := compilePattern(pattern)
		if err != nil {
			logger.Warn("ignoring cleanup pattern", "pattern", pattern, "error", err)
			continue
		}
		matchers = append(matchers, compiled...)
	}

	for _, entry := range exact {
		removed, err := removeEntry(filepath.Join(rootfs, filepath.FromSlash(entry)))
		if err != nil {
			return Summary{}, err
		}
		summary.Removed += removed
	}

	err = filepath.WalkDir(rootfs, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return imgerr.IO("walking %s: %w", current, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if current == rootfs {
			return nil
		}
		relative, err := filepath.Rel(rootfs, current)
		if err != nil {
			return imgerr.IO("%w", err)
		}
		imagePath := "/" + filepath.ToSlash(relative)
		if !matchAny(matchers, imagePath) {
			return nil
		}
		logger.Debug("removing", "path", imagePath)
		if err := os.RemoveAll(current); err != nil {
			return imgerr.IO("removing %s: %w", current, err)
		}
		summary.Removed++
		if entry.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	logger.Info("system image prepared", "rootfs", rootfs, "removed", summary.Removed)
	return summary, nil
}

// LoadPatterns reads one cleanup pattern per line, skipping blank lines
// and '#' comments.
func LoadPatterns(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("pattern file %s not found", path)
		}
		return nil, imgerr.IO("reading %s: %w", path, err)
	}
	var patterns []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, imgerr.IO("reading %s: %w", path, err)
	}
	return patterns, nil
}

// compilePattern turns a cleanup pattern into globs over absolute
// image paths. A "/**/" segment also matches a single "/", and
// relative patterns match below any directory.
func compilePattern(pattern string) ([]glob.Glob, error) {
	var sources []string
	if strings.HasPrefix(pattern, "/") {
		sources = []string{pattern}
	} else {
		sources = []string{"/" + pattern, "/**/" + pattern}
	}
	var expanded []string
	for _, source := range sources {
		expanded = append(expanded, source)
		if strings.Contains(source, "/**/") {
			expanded = append(expanded, strings.ReplaceAll(source, "/**/", "/"))
		}
	}
	compiled := make([]glob.Glob, 0, len(expanded))
	for _, source := range expanded {
		g, err := glob.Compile(source, '/')
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func matchAny(matchers []glob.Glob, p string) bool {
	for _, matcher := range matchers {
		if matcher.Match(p) {
			return true
		}
	}
	return false
}

// emptyDir removes the contents of dir, creating it if missing or
// replacing it if it is not a directory.
func emptyDir(dir string) (int, error) {
	info, err := os.Lstat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, mkdir(dir)
	case err != nil:
		return 0, imgerr.IO("stating %s: %w", dir, err)
	case !info.IsDir():
		if err := os.Remove(dir); err != nil {
			return 0, imgerr.IO("removing %s: %w", dir, err)
		}
		return 1, mkdir(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, imgerr.IO("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return 0, imgerr.IO("removing %s: %w", filepath.Join(dir, entry.Name()), err)
		}
	}
	return len(entries), nil
}

func mkdir(dir string) error {
	mode := fs.FileMode(0o755)
	if filepath.Base(dir) == "tmp" {
		mode = 0o777 | fs.ModeSticky
	}
	if err := os.Mkdir(dir, mode); err != nil {
		return imgerr.IO("creating %s: %w", dir, err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(dir, mode); err != nil {
		return imgerr.IO("chmod %s: %w", dir, err)
	}
	return nil
}

func removeEntry(p string) (int, error) {
	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, imgerr.IO("stating %s: %w", p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return 0, imgerr.IO("removing %s: %w", p, err)
	}
	return 1, nil
}

func isImage(dir string) bool {
	for _, name := range []string{otaimage.LayoutFile, otaimage.IndexFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}
