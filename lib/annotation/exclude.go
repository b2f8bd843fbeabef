// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package annotation

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/renameio"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// rejectedPatterns match exclude patterns that would strip the image of
// paths an OTA update depends on.
var rejectedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\./*$`),
	regexp.MustCompile(`^\.\./*$`),
	regexp.MustCompile(`^/+$`),
	regexp.MustCompile(`^/boot/ota.*$`),
	regexp.MustCompile(`^/home/autoware.*/build$`),
}

// ValidExcludePattern reports whether pattern is a usable glob that
// does not target a protected path.
func ValidExcludePattern(pattern string) bool {
	for _, rejected := range rejectedPatterns {
		if rejected.MatchString(pattern) {
			return false
		}
	}
	_, err := glob.Compile(pattern, '/')
	return err == nil
}

// BuildExcludePatterns merges the pattern files at paths, one glob per
// line. Blank lines and lines starting with '#' are skipped; invalid
// patterns are logged and dropped. The result is sorted and
// deduplicated.
func BuildExcludePatterns(paths []string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var merged []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, imgerr.NotFound("exclude pattern file %s not found", path)
			}
			return nil, imgerr.IO("reading %s: %w", path, err)
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			pattern := strings.TrimSpace(scanner.Text())
			if pattern == "" || strings.HasPrefix(pattern, "#") {
				continue
			}
			if !ValidExcludePattern(pattern) {
				logger.Info("ignoring invalid exclude pattern", "pattern", pattern, "file", path)
				continue
			}
			merged = append(merged, pattern)
		}
		if err := scanner.Err(); err != nil {
			return nil, imgerr.IO("reading %s: %w", path, err)
		}
	}
	slices.Sort(merged)
	return slices.Compact(merged), nil
}

// WriteExcludePatterns writes one pattern per line.
func WriteExcludePatterns(path string, patterns []string) error {
	var buffer bytes.Buffer
	for _, pattern := range patterns {
		buffer.WriteString(pattern)
		buffer.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, buffer.Bytes(), 0o644); err != nil {
		return imgerr.IO("writing %s: %w", path, err)
	}
	return nil
}
