// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/otaimage/otaimage/lib/imgerr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ota-image-builder.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadWithoutEnvironmentUsesDefaults(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DigestAlgorithm != "sha256" {
		t.Errorf("DigestAlgorithm = %q, want sha256", cfg.DigestAlgorithm)
	}
	if cfg.InlineThreshold != 64 {
		t.Errorf("InlineThreshold = %d, want 64", cfg.InlineThreshold)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
digest_algorithm: blake3
inline_threshold: 128
workers: 2
filters:
  compression:
    algorithm: lz4
  slice:
    skip: true
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DigestAlgorithm != "blake3" {
		t.Errorf("DigestAlgorithm = %q, want blake3", cfg.DigestAlgorithm)
	}
	if cfg.InlineThreshold != 128 {
		t.Errorf("InlineThreshold = %d, want 128", cfg.InlineThreshold)
	}
	if cfg.Filters.Compression.Algorithm != "lz4" {
		t.Errorf("compression algorithm = %q, want lz4", cfg.Filters.Compression.Algorithm)
	}
	if !cfg.Filters.Slice.Skip {
		t.Error("slice skip = false, want true")
	}
	// Untouched nested defaults survive a partial section.
	if cfg.Filters.Compression.MinRatio != 1.25 {
		t.Errorf("compression min_ratio = %g, want 1.25", cfg.Filters.Compression.MinRatio)
	}
}

func TestLoadFileReportsAllErrors(t *testing.T) {
	path := writeConfig(t, `
digest_algorithm: md5
workers: 0
inline_threshold: -1
`)
	_, err := LoadFile(path)
	if !errors.Is(err, imgerr.ErrValidation) {
		t.Fatalf("LoadFile: err = %v, want validation error", err)
	}
	for _, fragment := range []string{"digest_algorithm", "workers", "inline_threshold"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %s", err, fragment)
		}
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, imgerr.ErrIO) {
		t.Errorf("LoadFile missing: err = %v, want io error", err)
	}
}
