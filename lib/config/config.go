// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the image builder
// and the image tools.
//
// Configuration is loaded from a single YAML file specified by:
//   - OTA_IMAGE_BUILDER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There is no automatic discovery. When neither is given the documented
// defaults apply, so a build is fully described by its command line plus
// at most one explicit file.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// EnvironmentVariable names the variable holding the config file path.
const EnvironmentVariable = "OTA_IMAGE_BUILDER_CONFIG"

// Size constants for readability in defaults.
const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// Config is the complete builder configuration.
type Config struct {
	// DigestAlgorithm keys every blob of a new image: sha256, sha512 or
	// blake3. Fixed at init; later stages read it from the index.
	DigestAlgorithm string `yaml:"digest_algorithm"`

	// InlineThreshold is the largest regular file size, in bytes, whose
	// content is stored inside the file table instead of as a blob.
	// Zero disables inlining.
	InlineThreshold int64 `yaml:"inline_threshold"`

	// Workers bounds parallel hashing, storing and comparing.
	Workers int `yaml:"workers"`

	// Filters configures the blob storage filters run at finalize.
	Filters FiltersConfig `yaml:"filters"`
}

// FiltersConfig groups the finalize filters. They run in the order
// bundle, compression, slice.
type FiltersConfig struct {
	Bundle      BundleConfig      `yaml:"bundle"`
	Compression CompressionConfig `yaml:"compression"`
	Slice       SliceConfig       `yaml:"slice"`
}

// BundleConfig packs many small blobs into large compressed bundles.
type BundleConfig struct {
	// Skip disables the filter.
	Skip bool `yaml:"skip"`

	// LowerBound excludes blobs of this size or smaller (they are
	// normally inlined anyway).
	LowerBound int64 `yaml:"lower_bound"`

	// UpperBound is the largest blob eligible for bundling.
	UpperBound int64 `yaml:"upper_bound"`

	// BundleSize is the uncompressed size at which a bundle is closed.
	BundleSize int64 `yaml:"bundle_size"`

	// TotalCompressedLimit caps the sum of compressed bundle sizes.
	TotalCompressedLimit int64 `yaml:"total_compressed_limit"`

	// MinCompressionRatio is the fraction of bytes a bundle must save
	// when compressed. Bundles saving less are dropped and their members
	// stay plain blobs.
	MinCompressionRatio float64 `yaml:"min_compression_ratio"`

	// Level is the zstd encoder level for bundles.
	Level int `yaml:"level"`
}

// CompressionConfig compresses individual blobs.
type CompressionConfig struct {
	Skip bool `yaml:"skip"`

	// Algorithm is zstd or lz4.
	Algorithm string `yaml:"algorithm"`

	// LowerBound excludes blobs of this size or smaller.
	LowerBound int64 `yaml:"lower_bound"`

	// MinRatio is the smallest original/compressed ratio worth keeping.
	MinRatio float64 `yaml:"min_ratio"`

	// Level is the zstd encoder level (ignored for lz4).
	Level int `yaml:"level"`
}

// SliceConfig splits large blobs into fixed-size slices.
type SliceConfig struct {
	Skip bool `yaml:"skip"`

	// SliceSize is the size of every slice except possibly the last,
	// which absorbs a remainder of up to half a slice. Blobs larger than
	// twice this size are sliced.
	SliceSize int64 `yaml:"slice_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DigestAlgorithm: string(blob.DefaultAlgorithm),
		InlineThreshold: 64,
		Workers:         min(runtime.NumCPU(), 6),
		Filters: FiltersConfig{
			Bundle: BundleConfig{
				LowerBound:           64,
				UpperBound:           8 * KiB,
				BundleSize:           64 * MiB,
				TotalCompressedLimit: 64 * MiB,
				MinCompressionRatio:  0.1,
				Level:                12,
			},
			Compression: CompressionConfig{
				Algorithm:  "zstd",
				LowerBound: 1 * KiB,
				MinRatio:   1.25,
				Level:      9,
			},
			Slice: SliceConfig{
				SliceSize: 32 * MiB,
			},
		},
	}
}

// Load reads the file named by OTA_IMAGE_BUILDER_CONFIG, or returns the
// defaults when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile reads a config file over the defaults and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, imgerr.IO("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, imgerr.Validation("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, imgerr.Validation("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := blob.ParseAlgorithm(c.DigestAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("digest_algorithm: %w", err))
	}
	if c.InlineThreshold < 0 {
		errs = append(errs, fmt.Errorf("inline_threshold must not be negative, got %d", c.InlineThreshold))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}

	bundle := c.Filters.Bundle
	if bundle.UpperBound <= bundle.LowerBound {
		errs = append(errs, fmt.Errorf("filters.bundle.upper_bound (%d) must exceed lower_bound (%d)",
			bundle.UpperBound, bundle.LowerBound))
	}
	if bundle.BundleSize <= 0 {
		errs = append(errs, fmt.Errorf("filters.bundle.bundle_size must be positive"))
	}
	if bundle.MinCompressionRatio < 0 || bundle.MinCompressionRatio >= 1 {
		errs = append(errs, fmt.Errorf("filters.bundle.min_compression_ratio must be in [0, 1), got %g",
			bundle.MinCompressionRatio))
	}

	compression := c.Filters.Compression
	if compression.Algorithm != "zstd" && compression.Algorithm != "lz4" {
		errs = append(errs, fmt.Errorf("filters.compression.algorithm must be zstd or lz4, got %q",
			compression.Algorithm))
	}
	if compression.MinRatio < 1 {
		errs = append(errs, fmt.Errorf("filters.compression.min_ratio must be at least 1, got %g",
			compression.MinRatio))
	}

	if c.Filters.Slice.SliceSize <= 0 {
		errs = append(errs, fmt.Errorf("filters.slice.slice_size must be positive"))
	}

	return errors.Join(errs...)
}
