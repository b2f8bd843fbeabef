// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package compare

import (
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// hashFile returns the BLAKE3 sum of a file's content.
func hashFile(full string) ([]byte, error) {
	file, err := os.Open(full)
	if err != nil {
		return nil, imgerr.IO("opening %s: %w", full, err)
	}
	defer file.Close()
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, imgerr.IO("hashing %s: %w", full, err)
	}
	return hasher.Sum(nil), nil
}
