// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package imgerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestKindMatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("add-image dev: %w", Conflict("release %q: %w", "dev", ErrReleaseConflict))

	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) = false, want true")
	}
	if !errors.Is(err, ErrReleaseConflict) {
		t.Error("errors.Is(err, ErrReleaseConflict) = false, want true")
	}
	if errors.Is(err, ErrState) {
		t.Error("errors.Is(err, ErrState) = true, want false")
	}
	if got := KindOf(err); got != KindConflict {
		t.Errorf("KindOf = %q, want %q", got, KindConflict)
	}
}

func TestIOPreservesUnderlyingError(t *testing.T) {
	err := IO("reading /rootfs/etc: %w", fs.ErrPermission)
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("wrapped fs.ErrPermission not reachable")
	}
	if err.Error() != "reading /rootfs/etc: permission denied" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"unclassified", errors.New("boom"), 1},
		{"state", State("finalize: %w", ErrEmptyImage), 2},
		{"integrity", Integrity("chain: %w", ErrInvalidChain), 3},
		{"io", IO("disk full"), 4},
		{"conflict", Conflict("exists"), 5},
		{"validation", Validation("3 discrepancies"), 6},
		{"not found", NotFound("sha256:00"), 7},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode = %d, want %d", got, test.want)
			}
		})
	}
}
