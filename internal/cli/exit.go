// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// ExitError signals a non-zero exit without an extra error message. The
// command has already written its own output, for example a comparison
// report listing discrepancies.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// UsageError reports bad command-line input. It exits like any other
// validation failure.
func UsageError(format string, args ...any) error {
	return imgerr.Validation(format, args...)
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return imgerr.ExitCode(err)
}

// Finish reports err on stderr unless the command already did, and
// returns the exit status for os.Exit.
func Finish(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return ExitCode(err)
}
