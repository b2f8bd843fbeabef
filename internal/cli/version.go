// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/otaimage/otaimage/lib/version"
)

// VersionCommand prints the build version of binary.
func VersionCommand(binary string) *Command {
	return &Command{
		Name:    "version",
		Summary: "Print version information",
		Usage:   binary + " version",
		Run: func(_ context.Context, args []string) error {
			if err := RequireArgs(args); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", binary, version.Full())
			return nil
		},
	}
}
