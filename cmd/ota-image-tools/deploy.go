// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/compare"
	"github.com/otaimage/otaimage/lib/deploy"
	"github.com/otaimage/otaimage/lib/otaimage"
)

type deployImageParams struct {
	cli.Common
	cli.JSONOutput
	Select  []string `flag:"select" desc:"release-key[/label] to deploy; repeat to layer, lowest first"`
	CACerts []string `flag:"ca-cert" desc:"verify the signature against these PEM roots before deploying"`
	Workers int      `flag:"workers" desc:"parallel file writes (default: config workers)"`
	TempDir string   `flag:"tmp-dir" desc:"where to unpack an artifact (default: system temp dir)"`
}

// parseSelection parses "release-key[/label]".
func parseSelection(value string) (otaimage.Selection, error) {
	releaseKey, label, _ := strings.Cut(value, "/")
	if releaseKey == "" {
		return otaimage.Selection{}, cli.UsageError("--select %q: want release-key[/label]", value)
	}
	return otaimage.Selection{ReleaseKey: releaseKey, Label: label}, nil
}

func deployImageCommand() *cli.Command {
	var params deployImageParams
	return &cli.Command{
		Name:    "deploy-image",
		Summary: "Reconstruct a rootfs from an image or artifact",
		Description: `Reconstruct a rootfs from an image or artifact.

The source is an image directory or a packed artifact. Without --select
the image must hold exactly one release; its first sys-config label is
used. Deploying again over the same target converges on the image
content. Ownership is restored only when running as root.`,
		Usage: binary + " deploy-image [flags] <image-dir|artifact> <target-dir>",
		Examples: []cli.Example{
			{
				Description: "Verify and deploy one ECU's rootfs",
				Command:     binary + " deploy-image --ca-cert root.pem --select r1/autoware image.zip /mnt/rootfs",
			},
			{
				Description: "Deploy an overlay release on top of a base release",
				Command:     binary + " deploy-image --select base --select overlay ./image /mnt/rootfs",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("deploy-image", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image", "target-dir"); err != nil {
				return err
			}
			logger := params.Logger("deploy-image")
			cfg, err := params.LoadConfig()
			if err != nil {
				return err
			}
			now, err := params.Clock()
			if err != nil {
				return err
			}
			options := deploy.Options{
				Workers: cfg.Workers,
				TempDir: params.TempDir,
				Logger:  logger,
				Clock:   now,
			}
			if params.Workers > 0 {
				options.Workers = params.Workers
			}
			for _, value := range params.Select {
				selection, err := parseSelection(value)
				if err != nil {
					return err
				}
				options.Selections = append(options.Selections, selection)
			}
			if options.Roots, err = loadRoots(params.CACerts); err != nil {
				return err
			}

			summary, err := deploy.Deploy(ctx, args[0], args[1], options)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(summary); done {
				return err
			}
			fmt.Printf("deployed %v into %s: %d files (%s), %d directories, %d symlinks, %d hardlinks, %d removed\n",
				summary.Selections, args[1], summary.Files, humanize.IBytes(uint64(summary.Bytes)),
				summary.Directories, summary.Symlinks, summary.Hardlinks, summary.Removed)
			return nil
		},
	}
}

type compareRootfsParams struct {
	cli.Common
	cli.JSONOutput
	IgnoreOwnership bool `flag:"ignore-ownership" desc:"skip uid and gid checks"`
	Workers         int  `flag:"workers" desc:"parallel content hashing (default: config workers)"`
}

func compareRootfsCommand() *cli.Command {
	var params compareRootfsParams
	return &cli.Command{
		Name:    "compare-rootfs",
		Summary: "Deep-compare two rootfs trees",
		Description: `Deep-compare two rootfs trees.

Reports paths missing from or extra in the deployed tree, and for shared
paths any difference in type, content, mode, ownership, extended
attributes or symlink target. Exits 0 only when the trees are identical
and 6 when they differ.`,
		Usage: binary + " compare-rootfs [flags] <original> <deployed>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("compare-rootfs", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "original", "deployed"); err != nil {
				return err
			}
			cfg, err := params.LoadConfig()
			if err != nil {
				return err
			}
			options := compare.Options{
				Workers:         cfg.Workers,
				IgnoreOwnership: params.IgnoreOwnership,
				Logger:          params.Logger("compare-rootfs"),
			}
			if params.Workers > 0 {
				options.Workers = params.Workers
			}

			report, err := compare.Compare(ctx, args[0], args[1], options)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(report); done {
				if err == nil && !report.OK() {
					return &cli.ExitError{Code: 6}
				}
				return err
			}
			for _, discrepancy := range report.Discrepancies {
				fmt.Fprintln(os.Stdout, discrepancy)
			}
			if !report.OK() {
				fmt.Fprintf(os.Stderr, "%d discrepancies across %d compared paths\n",
					len(report.Discrepancies), report.Compared)
				return &cli.ExitError{Code: 6}
			}
			fmt.Printf("identical: %d paths compared, %d files hashed\n", report.Compared, report.Hashed)
			return nil
		},
	}
}
