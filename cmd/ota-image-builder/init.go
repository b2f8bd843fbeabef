// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/otaimage"
	"github.com/otaimage/otaimage/lib/sysimg"
	"github.com/otaimage/otaimage/lib/version"
)

type initParams struct {
	cli.Common
	AnnotationsFile string `flag:"annotations-file" desc:"YAML mapping of image-level annotations"`
}

func initCommand() *cli.Command {
	var params initParams
	return &cli.Command{
		Name:    "init",
		Summary: "Create an empty image directory",
		Description: `Create an empty image directory.

The directory must not exist or must be empty. The digest algorithm from
the config is fixed for the image's lifetime. The build tool version
annotation defaults to this binary's version.`,
		Usage: binary + " init [flags] <image-dir>",
		Examples: []cli.Example{{
			Description: "Create an image with platform annotations",
			Command:     binary + " init --annotations-file annotations.yaml ./image",
		}},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("init", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			options, _, err := builderOptions(&params.Common, "init")
			if err != nil {
				return err
			}

			annotations := annotation.Annotations{}
			if params.AnnotationsFile != "" {
				if annotations, err = annotation.Load(params.AnnotationsFile); err != nil {
					return err
				}
			}
			if annotations == nil {
				annotations = annotation.Annotations{}
			}
			if _, ok := annotations[annotation.BuildToolVersion]; !ok {
				annotations[annotation.BuildToolVersion] = version.Short()
			}

			_, err = otaimage.Init(args[0], annotations, options)
			return err
		},
	}
}

type prepareSysimgParams struct {
	cli.Common
	ExcludeConfig string `flag:"exclude-cfg" desc:"file of extra cleanup patterns, one per line"`
}

func prepareSysimgCommand() *cli.Command {
	var params prepareSysimgParams
	return &cli.Command{
		Name:    "prepare-sysimg",
		Summary: "Clean a rootfs in place before add-image",
		Description: `Clean a rootfs in place before add-image.

Empties /dev, /proc, /sys, /run and /tmp, deletes /lost+found and
/.dockerenv, and removes files matching the default log patterns plus
any patterns from --exclude-cfg. Running it twice is harmless.`,
		Usage: binary + " prepare-sysimg [flags] <rootfs>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("prepare-sysimg", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "rootfs"); err != nil {
				return err
			}
			logger := params.Logger("prepare-sysimg")
			var patterns []string
			if params.ExcludeConfig != "" {
				var err error
				if patterns, err = sysimg.LoadPatterns(params.ExcludeConfig); err != nil {
					return err
				}
			}
			_, err := sysimg.Prepare(ctx, args[0], sysimg.Options{Patterns: patterns, Logger: logger})
			return err
		},
	}
}
