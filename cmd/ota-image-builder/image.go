// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/otaimage"
)

type addImageParams struct {
	cli.Common
	AnnotationsFile string   `flag:"annotations-file" desc:"YAML mapping of release annotations; must include the architecture"`
	ReleaseKey      string   `flag:"release-key" desc:"release key (default: the release-key annotation)"`
	SysConfigs      []string `flag:"sys-config" desc:"label[:path] of a sys-config YAML; repeat for each ECU"`
	Rootfs          []string `flag:"rootfs" desc:"rootfs directory; repeat to layer, lowest first"`
}

func addImageCommand() *cli.Command {
	var params addImageParams
	return &cli.Command{
		Name:    "add-image",
		Summary: "Add a release rootfs to the image",
		Description: `Add a release rootfs to the image.

The rootfs layers are scanned into one file table, content is stored
once per digest, and one manifest is added per sys-config label. A
release key can be added only once.`,
		Usage: binary + " add-image [flags] <image-dir>",
		Examples: []cli.Example{
			{
				Description: "Add a release for two ECUs",
				Command: binary + " add-image --annotations-file release.yaml --release-key r1 " +
					"--sys-config autoware:main.yaml --sys-config perception --rootfs ./rootfs ./image",
			},
			{
				Description: "Layer an overlay on a base rootfs",
				Command:     binary + " add-image --annotations-file release.yaml --sys-config autoware --rootfs base --rootfs overlay ./image",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("add-image", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if len(params.Rootfs) == 0 {
				return cli.UsageError("add-image requires at least one --rootfs")
			}
			var sysConfigs []otaimage.SysConfig
			for _, value := range params.SysConfigs {
				sysConfig, err := otaimage.ParseSysConfig(value)
				if err != nil {
					return err
				}
				sysConfigs = append(sysConfigs, sysConfig)
			}
			var annotations annotation.Annotations
			if params.AnnotationsFile != "" {
				var err error
				if annotations, err = annotation.Load(params.AnnotationsFile); err != nil {
					return err
				}
			}

			builder, _, err := openBuilder(&params.Common, "add-image", args[0])
			if err != nil {
				return err
			}
			return builder.AddImage(ctx, otaimage.AddImageRequest{
				Annotations: annotations,
				ReleaseKey:  params.ReleaseKey,
				SysConfigs:  sysConfigs,
				Layers:      params.Rootfs,
			})
		},
	}
}

type otaclientParams struct {
	cli.Common
	ReleaseDir string `flag:"release-dir" desc:"directory holding the otaclient release files"`
}

func addOTAClientPackageCommand() *cli.Command {
	var params otaclientParams
	return &cli.Command{
		Name:    "add-otaclient-package",
		Summary: "Add the otaclient release package to the image",
		Description: `Add the otaclient release package to the image.

Every regular file under --release-dir is stored as a blob and listed in
an otaclient package manifest referenced from the index. An image holds
at most one package.`,
		Usage: binary + " add-otaclient-package --release-dir <dir> <image-dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("add-otaclient-package", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if params.ReleaseDir == "" {
				return cli.UsageError("--release-dir is required")
			}
			builder, _, err := openBuilder(&params.Common, "add-otaclient-package", args[0])
			if err != nil {
				return err
			}
			return builder.AddOTAClientPackage(ctx, params.ReleaseDir)
		},
	}
}

func addOTAClientPackageLegacyCompatCommand() *cli.Command {
	var params otaclientParams
	return &cli.Command{
		Name:    "add-otaclient-package-legacy-compat",
		Summary: "Copy the otaclient release to the path older clients read",
		Description: `Copy the otaclient release to the path older clients read.

The files under --release-dir are copied as plain files into
` + otaimage.LegacyOTAClientDir + ` inside the image directory, where
clients that predate the package manifest look for them.`,
		Usage: binary + " add-otaclient-package-legacy-compat --release-dir <dir> <image-dir>",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("add-otaclient-package-legacy-compat", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if params.ReleaseDir == "" {
				return cli.UsageError("--release-dir is required")
			}
			builder, _, err := openBuilder(&params.Common, "add-otaclient-package-legacy-compat", args[0])
			if err != nil {
				return err
			}
			return builder.AddOTAClientPackageLegacyCompat(ctx, params.ReleaseDir)
		},
	}
}
