// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Command ota-image-builder builds, finalizes, signs and packs OTA
// images. Each stage is a subcommand run against an image directory:
//
//	ota-image-builder init ./image --annotations-file annotations.yaml
//	ota-image-builder add-image ./image --release-key r1 --sys-config autoware:sys.yaml --rootfs ./rootfs
//	ota-image-builder finalize ./image
//	ota-image-builder sign ./image --sign-cert sign.pem --sign-key sign.key --ca-cert ca.pem
//	ota-image-builder pack-artifact ./image --output image.zip
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/otaimage"
)

const binary = "ota-image-builder"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root().Execute(ctx, os.Args[1:])
	stop()
	os.Exit(cli.Finish(os.Stderr, err))
}

func root() *cli.Command {
	return &cli.Command{
		Name:    binary,
		Summary: "Build, sign and pack OTA images",
		Description: `Build, sign and pack OTA images.

An image moves through init, add-image (once per release), finalize and
sign, in that order; pack-artifact then writes the signed image as a
single zip file. Image commands take the image directory as their only
positional argument.`,
		Subcommands: []*cli.Command{
			initCommand(),
			prepareSysimgCommand(),
			addOTAClientPackageCommand(),
			addOTAClientPackageLegacyCompatCommand(),
			addImageCommand(),
			finalizeCommand(),
			signCommand(),
			packArtifactCommand(),
			buildAnnotationCommand(),
			buildExcludeConfigCommand(),
			cli.VersionCommand(binary),
		},
	}
}

// openBuilder loads the ambient configuration and opens the image at
// root for a build stage.
func openBuilder(common *cli.Common, command, root string) (*otaimage.Builder, *slog.Logger, error) {
	options, logger, err := builderOptions(common, command)
	if err != nil {
		return nil, nil, err
	}
	builder, err := otaimage.Open(root, options)
	if err != nil {
		return nil, nil, err
	}
	return builder, logger.With("image", root), nil
}

func builderOptions(common *cli.Common, command string) (otaimage.Options, *slog.Logger, error) {
	logger := common.Logger(command)
	cfg, err := common.LoadConfig()
	if err != nil {
		return otaimage.Options{}, nil, err
	}
	now, err := common.Clock()
	if err != nil {
		return otaimage.Options{}, nil, err
	}
	return otaimage.Options{Config: cfg, Logger: logger, Clock: now}, logger, nil
}
