// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/signing/signingtest"
	"github.com/otaimage/otaimage/lib/testrootfs"
)

type makeTestRootfsParams struct {
	cli.Common
	Layer         string `flag:"layer" default:"base" desc:"tree to write: base, upper or merged"`
	LargeFileSize int    `flag:"large-file-size" desc:"size in bytes of the large fixture file (default 3 MiB)"`
}

func makeTestRootfsCommand() *cli.Command {
	var params makeTestRootfsParams
	return &cli.Command{
		Name:    "make-test-rootfs",
		Summary: "Write a deterministic test rootfs",
		Description: `Write a deterministic test rootfs.

The base tree covers empty and large files, setuid bits, a user
extended attribute, symlinks, a hardlink, duplicate content and
non-ASCII names. The upper tree is an overlay with a whiteout marker;
merged is the expected result of deploying upper over base.`,
		Usage: binary + " make-test-rootfs [flags] <dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("make-test-rootfs", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "dir"); err != nil {
				return err
			}
			root := args[0]
			if err := os.MkdirAll(root, 0o755); err != nil {
				return imgerr.IO("creating %s: %w", root, err)
			}
			options := testrootfs.Options{LargeFileSize: int64(params.LargeFileSize)}
			logger := params.Logger("make-test-rootfs")

			var (
				result testrootfs.Result
				err    error
			)
			switch params.Layer {
			case "base":
				result, err = testrootfs.Base(root, options)
			case "upper":
				err = testrootfs.Upper(root)
			case "merged":
				result, err = testrootfs.Merged(root, options)
			default:
				return cli.UsageError("--layer %q: want base, upper or merged", params.Layer)
			}
			if err != nil {
				return imgerr.IO("%w", err)
			}
			if params.Layer != "upper" && !result.Xattrs {
				logger.Warn("filesystem rejected user xattrs; the xattr fixture has none", "dir", root)
			}
			logger.Info("wrote test rootfs", "dir", root, "layer", params.Layer)
			return nil
		},
	}
}

type makeTestCertsParams struct {
	cli.Common
	KeyAlgorithm string `flag:"key-algorithm" default:"ed25519" desc:"ed25519, ecdsa-p256, ecdsa-p384 or rsa-2048"`
}

func makeTestCertsCommand() *cli.Command {
	var params makeTestCertsParams
	return &cli.Command{
		Name:    "make-test-certs",
		Summary: "Write a throwaway root, intermediate and signing certificate",
		Description: `Write a throwaway root, intermediate and signing certificate.

For local pipeline runs only: the keys are unprotected. The directory
receives root.pem, ca.pem (root and intermediate), sign.pem and
sign.key.`,
		Usage: binary + " make-test-certs [flags] <dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("make-test-certs", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "dir"); err != nil {
				return err
			}
			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return imgerr.IO("creating %s: %w", args[0], err)
			}
			chain, err := signingtest.NewChain(signingtest.Options{KeyAlgorithm: params.KeyAlgorithm})
			if err != nil {
				return imgerr.Validation("%w", err)
			}
			files, err := chain.WriteFiles(args[0])
			if err != nil {
				return imgerr.IO("%w", err)
			}
			fmt.Printf("root:  %s\nca:    %s\ncert:  %s\nkey:   %s\n",
				files.RootCert, files.CACerts, files.SignCert, files.SignKey)
			return nil
		},
	}
}
