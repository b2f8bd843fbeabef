// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/x509"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/otaimage"
	"github.com/otaimage/otaimage/lib/signing"
)

func finalizeCommand() *cli.Command {
	var params struct{ cli.Common }
	return &cli.Command{
		Name:    "finalize",
		Summary: "Apply resource filters and freeze the index",
		Description: `Apply resource filters and freeze the index.

Small blobs are bundled, compressible blobs compressed and large blobs
sliced according to the config. The digest of the final index is
written to ` + otaimage.DigestFile + `; the index must not change after
this point. An image without releases cannot be finalized.`,
		Usage: binary + " finalize [flags] <image-dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("finalize", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			builder, _, err := openBuilder(&params.Common, "finalize", args[0])
			if err != nil {
				return err
			}
			return builder.Finalize(ctx)
		},
	}
}

type signParams struct {
	cli.Common
	SignCert string   `flag:"sign-cert" desc:"PEM signing certificate"`
	SignKey  string   `flag:"sign-key" desc:"PEM private key of the signing certificate (unencrypted)"`
	CACerts  []string `flag:"ca-cert" desc:"PEM file of root and intermediate certificates; repeatable"`
	Force    bool     `flag:"force" desc:"replace an existing signature"`
}

func signCommand() *cli.Command {
	var params signParams
	return &cli.Command{
		Name:    "sign",
		Summary: "Sign the finalized index",
		Description: `Sign the finalized index.

The signing certificate must chain to a root among the --ca-cert
certificates at the current time (or $SOURCE_DATE_EPOCH). The index
must still match the digest frozen at finalize. The intermediates are
embedded in the signature so verifiers need only the root.`,
		Usage: binary + " sign --sign-cert <pem> --sign-key <pem> --ca-cert <pem> [flags] <image-dir>",
		Examples: []cli.Example{{
			Description: "Sign with a leaf issued by an intermediate",
			Command:     binary + " sign --sign-cert sign.pem --sign-key sign.key --ca-cert root.pem --ca-cert interm.pem ./image",
		}},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("sign", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if params.SignCert == "" || params.SignKey == "" || len(params.CACerts) == 0 {
				return cli.UsageError("sign requires --sign-cert, --sign-key and at least one --ca-cert")
			}

			certificates, err := signing.LoadCertificates(params.SignCert)
			if err != nil {
				return err
			}
			key, err := signing.LoadPrivateKey(params.SignKey)
			if err != nil {
				return err
			}
			var authorities []*x509.Certificate
			for _, path := range params.CACerts {
				loaded, err := signing.LoadCertificates(path)
				if err != nil {
					return err
				}
				authorities = append(authorities, loaded...)
			}

			builder, _, err := openBuilder(&params.Common, "sign", args[0])
			if err != nil {
				return err
			}
			return builder.Sign(otaimage.SignRequest{
				Key:            key,
				Certificate:    certificates[0],
				CACertificates: authorities,
				Force:          params.Force,
			})
		},
	}
}

type packArtifactParams struct {
	cli.Common
	Output string `flag:"output,o" desc:"artifact file to write; must not exist"`
}

func packArtifactCommand() *cli.Command {
	var params packArtifactParams
	return &cli.Command{
		Name:    "pack-artifact",
		Summary: "Pack a signed image into a zip artifact",
		Description: `Pack a signed image into a zip artifact.

Entries are stored uncompressed in sorted order with fixed timestamps and
modes, so packing the same image twice gives identical bytes.`,
		Usage: binary + " pack-artifact --output <file> [flags] <image-dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("pack-artifact", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if params.Output == "" {
				return cli.UsageError("--output is required")
			}
			builder, logger, err := openBuilder(&params.Common, "pack-artifact", args[0])
			if err != nil {
				return err
			}
			summary, err := builder.PackArtifact(ctx, params.Output)
			if err != nil {
				return err
			}
			logger.Debug("artifact summary", "files", summary.Files, "size", humanize.IBytes(uint64(summary.Bytes)))
			return nil
		},
	}
}
