// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/codec"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/otaimage"
	"github.com/otaimage/otaimage/lib/signing"
)

type inspectParams struct {
	cli.Common
	cli.JSONOutput
}

// inspection is the --json view of an image.
type inspection struct {
	Root         string          `json:"root"`
	Status       otaimage.State  `json:"status"`
	IndexDigest  digest.Digest   `json:"index_digest"`
	FrozenDigest digest.Digest   `json:"frozen_digest,omitempty"`
	Releases     []string        `json:"releases"`
	Index        *otaimage.Index `json:"index"`

	// SignatureError explains why a present index.jwt does not mark
	// the image signed.
	SignatureError string `json:"signature_error,omitempty"`
}

func inspectIndexCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "inspect-index",
		Summary: "Print the image index",
		Description: `Print the image index.

By default the raw index.cbor is printed in CBOR diagnostic notation,
which shows the exact encoded types. --json prints the decoded index
with the image status and digests.`,
		Usage: binary + " inspect-index [flags] <image-dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("inspect-index", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			img, err := otaimage.OpenImage(args[0])
			if err != nil {
				return err
			}

			indexDigest, err := img.IndexDigest()
			if err != nil {
				return err
			}
			result := inspection{
				Root:        img.Root,
				Status:      img.Status(),
				IndexDigest: indexDigest,
				Releases:    img.Releases(),
				Index:       img.Index,
			}
			if frozen, err := img.FrozenDigest(); err == nil {
				result.FrozenDigest = frozen
			} else if imgerr.KindOf(err) != imgerr.KindNotFound {
				return err
			}
			if err := img.SignatureError(); err != nil {
				result.SignatureError = err.Error()
				params.Logger("inspect-index").Warn("signature file does not mark the image signed",
					"image", img.Root, "error", err)
			}
			if done, err := params.EmitJSON(result); done {
				return err
			}
			return printDiagnostic(os.Stdout, img.RawIndex())
		},
	}
}

func printDiagnostic(w io.Writer, data []byte) error {
	notation, err := codec.Diagnose(data)
	if err != nil {
		return imgerr.Validation("index is not valid CBOR: %w", err)
	}
	_, err = fmt.Fprintln(w, notation)
	return err
}

type verifySignParams struct {
	cli.Common
	cli.JSONOutput
	CACerts []string `flag:"ca-cert" desc:"PEM file of trusted root certificates; repeatable"`
}

// verification is the --json view of a verified signature.
type verification struct {
	IndexDigest digest.Digest `json:"index_digest"`
	Algorithm   string        `json:"algorithm"`
	IssuedAt    time.Time     `json:"issued_at"`
	Signer      string        `json:"signer"`
	Chain       []string      `json:"chain"`
}

func verifySignCommand() *cli.Command {
	var params verifySignParams
	return &cli.Command{
		Name:    "verify-sign",
		Summary: "Verify the image signature against trusted roots",
		Description: `Verify the image signature against trusted roots.

Checks that index.jwt was signed by a certificate chaining to one of the
--ca-cert roots at the current time, and that it claims the digest of
the current index.cbor. Any failure exits non-zero.`,
		Usage: binary + " verify-sign --ca-cert <pem> [flags] <image-dir>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("verify-sign", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args, "image-dir"); err != nil {
				return err
			}
			if len(params.CACerts) == 0 {
				return cli.UsageError("verify-sign requires at least one --ca-cert")
			}
			roots, err := loadRoots(params.CACerts)
			if err != nil {
				return err
			}
			now, err := params.Clock()
			if err != nil {
				return err
			}
			img, err := otaimage.OpenImage(args[0])
			if err != nil {
				return err
			}
			result, err := img.VerifySignature(roots, now.Now())
			if err != nil {
				return err
			}
			return printVerification(&params.JSONOutput, result)
		},
	}
}

func printVerification(output *cli.JSONOutput, result *signing.Result) error {
	view := verification{
		IndexDigest: result.IndexDigest,
		Algorithm:   result.Algorithm,
		IssuedAt:    result.IssuedAt,
		Signer:      result.Leaf.Subject.String(),
	}
	for _, certificate := range result.Chain {
		view.Chain = append(view.Chain, certificate.Subject.String())
	}
	if done, err := output.EmitJSON(view); done {
		return err
	}
	fmt.Printf("signature OK\n  index:  %s\n  signer: %s\n  alg:    %s\n  issued: %s\n",
		view.IndexDigest, view.Signer, view.Algorithm, view.IssuedAt.Format(time.RFC3339))
	return nil
}
