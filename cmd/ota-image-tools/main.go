// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Command ota-image-tools inspects, verifies and deploys OTA images,
// and fabricates test inputs for the build pipeline.
package main

import (
	"context"
	"crypto/x509"
	"os"
	"os/signal"
	"syscall"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/signing"
)

const binary = "ota-image-tools"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root().Execute(ctx, os.Args[1:])
	stop()
	os.Exit(cli.Finish(os.Stderr, err))
}

func root() *cli.Command {
	return &cli.Command{
		Name:    binary,
		Summary: "Inspect, verify and deploy OTA images",
		Subcommands: []*cli.Command{
			inspectIndexCommand(),
			verifySignCommand(),
			deployImageCommand(),
			compareRootfsCommand(),
			makeTestRootfsCommand(),
			makeTestCertsCommand(),
			cli.VersionCommand(binary),
		},
	}
}

// loadRoots reads trust anchors from PEM files.
func loadRoots(paths []string) ([]*x509.Certificate, error) {
	var roots []*x509.Certificate
	for _, path := range paths {
		certificates, err := signing.LoadCertificates(path)
		if err != nil {
			return nil, err
		}
		roots = append(roots, certificates...)
	}
	return roots, nil
}
