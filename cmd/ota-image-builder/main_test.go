// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/clock"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/otaimage"
	"github.com/otaimage/otaimage/lib/signing"
	"github.com/otaimage/otaimage/lib/signing/signingtest"
	"github.com/otaimage/otaimage/lib/testrootfs"
	"github.com/otaimage/otaimage/lib/version"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	return root().Execute(context.Background(), args)
}

func mustRun(t *testing.T, args ...string) {
	t.Helper()
	if err := run(t, args...); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// pipelineEnv pins the clock and config so runs are reproducible.
func pipelineEnv(t *testing.T) {
	t.Helper()
	t.Setenv(clock.SourceDateEpochVariable, "1772366400")
	configPath := writeFile(t, t.TempDir(), "config.yaml", "workers: 2\nfilters:\n  slice:\n    slice_size: 262144\n")
	t.Setenv(config.EnvironmentVariable, configPath)
}

func TestBuildPipeline(t *testing.T) {
	pipelineEnv(t)
	work := t.TempDir()
	rootfs := filepath.Join(work, "rootfs")
	if err := os.Mkdir(rootfs, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := testrootfs.Base(rootfs, testrootfs.Options{LargeFileSize: 1 << 20}); err != nil {
		t.Fatal(err)
	}
	chain, err := signingtest.NewChain(signingtest.Options{NotBefore: time.Unix(1772366400, 0).AddDate(-1, 0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	certs, err := chain.WriteFiles(work)
	if err != nil {
		t.Fatal(err)
	}
	otaclient := filepath.Join(work, "otaclient")
	if err := os.Mkdir(otaclient, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, otaclient, "manifest.json", `{"version": "3.9.0"}`)
	writeFile(t, otaclient, "otaclient-x86_64.squashfs", strings.Repeat("squash", 4096))

	imageAnnotations := writeFile(t, work, "image.yaml", annotation.Platform+": test-platform\n")
	releaseAnnotations := writeFile(t, work, "release.yaml", annotation.Architecture+": x86_64\n"+annotation.OS+": ubuntu\n")
	sysConfig := writeFile(t, work, "sys.yaml", "hostname: main-ecu\n")
	image := filepath.Join(work, "image")
	artifact := filepath.Join(work, "image.zip")

	mustRun(t, "prepare-sysimg", rootfs)
	mustRun(t, "init", "--annotations-file", imageAnnotations, image)
	mustRun(t, "add-otaclient-package", "--release-dir", otaclient, image)
	mustRun(t, "add-otaclient-package-legacy-compat", "--release-dir", otaclient, image)
	mustRun(t, "add-image", "--annotations-file", releaseAnnotations, "--release-key", "r1",
		"--sys-config", "autoware:"+sysConfig, "--sys-config", "perception", "--rootfs", rootfs, image)
	mustRun(t, "finalize", image)
	mustRun(t, "sign", "--sign-cert", certs.SignCert, "--sign-key", certs.SignKey, "--ca-cert", certs.CACerts, image)
	mustRun(t, "pack-artifact", "--output", artifact, image)

	img, err := otaimage.OpenImage(image)
	if err != nil {
		t.Fatal(err)
	}
	if status := img.Status(); status != otaimage.StateSigned {
		t.Fatalf("status = %q, want signed", status)
	}
	roots, err := signing.LoadCertificates(certs.RootCert)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.VerifySignature(roots, time.Unix(1772366400, 0)); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
	if got := img.Index.Annotations[annotation.BuildToolVersion]; got != version.Short() {
		t.Errorf("build tool version annotation = %q, want %q", got, version.Short())
	}
	if diff := cmp.Diff([]string{"r1"}, img.Releases()); diff != "" {
		t.Errorf("releases mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(image, otaimage.LegacyOTAClientDir, "manifest.json")); err != nil {
		t.Errorf("legacy otaclient copy missing: %v", err)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestCommandErrorsMapToExitCodes(t *testing.T) {
	pipelineEnv(t)
	image := filepath.Join(t.TempDir(), "image")
	mustRun(t, "init", image)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"finalize empty image", []string{"finalize", image}, 2},
		{"init existing image", []string{"init", image}, 2},
		{"sign before finalize without flags", []string{"sign", image}, 6},
		{"pack unsigned image", []string{"pack-artifact", "-o", filepath.Join(t.TempDir(), "a.zip"), image}, 2},
		{"missing image", []string{"finalize", filepath.Join(t.TempDir(), "absent")}, 7},
		{"add-image without rootfs", []string{"add-image", "--sys-config", "autoware", image}, 6},
		{"unknown command", []string{"finalise", image}, 6},
		{"extra argument", []string{"finalize", image, "extra"}, 6},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := run(t, test.args...)
			if got := cli.ExitCode(err); got != test.want {
				t.Fatalf("exit code = %d (err %v), want %d", got, err, test.want)
			}
		})
	}
}

func TestBuildAnnotation(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", annotation.Platform+": from-base\n")
	output := filepath.Join(dir, "out.yaml")

	mustRun(t, "build-annotation", "--base", base,
		"--user-annotation", annotation.Platform+"=ignored-existing",
		"--user-annotation", annotation.HardwareModel+"=model-x",
		"--add-replace", annotation.ProjectVersion+"=1.2.0",
		"--add-or", "vnd.unknown.key=dropped",
		"-o", output)

	got, err := annotation.Load(output)
	if err != nil {
		t.Fatal(err)
	}
	want := annotation.Annotations{
		annotation.Platform:       "from-base",
		annotation.HardwareModel:  "model-x",
		annotation.ProjectVersion: "1.2.0",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("annotations mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildExcludeConfig(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.txt", "# comment\n/var/cache/**\n/\n*.pyc\n")
	second := writeFile(t, dir, "b.txt", "*.pyc\n/boot/ota/status\n/home/autoware/ws/build\n")
	output := filepath.Join(dir, "exclude.txt")

	mustRun(t, "build-exclude-cfg", "-o", output, first, second)

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("*.pyc\n/var/cache/**\n", string(data)); diff != "" {
		t.Errorf("patterns mismatch (-want +got):\n%s", diff)
	}
}
