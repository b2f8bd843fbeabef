// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/clock"
	"github.com/otaimage/otaimage/lib/compare"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/imgerr"
	"github.com/otaimage/otaimage/lib/otaimage"
	"github.com/otaimage/otaimage/lib/signing/signingtest"
	"github.com/otaimage/otaimage/lib/testrootfs"
)

var buildTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture is a signed two-release image: "base" holds the base test
// tree and "upper" holds only the upper layer.
type fixture struct {
	base     string
	upper    string
	image    string
	artifact string
	chain    *signingtest.Chain
}

func newChain(t *testing.T) *signingtest.Chain {
	t.Helper()
	chain, err := signingtest.NewChain(signingtest.Options{NotBefore: buildTime.AddDate(-1, 0, 0)})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return chain
}

func buildFixture(t *testing.T, sign bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		base:  t.TempDir(),
		upper: t.TempDir(),
		image: filepath.Join(t.TempDir(), "image"),
		chain: newChain(t),
	}
	if _, err := testrootfs.Base(f.base, testrootfs.Options{LargeFileSize: 1 << 20}); err != nil {
		t.Fatalf("testrootfs.Base: %v", err)
	}
	if err := testrootfs.Upper(f.upper); err != nil {
		t.Fatalf("testrootfs.Upper: %v", err)
	}

	cfg := config.Default()
	cfg.Workers = 4
	cfg.Filters.Slice.SliceSize = 256 * config.KiB
	b, err := otaimage.Init(f.image, map[string]string{annotation.BuildToolVersion: "1.0.0"},
		otaimage.Options{Config: cfg, Clock: clock.Fixed(buildTime)})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, release := range []struct{ key, layer string }{{"base", f.base}, {"upper", f.upper}} {
		err := b.AddImage(ctx, otaimage.AddImageRequest{
			Annotations: map[string]string{annotation.Architecture: "x86_64"},
			ReleaseKey:  release.key,
			SysConfigs:  []otaimage.SysConfig{{Label: "autoware"}},
			Layers:      []string{release.layer},
		})
		if err != nil {
			t.Fatalf("AddImage(%s): %v", release.key, err)
		}
	}
	if err := b.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !sign {
		return f
	}
	err = b.Sign(otaimage.SignRequest{
		Key:            f.chain.LeafKey,
		Certificate:    f.chain.Leaf,
		CACertificates: []*x509.Certificate{f.chain.Root, f.chain.Intermediate},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	f.artifact = filepath.Join(t.TempDir(), "image.zip")
	if _, err := b.PackArtifact(ctx, f.artifact); err != nil {
		t.Fatalf("PackArtifact: %v", err)
	}
	return f
}

func (f *fixture) options(selections ...otaimage.Selection) Options {
	return Options{
		Selections: selections,
		Roots:      []*x509.Certificate{f.chain.Root},
		Workers:    4,
		Clock:      clock.Fixed(buildTime),
	}
}

func requireSameTree(t *testing.T, want, got string) {
	t.Helper()
	report, err := compare.Compare(context.Background(), want, got, compare.Options{Workers: 4})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	for _, d := range report.Discrepancies {
		t.Errorf("%v", d)
	}
}

func TestDeployArtifactRoundTrip(t *testing.T) {
	f := buildFixture(t, true)
	target := filepath.Join(t.TempDir(), "rootfs")

	summary, err := Deploy(context.Background(), f.artifact, target, f.options(otaimage.Selection{ReleaseKey: "base"}))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	requireSameTree(t, f.base, target)

	if !summary.Verified {
		t.Error("Summary.Verified = false with roots set")
	}
	if diff := cmp.Diff([]otaimage.Selection{{ReleaseKey: "base", Label: "autoware"}}, summary.Selections); diff != "" {
		t.Errorf("selections mismatch (-want +got):\n%s", diff)
	}
	if summary.Hardlinks != 1 || summary.Symlinks != 3 {
		t.Errorf("Hardlinks = %d, Symlinks = %d; want 1 and 3", summary.Hardlinks, summary.Symlinks)
	}

	var one, two unix.Stat_t
	if err := unix.Lstat(filepath.Join(target, "hard/one"), &one); err != nil {
		t.Fatal(err)
	}
	if err := unix.Lstat(filepath.Join(target, "hard/two"), &two); err != nil {
		t.Fatal(err)
	}
	if one.Ino != two.Ino {
		t.Error("hard/one and hard/two were not recreated as hardlinks")
	}
}

func TestDeployImageDirectory(t *testing.T) {
	f := buildFixture(t, true)
	target := t.TempDir()

	if _, err := Deploy(context.Background(), f.image, target, f.options(otaimage.Selection{ReleaseKey: "base"})); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	requireSameTree(t, f.base, target)
}

func TestDeployComposesLayers(t *testing.T) {
	f := buildFixture(t, true)
	target := t.TempDir()

	summary, err := Deploy(context.Background(), f.artifact, target, f.options(
		otaimage.Selection{ReleaseKey: "base"},
		otaimage.Selection{ReleaseKey: "upper"},
	))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(summary.Selections) != 2 {
		t.Errorf("Selections = %v, want two", summary.Selections)
	}

	merged := t.TempDir()
	if _, err := testrootfs.Merged(merged, testrootfs.Options{LargeFileSize: 1 << 20}); err != nil {
		t.Fatalf("testrootfs.Merged: %v", err)
	}
	requireSameTree(t, merged, target)
}

func TestDeployConvergesOverPartialTarget(t *testing.T) {
	f := buildFixture(t, true)
	target := t.TempDir()
	options := f.options(otaimage.Selection{ReleaseKey: "base"})

	if _, err := Deploy(context.Background(), f.image, target, options); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}

	// Damage the tree the way an interrupted write or a stray edit
	// would.
	mustDo := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustDo(os.WriteFile(filepath.Join(target, "etc/hostname"), []byte("garbage"), 0o600))
	mustDo(os.Remove(filepath.Join(target, "opt/large.bin")))
	mustDo(os.Mkdir(filepath.Join(target, "opt/large.bin"), 0o755))
	mustDo(os.WriteFile(filepath.Join(target, "opt/large.bin/inner"), []byte("x"), 0o644))
	mustDo(os.Remove(filepath.Join(target, "link-to-hostname")))
	mustDo(os.WriteFile(filepath.Join(target, "link-to-hostname"), []byte("not a link"), 0o644))
	mustDo(os.RemoveAll(filepath.Join(target, "dir/nested")))
	mustDo(unix.Chmod(filepath.Join(target, "dir"), 0o500))

	if _, err := Deploy(context.Background(), f.image, target, options); err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	requireSameTree(t, f.base, target)
}

func TestDeployWhiteoutRemovesExistingPath(t *testing.T) {
	f := buildFixture(t, true)
	target := t.TempDir()

	if _, err := Deploy(context.Background(), f.image, target, f.options(otaimage.Selection{ReleaseKey: "base"})); err != nil {
		t.Fatalf("Deploy base: %v", err)
	}
	summary, err := Deploy(context.Background(), f.image, target, f.options(otaimage.Selection{ReleaseKey: "upper"}))
	if err != nil {
		t.Fatalf("Deploy upper: %v", err)
	}
	if summary.Removed != 1 {
		t.Errorf("Removed = %d, want 1", summary.Removed)
	}
	if _, err := os.Lstat(filepath.Join(target, "dir/deleted.txt")); !os.IsNotExist(err) {
		t.Errorf("dir/deleted.txt still present after whiteout: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(target, "etc/hostname"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "ota-test-upper\n" {
		t.Errorf("etc/hostname = %q, want the upper layer's content", content)
	}
}

func TestDeployRejects(t *testing.T) {
	signed := buildFixture(t, true)
	unsigned := buildFixture(t, false)
	other := newChain(t)

	tests := []struct {
		name    string
		source  string
		options Options
		want    imgerr.Kind
	}{
		{
			name:    "missing source",
			source:  filepath.Join(t.TempDir(), "absent.zip"),
			options: signed.options(),
			want:    imgerr.KindNotFound,
		},
		{
			name:    "ambiguous default selection",
			source:  signed.image,
			options: signed.options(),
			want:    imgerr.KindValidation,
		},
		{
			name:    "unknown release",
			source:  signed.image,
			options: signed.options(otaimage.Selection{ReleaseKey: "nope"}),
			want:    imgerr.KindNotFound,
		},
		{
			name:    "unknown label",
			source:  signed.image,
			options: signed.options(otaimage.Selection{ReleaseKey: "base", Label: "nope"}),
			want:    imgerr.KindNotFound,
		},
		{
			name:    "unsigned image with roots",
			source:  unsigned.image,
			options: unsigned.options(otaimage.Selection{ReleaseKey: "base"}),
			want:    imgerr.KindNotFound,
		},
		{
			name:   "untrusted root",
			source: signed.artifact,
			options: Options{
				Selections: []otaimage.Selection{{ReleaseKey: "base"}},
				Roots:      []*x509.Certificate{other.Root},
				Clock:      clock.Fixed(buildTime),
			},
			want: imgerr.KindIntegrity,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			target := t.TempDir()
			_, err := Deploy(context.Background(), test.source, target, test.options)
			if got := imgerr.KindOf(err); got != test.want {
				t.Fatalf("Deploy error = %v (kind %q), want kind %q", err, got, test.want)
			}
			entries, readErr := os.ReadDir(target)
			if readErr != nil {
				t.Fatal(readErr)
			}
			if len(entries) != 0 {
				t.Errorf("rejected deploy wrote %d entries into the target", len(entries))
			}
		})
	}
}

func TestDeployUnsignedImageWithoutVerification(t *testing.T) {
	f := buildFixture(t, false)
	target := t.TempDir()
	options := f.options(otaimage.Selection{ReleaseKey: "base"})
	options.Roots = nil

	summary, err := Deploy(context.Background(), f.image, target, options)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if summary.Verified {
		t.Error("Summary.Verified = true without roots")
	}
	requireSameTree(t, f.base, target)
}

func TestDeployRefusesUnfinalizedImage(t *testing.T) {
	root := filepath.Join(t.TempDir(), "image")
	if _, err := otaimage.Init(root, map[string]string{annotation.BuildToolVersion: "1.0.0"}, otaimage.Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, err := Deploy(context.Background(), root, t.TempDir(), Options{})
	if imgerr.KindOf(err) != imgerr.KindState {
		t.Fatalf("Deploy of initialized image: err = %v, want state error", err)
	}
}

func writeHardlinkPair(t *testing.T, root, first, second, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, first), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, first), filepath.Join(root, second)); err != nil {
		t.Fatal(err)
	}
}

func TestDeployKeepsHardlinkGroupsOfEachLayer(t *testing.T) {
	ctx := context.Background()
	lower, upper := t.TempDir(), t.TempDir()
	lowerContent := strings.Repeat("lower layer hardlink content\n", 8)
	upperContent := strings.Repeat("upper layer hardlink content\n", 8)
	writeHardlinkPair(t, lower, "a1", "a2", lowerContent)
	writeHardlinkPair(t, upper, "b1", "b2", upperContent)

	image := filepath.Join(t.TempDir(), "image")
	b, err := otaimage.Init(image, map[string]string{annotation.BuildToolVersion: "1.0.0"},
		otaimage.Options{Clock: clock.Fixed(buildTime)})
	if err != nil {
		t.Fatal(err)
	}
	for _, release := range []struct {
		key    string
		layers []string
	}{
		{"lower", []string{lower}},
		{"upper", []string{upper}},
		{"layered", []string{lower, upper}},
	} {
		err := b.AddImage(ctx, otaimage.AddImageRequest{
			Annotations: map[string]string{annotation.Architecture: "x86_64"},
			ReleaseKey:  release.key,
			SysConfigs:  []otaimage.SysConfig{{Label: "autoware"}},
			Layers:      release.layers,
		})
		if err != nil {
			t.Fatalf("AddImage(%s): %v", release.key, err)
		}
	}
	if err := b.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		selections []otaimage.Selection
	}{
		{"layers of one release", []otaimage.Selection{{ReleaseKey: "layered"}}},
		{"selections composed at deploy", []otaimage.Selection{{ReleaseKey: "lower"}, {ReleaseKey: "upper"}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			target := t.TempDir()
			options := Options{Selections: test.selections, Workers: 4, Clock: clock.Fixed(buildTime)}
			if _, err := Deploy(ctx, image, target, options); err != nil {
				t.Fatalf("Deploy: %v", err)
			}
			want := map[string]string{"a1": lowerContent, "a2": lowerContent, "b1": upperContent, "b2": upperContent}
			got := make(map[string]string)
			for name := range want {
				data, err := os.ReadFile(filepath.Join(target, name))
				if err != nil {
					t.Fatal(err)
				}
				got[name] = string(data)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("content mismatch (-want +got):\n%s", diff)
			}

			inode := func(name string) uint64 {
				var stat unix.Stat_t
				if err := unix.Lstat(filepath.Join(target, name), &stat); err != nil {
					t.Fatal(err)
				}
				return stat.Ino
			}
			if inode("a1") != inode("a2") || inode("b1") != inode("b2") {
				t.Error("hardlink pairs were not preserved")
			}
			if inode("a1") == inode("b1") {
				t.Error("hardlink groups of different layers share an inode")
			}
		})
	}
}
