// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package annotation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/otaimage/otaimage/lib/imgerr"
)

func TestBuildPrecedence(t *testing.T) {
	base := Annotations{
		Platform:         "base-platform",
		BuildToolVersion: "1.0.0",
		"unrelated.key":  "kept",
	}
	got := Build(BuildRequest{
		Base: base,
		User: []string{
			Platform + "=user-platform",
			HardwareModel + "=user-model",
			Architecture + "=arm64",
			"malformed",
		},
		AddOr: []string{
			HardwareModel + "=or-model",
			OS + "=ubuntu",
			"not.a.known.key=x",
		},
		AddReplace: []string{
			BuildToolVersion + "=2.0.0",
			OSVersion + "=22.04",
		},
	}, nil)

	want := Annotations{
		Platform:         "base-platform",
		BuildToolVersion: "2.0.0",
		"unrelated.key":  "kept",
		HardwareModel:    "user-model",
		OS:               "ubuntu",
		OSVersion:        "22.04",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Build mismatch (-want +got):\n%s", diff)
	}
	if base[BuildToolVersion] != "1.0.0" {
		t.Error("Build modified the base annotations")
	}
}

func TestBuildValueMayContainEquals(t *testing.T) {
	got := Build(BuildRequest{AddReplace: []string{Description + "=a=b"}}, nil)
	if got[Description] != "a=b" {
		t.Errorf("description = %q, want %q", got[Description], "a=b")
	}
}

func TestLoadWriteRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotations.yaml")
	want := Annotations{ReleaseKey: "dev", Architecture: "x86_64", ProjectVersion: "1.2"}
	if err := Write(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseScalarTypes(t *testing.T) {
	got, err := Parse([]byte("a: 1\nb: true\nc: text\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := Annotations{"a": "1", "b": "true", "c": "text"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, imgerr.ErrNotFound) {
		t.Errorf("missing file: %v, want not found", err)
	}
	for name, content := range map[string]string{
		"list.yaml":   "- a\n- b\n",
		"nested.yaml": "a:\n  b: c\n",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); !errors.Is(err, imgerr.ErrValidation) {
			t.Errorf("%s: %v, want validation error", name, err)
		}
	}
}

func TestBuildExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	second := filepath.Join(dir, "second.txt")
	if err := os.WriteFile(first, []byte("/var/cache/**\n.\n/boot/ota/status\n\n# comment\n/tmp/*.log\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("/tmp/*.log\n../\n/home/autoware/ws/build\n/opt/[\n///\n/srv/data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := BuildExcludePatterns([]string{first, second}, nil)
	if err != nil {
		t.Fatalf("BuildExcludePatterns: %v", err)
	}
	want := []string{"/srv/data", "/tmp/*.log", "/var/cache/**"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("patterns mismatch (-want +got):\n%s", diff)
	}

	output := filepath.Join(dir, "merged.txt")
	if err := WriteExcludePatterns(output, got); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "/srv/data\n/tmp/*.log\n/var/cache/**\n" {
		t.Errorf("written patterns = %q", data)
	}
}

func TestBuildExcludePatternsMissingFile(t *testing.T) {
	_, err := BuildExcludePatterns([]string{filepath.Join(t.TempDir(), "missing")}, nil)
	if !errors.Is(err, imgerr.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}
