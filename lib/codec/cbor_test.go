// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type sampleRecord struct {
	Path   string            `cbor:"path"`
	Mode   uint32            `cbor:"mode"`
	Xattrs map[string][]byte `cbor:"xattrs,omitempty"`
}

type sampleDocument struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Path:   "/etc/hosts",
		Mode:   0o644,
		Xattrs: map[string][]byte{"user.comment": []byte("hello")},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Path != original.Path || decoded.Mode != original.Mode {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
	if !bytes.Equal(decoded.Xattrs["user.comment"], []byte("hello")) {
		t.Errorf("xattr = %q, want %q", decoded.Xattrs["user.comment"], "hello")
	}
}

func TestMarshalMapOrderIsDeterministic(t *testing.T) {
	first := map[string]string{}
	second := map[string]string{}
	keys := []string{"zeta", "alpha", "mid", "beta", "omega"}
	for _, key := range keys {
		first[key] = key
	}
	for i := len(keys) - 1; i >= 0; i-- {
		second[keys[i]] = keys[i]
	}

	a, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal first: %v", err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("deterministic encoding violated: %x != %x", a, b)
	}
}

func TestTimeEncodesAsText(t *testing.T) {
	document := sampleDocument{
		Version: 1,
		Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := Marshal(document)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"2024-05-01T12:00:00Z"`) {
		t.Errorf("diagnostic %s does not contain RFC 3339 timestamp", diagnostic)
	}

	var decoded sampleDocument
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.Created.Equal(document.Created) {
		t.Errorf("Created = %v, want %v", decoded.Created, document.Created)
	}
}

func TestDiagnoseShowsEncodedTypes(t *testing.T) {
	data, err := Marshal(sampleRecord{Path: "/etc", Mode: 0o644, Xattrs: map[string][]byte{"user.k": {0x01}}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	for _, want := range []string{`"path"`, `"/etc"`, "420", `h'01'`} {
		if !strings.Contains(notation, want) {
			t.Errorf("Diagnose = %s, missing %s", notation, want)
		}
	}

	if _, err := Diagnose(data[:len(data)-1]); err == nil {
		t.Error("Diagnose accepted truncated input")
	}
}
