// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFixedAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fixed(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", c.Now(), start)
	}
	c.Advance(90 * time.Second)
	if want := start.Add(90 * time.Second); !c.Now().Equal(want) {
		t.Errorf("Now after Advance = %v, want %v", c.Now(), want)
	}
}

func TestSourceDateEpoch(t *testing.T) {
	t.Setenv(SourceDateEpochVariable, "1700000000")
	c, err := SourceDateEpoch(Real())
	if err != nil {
		t.Fatalf("SourceDateEpoch: %v", err)
	}
	if got := c.Now().Unix(); got != 1700000000 {
		t.Errorf("Now().Unix() = %d, want 1700000000", got)
	}
}

func TestSourceDateEpochUnset(t *testing.T) {
	t.Setenv(SourceDateEpochVariable, "")
	fallback := Fixed(time.Unix(42, 0))
	c, err := SourceDateEpoch(fallback)
	if err != nil {
		t.Fatalf("SourceDateEpoch: %v", err)
	}
	if c != Clock(fallback) {
		t.Error("unset variable did not return the fallback clock")
	}
}

func TestSourceDateEpochInvalid(t *testing.T) {
	t.Setenv(SourceDateEpochVariable, "yesterday")
	if _, err := SourceDateEpoch(Real()); err == nil {
		t.Error("SourceDateEpoch accepted a non-numeric value")
	}
}
