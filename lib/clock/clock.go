// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The image pipeline reads the time in two places: the creation
// timestamp written into image configs and the issued-at claim of the
// signature. Both end up inside the packed artifact, so reproducible
// builds inject a fixed clock:
//
//	builder := otaimage.Builder{Clock: clock.Fixed(release)}
//
// Production code uses Real. SourceDateEpoch honors the
// reproducible-builds convention.
package clock

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock { return realClock{} }

// FakeClock is a settable clock for tests. It is safe for concurrent
// use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Fixed returns a clock that stands still at t until advanced.
func Fixed(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// SourceDateEpochVariable is the reproducible-builds environment
// variable holding a Unix timestamp.
const SourceDateEpochVariable = "SOURCE_DATE_EPOCH"

// SourceDateEpoch returns a fixed clock at $SOURCE_DATE_EPOCH when the
// variable is set, and fallback otherwise.
func SourceDateEpoch(fallback Clock) (Clock, error) {
	value := os.Getenv(SourceDateEpochVariable)
	if value == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s=%q: %w", SourceDateEpochVariable, value, err)
	}
	return Fixed(time.Unix(seconds, 0).UTC()), nil
}
