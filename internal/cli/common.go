// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"

	"github.com/otaimage/otaimage/lib/clock"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// Common holds the flags every command accepts.
type Common struct {
	Debug  bool   `flag:"debug" desc:"log at debug level"`
	Config string `flag:"config" desc:"YAML config file (default: $OTA_IMAGE_BUILDER_CONFIG, else built-in defaults)"`
}

// Logger returns the command logger scoped to command.
func (c *Common) Logger(command string) *slog.Logger {
	return NewLogger(c.Debug).With("command", command)
}

// LoadConfig reads --config, falling back to the environment variable
// and then to the defaults.
func (c *Common) LoadConfig() (*config.Config, error) {
	if c.Config != "" {
		return config.LoadFile(c.Config)
	}
	return config.Load()
}

// Clock returns the real clock, pinned to $SOURCE_DATE_EPOCH when it is
// set.
func (c *Common) Clock() (clock.Clock, error) {
	now, err := clock.SourceDateEpoch(clock.Real())
	if err != nil {
		return nil, imgerr.Validation("%w", err)
	}
	return now, nil
}

// RequireArgs checks the positional argument count.
func RequireArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return UsageError("expected %d argument(s) %v, got %d", len(names), names, len(args))
	}
	return nil
}
