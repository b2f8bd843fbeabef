// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command-line framework shared by ota-image-builder
// and ota-image-tools.
//
// The central type is [Command]: a named command with optional nested
// [Command.Subcommands], a [pflag.FlagSet] factory, and a Run function.
// [Command.Execute] parses flags, routes subcommands, and prints help
// with examples. Unknown commands and flags get a suggestion when the
// Levenshtein distance to a known name is at most 3.
//
// Command flags are declared as tagged params structs and bound with
// [FlagsFromParams]. Every command embeds [Common] for --debug and
// --config, and commands with structured results embed [JSONOutput].
//
// Errors map to process exit codes through [ExitCode]: classified
// pipeline errors use their kind's code, usage errors exit 6, and an
// [ExitError] carries an explicit code for commands that already
// printed their own output.
package cli
