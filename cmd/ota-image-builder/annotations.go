// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/otaimage/otaimage/internal/cli"
	"github.com/otaimage/otaimage/lib/annotation"
	"github.com/otaimage/otaimage/lib/imgerr"
)

type buildAnnotationParams struct {
	cli.Common
	Base       string   `flag:"base" desc:"annotations YAML to start from"`
	User       []string `flag:"user-annotation" desc:"key=value set only if missing; limited to user-settable keys"`
	AddOr      []string `flag:"add-or" desc:"key=value set only if missing"`
	AddReplace []string `flag:"add-replace" desc:"key=value that overrides"`
	Output     string   `flag:"output,o" desc:"file to write (default: stdout)"`
}

func buildAnnotationCommand() *cli.Command {
	var params buildAnnotationParams
	return &cli.Command{
		Name:    "build-annotation",
		Summary: "Merge annotation pairs into an annotations file",
		Description: `Merge annotation pairs into an annotations file.

Pairs are applied in order of strength: --user-annotation and --add-or
fill in keys that are still missing, --add-replace overrides. Unknown
keys and malformed pairs are reported and skipped.`,
		Usage: binary + " build-annotation [flags]",
		Examples: []cli.Example{{
			Description: "Stamp the project version over a template",
			Command: binary + " build-annotation --base template.yaml " +
				"--add-replace vnd.otaimage.project.version=1.2.0 -o annotations.yaml",
		}},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("build-annotation", &params) },
		Run: func(_ context.Context, args []string) error {
			if err := cli.RequireArgs(args); err != nil {
				return err
			}
			logger := params.Logger("build-annotation")
			var base annotation.Annotations
			if params.Base != "" {
				var err error
				if base, err = annotation.Load(params.Base); err != nil {
					return err
				}
			}
			result := annotation.Build(annotation.BuildRequest{
				Base:       base,
				User:       params.User,
				AddOr:      params.AddOr,
				AddReplace: params.AddReplace,
			}, logger)

			if params.Output != "" {
				return annotation.Write(params.Output, result)
			}
			data, err := annotation.Encode(result)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return imgerr.IO("writing annotations: %w", err)
			}
			return nil
		},
	}
}

type buildExcludeParams struct {
	cli.Common
	Output string `flag:"output,o" desc:"file to write (default: stdout)"`
}

func buildExcludeConfigCommand() *cli.Command {
	var params buildExcludeParams
	return &cli.Command{
		Name:    "build-exclude-cfg",
		Summary: "Merge cleanup pattern files for prepare-sysimg",
		Description: `Merge cleanup pattern files for prepare-sysimg.

Patterns from every input are merged, sorted and deduplicated. Patterns
that would remove the whole rootfs, the OTA boot state or build output
directories are dropped with a warning.`,
		Usage: binary + " build-exclude-cfg [flags] <pattern-file>...",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("build-exclude-cfg", &params) },
		Run: func(_ context.Context, args []string) error {
			if len(args) == 0 {
				return cli.UsageError("build-exclude-cfg requires at least one pattern file")
			}
			patterns, err := annotation.BuildExcludePatterns(args, params.Logger("build-exclude-cfg"))
			if err != nil {
				return err
			}
			if params.Output != "" {
				return annotation.WriteExcludePatterns(params.Output, patterns)
			}
			for _, pattern := range patterns {
				if _, err := os.Stdout.WriteString(pattern + "\n"); err != nil {
					return imgerr.IO("writing patterns: %w", err)
				}
			}
			return nil
		},
	}
}
