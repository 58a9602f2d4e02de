// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/lib/cas"
)

func resolveCommand() *cli.Command {
	var params remoteParams

	return &cli.Command{
		Name:    "resolve",
		Summary: "Resolve a repository path to its file hash",
		Usage:   "casfetch resolve <owner/repo>[@revision] <path> [flags]",
		Description: `Resolve a file path within a repository revision to the 64-hex
content hash of the file. The hash can then be passed to "download"
to fetch the bytes without another listing round trip.`,
		Examples: []cli.Example{
			{
				Description: "Resolve a model file",
				Command:     "casfetch resolve openai/gpt-oss-20b model.safetensors",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return cli.Usagef("expected two arguments\n\nUsage: casfetch resolve <owner/repo>[@revision] <path> [flags]")
			}
			repo, revision, err := splitRepoRevision(args[0])
			if err != nil {
				return err
			}
			path := args[1]

			cfg, err := params.load()
			if err != nil {
				return err
			}
			reconstructor, cleanup, err := newReconstructor(cfg, params.logger())
			if err != nil {
				return err
			}
			defer cleanup()

			fileHash, err := reconstructor.Resolve(context.Background(), repo, revision, path, params.token())
			if err != nil {
				return err
			}

			fmt.Println(cas.FormatHash(fileHash))
			return nil
		},
	}
}
