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

func listCommand() *cli.Command {
	var params remoteParams

	return &cli.Command{
		Name:    "list",
		Summary: "List files in a repository revision",
		Usage:   "casfetch list <owner/repo>[@revision] [flags]",
		Description: `List the files of a repository revision.

Prints one tab-separated line per file: path, size in bytes, and the
file's content hash. Files that are not content-addressed (stored
inline by the hub rather than chunked) show "-" in the hash column.`,
		Examples: []cli.Example{
			{
				Description: "List the main revision",
				Command:     "casfetch list openai/gpt-oss-20b",
			},
			{
				Description: "List a tagged revision",
				Command:     "casfetch list openai/gpt-oss-20b@v2.1",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.Usagef("expected one argument\n\nUsage: casfetch list <owner/repo>[@revision] [flags]")
			}
			repo, revision, err := splitRepoRevision(args[0])
			if err != nil {
				return err
			}

			cfg, err := params.load()
			if err != nil {
				return err
			}
			store, err := newStore(cfg, params.logger())
			if err != nil {
				return err
			}

			entries, err := store.ListFiles(context.Background(), repo, revision, params.token())
			if err != nil {
				return err
			}

			for _, entry := range entries {
				hash := "-"
				if entry.Hash != nil {
					hash = cas.FormatHash(*entry.Hash)
				}
				fmt.Printf("%s\t%d\t%s\n", entry.Path, entry.Size, hash)
			}
			return nil
		},
	}
}
