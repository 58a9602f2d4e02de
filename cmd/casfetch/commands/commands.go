// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the casfetch CLI command tree.
package commands

import (
	"fmt"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/lib/version"
)

// Root builds and returns the complete casfetch CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "casfetch",
		Description: `casfetch: content-addressed file fetcher.

Download large files from a content-addressed remote store. Files are
reconstructed from compressed chunks fetched in parallel, with every
chunk verified against its hash and the whole file verified against
its Merkle hash before success is reported.`,
		Subcommands: []*cli.Command{
			listCommand(),
			resolveCommand(),
			downloadCommand(),
			encodeCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("casfetch %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "List files in a repository",
				Command:     "casfetch list openai/gpt-oss-20b",
			},
			{
				Description: "Download a model file",
				Command:     "casfetch download openai/gpt-oss-20b model.safetensors -o model.safetensors",
			},
			{
				Description: "Resolve a path to its content hash",
				Command:     "casfetch resolve openai/gpt-oss-20b model.safetensors",
			},
			{
				Description: "Download by content hash, skipping the listing",
				Command:     "casfetch download 9f2c...ab01 -o model.safetensors",
			},
			{
				Description: "Encode a local file into the content store",
				Command:     "casfetch encode model.safetensors",
			},
		},
	}
}
