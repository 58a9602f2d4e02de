// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/lib/cas"
)

type encodeParams struct {
	ConfigPath string
	StoreRoot  string
	Verbose    bool
}

func encodeCommand() *cli.Command {
	var params encodeParams

	return &cli.Command{
		Name:    "encode",
		Summary: "Encode a file into the local content store",
		Usage:   "casfetch encode <file> [flags]",
		Description: `Chunk, compress, and store a file in the local content store.

The file is split with content-defined chunking, each chunk is
compressed with whichever codec yields the smallest output, and the
chunks are packed into container files under the store root. Chunks
whose containers already exist are deduplicated against earlier
encodes. Prints the file's content hash and dedup statistics.`,
		Examples: []cli.Example{
			{
				Description: "Encode into the default store (~/.cache/casfetch)",
				Command:     "casfetch encode model.safetensors",
			},
			{
				Description: "Encode into an explicit store directory",
				Command:     "casfetch encode model.safetensors --store /srv/cas",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("encode", pflag.ContinueOnError)
			flagSet.StringVar(&params.ConfigPath, "config", "", "config file path (default: $CASFETCH_CONFIG)")
			flagSet.StringVar(&params.StoreRoot, "store", "", "store directory (overrides config)")
			flagSet.BoolVarP(&params.Verbose, "verbose", "v", false, "debug logging")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.Usagef("expected one argument\n\nUsage: casfetch encode <file> [flags]")
			}
			filePath := args[0]

			root := params.StoreRoot
			if root == "" {
				cfg, err := loadConfig(params.ConfigPath)
				if err != nil {
					return err
				}
				root = cfg.Store.Root
			}

			store, err := cas.NewStore(root)
			if err != nil {
				return err
			}

			file, err := os.Open(filePath)
			if err != nil {
				return fmt.Errorf("opening %s: %w", filePath, err)
			}
			defer file.Close()

			result, err := store.Write(file)
			if err != nil {
				return err
			}

			// Stats go to stderr so stdout remains just the hash
			// (for composability with pipelines).
			fmt.Fprintf(os.Stderr, "encoded %s: %s in %d chunks, %d containers (%s stored, %s deduplicated)\n",
				filePath, formatSize(result.Size), result.ChunkCount, result.ContainerCount,
				formatSize(result.StoredBytes), formatSize(result.DedupedBytes))
			fmt.Println(cas.FormatHash(result.FileHash))
			return nil
		},
	}
}
