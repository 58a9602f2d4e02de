// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/lib/cas"
)

type downloadParams struct {
	remoteParams
	OutputPath string
}

func downloadCommand() *cli.Command {
	var params downloadParams

	return &cli.Command{
		Name:    "download",
		Summary: "Download a file by repository path or content hash",
		Usage:   "casfetch download <owner/repo>[@revision] <path|hash> [flags]\n  casfetch download <hash> [flags]",
		Description: `Download a file and write the reconstructed bytes to stdout or, with
-o, to a file.

The file reference is either a path within the repository revision or
a bare 64-hex content hash. A hash goes straight to the manifest —
no listing round trip, and no repository access needed beyond what
the token grants for containers.

Content is verified as it arrives: every chunk hash is checked after
decompression, and the file-level Merkle hash is checked once the
last chunk is written. A verification failure leaves a partial
output file; nothing is ever reported as complete without passing
both checks.`,
		Examples: []cli.Example{
			{
				Description: "Download a model file",
				Command:     "casfetch download openai/gpt-oss-20b model.safetensors -o model.safetensors",
			},
			{
				Description: "Download by content hash, skipping the listing",
				Command:     "casfetch download 9f2c...ab01 -o model.safetensors",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("download", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.StringVarP(&params.OutputPath, "output", "o", "", "output file path (default: stdout)")
			return flagSet
		},
		Run: func(args []string) error {
			var repo, revision, reference string
			switch len(args) {
			case 1:
				if !cas.IsHexHash(args[0]) {
					return cli.Usagef("single argument must be a 64-hex content hash\n\nUsage: casfetch download <owner/repo>[@revision] <path|hash> [flags]")
				}
				reference = args[0]
			case 2:
				var err error
				repo, revision, err = splitRepoRevision(args[0])
				if err != nil {
					return err
				}
				reference = args[1]
			default:
				return cli.Usagef("expected one or two arguments\n\nUsage: casfetch download <owner/repo>[@revision] <path|hash> [flags]")
			}

			cfg, err := params.load()
			if err != nil {
				return err
			}
			logger := params.logger()
			reconstructor, cleanup, err := newReconstructor(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var sink io.Writer = os.Stdout
			var buffered *bufio.Writer
			if params.OutputPath != "" {
				file, err := os.Create(params.OutputPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", params.OutputPath, err)
				}
				defer file.Close()
				buffered = bufio.NewWriterSize(file, 1<<20)
				sink = buffered
			}

			ctx := context.Background()
			token := params.token()

			if cas.IsHexHash(reference) {
				fileHash, err := cas.ParseHash(reference)
				if err != nil {
					return cli.Usagef("invalid hash %q: %v", reference, err)
				}
				if err := reconstructor.File(ctx, fileHash, token, sink); err != nil {
					return err
				}
			} else {
				fileHash, err := reconstructor.FileAtPath(ctx, repo, revision, reference, token, sink)
				if err != nil {
					return err
				}
				logger.Debug("download complete", "path", reference, "hash", cas.FormatHash(fileHash))
			}

			if buffered != nil {
				if err := buffered.Flush(); err != nil {
					return fmt.Errorf("writing %s: %w", params.OutputPath, err)
				}
			}
			return nil
		},
	}
}
