// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/cmd/casfetch/commands"
	"github.com/casfetch/casfetch/lib/remote"
)

// Exit codes. Scripts branch on these, so the mapping is part of the
// CLI's contract.
const (
	exitGeneric      = 1
	exitUsage        = 2
	exitNotFound     = 3
	exitUnauthorized = 4
)

func main() {
	err := commands.Root().Execute(os.Args[1:])
	if err == nil {
		return
	}

	// Commands that print their own output return an ExitError with
	// the desired exit code. Don't print a redundant "error:" line
	// for those.
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode maps the error taxonomy to the CLI's exit code contract.
func exitCode(err error) int {
	var usageErr *cli.UsageError
	if errors.As(err, &usageErr) {
		return exitUsage
	}
	var notFound *remote.NotFoundError
	if errors.As(err, &notFound) {
		return exitNotFound
	}
	var unauthorized *remote.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return exitUnauthorized
	}
	return exitGeneric
}
