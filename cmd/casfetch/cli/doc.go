// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the casfetch CLI.
//
// The central type is [Command], which represents a named subcommand with
// optional nested [Command.Subcommands], a [pflag.FlagSet] factory, and a
// Run function. Commands are assembled into a tree in
// cmd/casfetch/commands and dispatched via [Command.Execute], which
// handles flag parsing, subcommand routing, and structured help output
// with examples.
//
// When a user types an unknown subcommand or flag, the framework computes
// Levenshtein edit distance against all known names and suggests the
// closest match (threshold: distance <= 3). This is implemented in
// suggest.go.
//
// Errors returned from Execute carry exit semantics for main:
// [UsageError] marks command-line mistakes (exit code 2), and [ExitError]
// carries an explicit exit code for commands that have already printed
// their own output.
package cli
