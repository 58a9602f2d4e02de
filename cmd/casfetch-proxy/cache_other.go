// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !darwin && !linux

package main

import (
	"log/slog"

	"github.com/casfetch/casfetch/lib/config"
	"github.com/casfetch/casfetch/lib/fetch"
)

// wrapWithCache is a no-op on platforms without the memory-mapped
// chunk cache.
func wrapWithCache(store fetch.Store, cfg *config.Config, logger *slog.Logger) (fetch.Store, func()) {
	if cfg.Cache.Path != "" {
		logger.Warn("chunk cache is not supported on this platform", "path", cfg.Cache.Path)
	}
	return store, func() {}
}
