// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package main

import (
	"log/slog"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/config"
	"github.com/casfetch/casfetch/lib/fetch"
)

// wrapWithCache layers the local chunk-range cache over the store
// when the configuration enables one. The cache is an optimization:
// if it cannot be opened the proxy serves uncached. The returned
// cleanup runs at shutdown; it syncs and closes the cache.
func wrapWithCache(store fetch.Store, cfg *config.Config, logger *slog.Logger) (fetch.Store, func()) {
	if cfg.Cache.Path == "" {
		return store, func() {}
	}

	logger.Info("chunk cache enabled", "path", cfg.Cache.Path, "size", cfg.Cache.Size)

	cache, err := cas.OpenRangeCache(cas.RangeCacheConfig{
		Path:       cfg.Cache.Path,
		DeviceSize: cfg.Cache.Size,
		BlockSize:  cfg.Cache.BlockSize,
	})
	if err != nil {
		logger.Warn("chunk cache disabled", "path", cfg.Cache.Path, "error", err)
		return store, func() {}
	}

	cleanup := func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing chunk cache", "error", err)
		}
	}
	return fetch.WithRangeCache(store, cache, logger), cleanup
}
