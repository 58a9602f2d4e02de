// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package fetch

import (
	"context"
	"log/slog"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/remote"
)

// cachedStore wraps a Store with a local chunk-range cache. Range
// fetches check the cache first; remote responses are stored on the
// way through. File listings and manifests always go to the remote —
// they are small and revision listings must stay fresh.
type cachedStore struct {
	Store
	cache  *cas.RangeCache
	logger *slog.Logger
}

// WithRangeCache returns a Store whose chunk-range fetches are backed
// by the given local cache. Cache entries hold the exact wire bytes
// of a range response, keyed by (container, start, end). Cache
// failures never fail a fetch: a bad entry is a miss, a failed store
// is logged and ignored.
func WithRangeCache(store Store, cache *cas.RangeCache, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedStore{Store: store, cache: cache, logger: logger}
}

func (s *cachedStore) FetchChunkRange(ctx context.Context, containerHash cas.Hash, startChunk, endChunk int, token string) (*remote.ChunkRange, error) {
	key := cas.RangeKey(containerHash, startChunk, endChunk)

	if blob, hit := s.cache.Get(key); hit {
		chunkRange, err := remote.DecodeChunkRange(blob, endChunk-startChunk)
		if err == nil {
			s.logger.Debug("chunk range cache hit",
				"container", cas.FormatHash(containerHash),
				"start", startChunk,
				"end", endChunk,
				"bytes", len(blob),
			)
			return chunkRange, nil
		}
		// Undecodable entry counts as a miss. The CRC already passed,
		// so this means the blob was stored under the wrong key.
		s.logger.Warn("dropping undecodable cache entry",
			"container", cas.FormatHash(containerHash),
			"error", err,
		)
	}

	chunkRange, err := s.Store.FetchChunkRange(ctx, containerHash, startChunk, endChunk, token)
	if err != nil {
		return nil, err
	}

	blob := remote.EncodeChunkRange(chunkRange)
	if err := s.cache.Put(key, blob); err != nil {
		s.logger.Warn("failed to cache chunk range",
			"container", cas.FormatHash(containerHash),
			"bytes", len(blob),
			"error", err,
		)
	}

	return chunkRange, nil
}
