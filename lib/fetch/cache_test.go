// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package fetch

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/casfetch/casfetch/lib/cas"
)

func newTestRangeCache(t *testing.T) *cas.RangeCache {
	t.Helper()
	cache, err := cas.OpenRangeCache(cas.RangeCacheConfig{
		Path:       filepath.Join(t.TempDir(), "cache"),
		DeviceSize: 64 * 1024 * 1024,
		BlockSize:  16 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("OpenRangeCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCachedStoreAvoidsRefetch(t *testing.T) {
	store := newMemStore()
	content := testContent(800*1024, 11)
	manifest := store.addFile(t, content, 3)

	cache := newTestRangeCache(t)
	cached := WithRangeCache(store, cache, nil)
	reconstructor := newTestReconstructor(t, cached)

	// Cold run populates the cache.
	var first bytes.Buffer
	if err := reconstructor.File(context.Background(), manifest.FileHash, "", &first); err != nil {
		t.Fatalf("cold run: %v", err)
	}
	coldFetches := store.rangeFetches.Load()
	if coldFetches == 0 {
		t.Fatal("cold run performed no remote fetches")
	}

	// Warm run must be served entirely from the cache.
	var second bytes.Buffer
	if err := reconstructor.File(context.Background(), manifest.FileHash, "", &second); err != nil {
		t.Fatalf("warm run: %v", err)
	}
	if got := store.rangeFetches.Load(); got != coldFetches {
		t.Errorf("warm run hit the remote: %d fetches, want %d", got, coldFetches)
	}

	if !bytes.Equal(first.Bytes(), content) {
		t.Error("cold run content mismatch")
	}
	if !bytes.Equal(second.Bytes(), content) {
		t.Error("warm run content mismatch")
	}
}

func TestCachedStorePassesThroughErrors(t *testing.T) {
	store := newMemStore()
	cache := newTestRangeCache(t)
	cached := WithRangeCache(store, cache, nil)

	missing := cas.HashDirectory([]byte("no such container"))
	if _, err := cached.FetchChunkRange(context.Background(), missing, 0, 1, ""); err == nil {
		t.Error("expected error for a missing container")
	}
	if cache.Stats().LiveBlobs != 0 {
		t.Errorf("failed fetch left %d blobs in the cache", cache.Stats().LiveBlobs)
	}
}
