// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package cas

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
)

// rangeKeyDomainKey derives cache keys from (container hash, chunk
// range). Distinct from the content domains so a cache key can never
// collide with a chunk, file, or directory hash.
var rangeKeyDomainKey = domainKey{
	'c', 'a', 's', 'f', 'e', 't', 'c', 'h', '.',
	'r', 'a', 'n', 'g', 'e', '.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// RangeKey derives the cache key for a chunk range within a container.
// The key hashes the container hash plus the range bounds, so every
// distinct (container, start, end) triple maps to its own cache slot.
func RangeKey(container Hash, startChunk, endChunk int) Hash {
	var input [48]byte
	copy(input[:32], container[:])
	binary.LittleEndian.PutUint64(input[32:40], uint64(startChunk))
	binary.LittleEndian.PutUint64(input[40:48], uint64(endChunk))
	return keyedHash(rangeKeyDomainKey, input[:])
}

// RangeCacheConfig configures a local chunk-range cache.
type RangeCacheConfig struct {
	// Path is the directory for cache files. The directory is
	// created if it does not exist.
	Path string

	// DeviceSize is the total size of the cache data file in bytes.
	// Must be at least BlockSize * MinCacheBlockCount.
	DeviceSize int64

	// BlockSize is the size of each block in bytes. Defaults to
	// DefaultCacheBlockSize (256 MiB) if zero. Range blobs larger
	// than BlockSize cannot be cached.
	BlockSize int64
}

// RangeCache is a bounded, self-cleaning local cache for chunk-range
// blobs fetched from a remote store. Blobs are stored in a circular
// block ring backed by a memory-mapped file. When the ring is full,
// the oldest block is reclaimed and all index entries pointing to it
// become stale.
//
// The cache is safe for concurrent reads with a single writer. Reads
// use atomic generation checks and reader reference counts — no locks
// on the hot path beyond a shared RLock on the index map.
//
// Each blob's CRC32C is recorded in the index and verified on read.
// A mismatch is treated as a miss and the entry is dropped.
type RangeCache struct {
	config RangeCacheConfig
	device *CacheDevice
	ring   *BlockRing
	index  *CacheIndex

	// writeMu serializes all Put operations.
	writeMu sync.Mutex
}

// OpenRangeCache opens the cache at the configured path, creating it
// if needed. If the path already contains cache files from a previous
// run, they are loaded. A missing or corrupt index is not an error:
// range blobs carry no self-describing framing that could be scanned
// back out of the device, so the cache simply starts empty and
// repopulates from remote fetches.
//
// If the existing device is incompatible (different block size or
// device size), an error is returned — delete the directory to start
// fresh.
func OpenRangeCache(config RangeCacheConfig) (*RangeCache, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if config.BlockSize == 0 {
		config.BlockSize = DefaultCacheBlockSize
	}
	if config.DeviceSize <= 0 {
		return nil, fmt.Errorf("cache device size must be positive, got %d", config.DeviceSize)
	}

	blockCount := int(config.DeviceSize / config.BlockSize)
	if blockCount < MinCacheBlockCount {
		return nil, fmt.Errorf("device size %d with block size %d gives %d blocks, need at least %d",
			config.DeviceSize, config.BlockSize, blockCount, MinCacheBlockCount)
	}

	// Align device size to block boundaries.
	alignedDeviceSize := config.BlockSize * int64(blockCount)

	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	devicePath := filepath.Join(config.Path, "cache.data")
	device, err := NewCacheDevice(devicePath, alignedDeviceSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache device: %w", err)
	}

	ring, err := NewBlockRing(device, config.BlockSize, blockCount)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("creating block ring: %w", err)
	}

	// Try to open the existing index; fall back to a fresh one.
	indexPath := filepath.Join(config.Path, "cache.idx")
	index, err := OpenCacheIndex(indexPath, ring)
	if err != nil {
		index, err = NewCacheIndex(indexPath)
		if err != nil {
			device.Close()
			return nil, fmt.Errorf("creating cache index: %w", err)
		}
	}

	return &RangeCache{
		config: config,
		device: device,
		ring:   ring,
		index:  index,
	}, nil
}

// Get retrieves a blob from the cache by key. Returns the raw blob
// bytes and true on a hit. A CRC mismatch or evicted entry counts as
// a miss and drops the index entry.
//
// Get is safe for concurrent use from multiple goroutines. The read
// path is lock-free beyond an RLock on the index map.
func (c *RangeCache) Get(key Hash) ([]byte, bool) {
	location, found := c.index.Get(key)
	if !found {
		return nil, false
	}

	// Validate generation before allocating a read buffer.
	if !c.ring.IsValid(location) {
		c.index.Remove(key)
		return nil, false
	}

	buffer := make([]byte, location.Length)
	if _, err := c.ring.Read(location, buffer); err != nil {
		c.index.Remove(key)
		return nil, false
	}

	// Verify the blob checksum. Catches torn reads (should not
	// happen due to reader counts) and on-disk corruption.
	if crc32.Checksum(buffer, crc32cTable) != location.CRC {
		c.index.Remove(key)
		return nil, false
	}

	return buffer, true
}

// Put stores a blob in the cache ring under the given key. Duplicate
// puts for the same key are idempotent.
func (c *RangeCache) Put(key Hash, blob []byte) error {
	// Skip if already cached (and still valid).
	if location, found := c.index.Get(key); found {
		if c.ring.IsValid(location) {
			return nil // already cached
		}
		c.index.Remove(key)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	result, err := c.ring.Write(blob)
	if err != nil {
		return fmt.Errorf("writing blob to cache ring: %w", err)
	}

	// If a block was evicted, remove its entries from the index.
	if result.EvictedBlock >= 0 {
		c.index.RemoveBlock(result.EvictedBlock, result.EvictedGeneration)
	}

	location := result.Location
	location.CRC = crc32.Checksum(blob, crc32cTable)

	if err := c.index.Put(key, location); err != nil {
		return fmt.Errorf("indexing cached blob: %w", err)
	}

	// Auto-compact the index if it has grown large. Compaction
	// failure is non-fatal — the index still works, it's just
	// larger than necessary on disk.
	if c.index.NeedsCompaction() {
		_ = c.index.Compact(c.ring)
	}

	return nil
}

// Contains reports whether a valid entry for key is in the cache.
func (c *RangeCache) Contains(key Hash) bool {
	location, found := c.index.Get(key)
	if !found {
		return false
	}
	return c.ring.IsValid(location)
}

// Sync flushes the cache device and compacts the index.
func (c *RangeCache) Sync() error {
	if err := c.device.Sync(); err != nil {
		return fmt.Errorf("syncing cache device: %w", err)
	}
	if err := c.index.Compact(c.ring); err != nil {
		return fmt.Errorf("compacting index: %w", err)
	}
	return nil
}

// Close syncs and closes all cache resources.
func (c *RangeCache) Close() error {
	var firstErr error

	if err := c.device.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("syncing device on close: %w", err)
	}
	if err := c.index.Close(c.ring); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing index: %w", err)
	}
	if err := c.device.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing device: %w", err)
	}
	return firstErr
}

// RangeCacheStats holds cache utilization metrics.
type RangeCacheStats struct {
	DeviceSize int64
	BlockSize  int64
	BlockCount int
	LiveBlobs  int
}

// Stats returns current cache utilization metrics.
func (c *RangeCache) Stats() RangeCacheStats {
	return RangeCacheStats{
		DeviceSize: c.device.Size(),
		BlockSize:  c.ring.BlockSize(),
		BlockCount: c.ring.BlockCount(),
		LiveBlobs:  c.index.Len(),
	}
}
