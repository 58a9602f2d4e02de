// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package cas

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

// --- CacheDevice tests ---

func TestCacheDeviceCreateAndReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")
	device, err := NewCacheDevice(path, 4096)
	if err != nil {
		t.Fatalf("NewCacheDevice: %v", err)
	}
	defer device.Close()

	if device.Size() != 4096 {
		t.Errorf("Size = %d, want 4096", device.Size())
	}

	// Write some data.
	data := []byte("hello, mmap world!")
	if _, err := device.WriteAt(data, 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Read it back via the memory map.
	readBuffer := make([]byte, len(data))
	if _, err := device.ReadAt(readBuffer, 100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(readBuffer, data) {
		t.Errorf("read-back = %q, want %q", readBuffer, data)
	}
}

func TestCacheDeviceReopenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")

	// Create and write.
	device, err := NewCacheDevice(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("persistent data")
	device.WriteAt(data, 0)
	device.Sync()
	device.Close()

	// Reopen at the same size.
	device, err = NewCacheDevice(path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer device.Close()

	readBuffer := make([]byte, len(data))
	device.ReadAt(readBuffer, 0)
	if !bytes.Equal(readBuffer, data) {
		t.Errorf("after reopen: got %q, want %q", readBuffer, data)
	}
}

func TestCacheDeviceSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")

	device, err := NewCacheDevice(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	device.Close()

	// Try to reopen at a different size.
	_, err = NewCacheDevice(path, 8192)
	if err == nil {
		t.Fatal("expected error for size mismatch")
	}
}

func TestCacheDeviceWriteBeyondBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")
	device, err := NewCacheDevice(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	_, err = device.WriteAt([]byte("x"), 1024)
	if err == nil {
		t.Error("expected error writing beyond device bounds")
	}
}

func TestCacheDeviceReadBeyondBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")
	device, err := NewCacheDevice(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	buffer := make([]byte, 1)
	_, err = device.ReadAt(buffer, 1024)
	if err == nil {
		t.Error("expected error reading beyond device bounds")
	}
}

// --- BlockRing tests ---

func newTestRing(t *testing.T, blockSize int64, blockCount int) (*CacheDevice, *BlockRing) {
	t.Helper()
	deviceSize := blockSize * int64(blockCount)
	path := filepath.Join(t.TempDir(), "ring.data")
	device, err := NewCacheDevice(path, deviceSize)
	if err != nil {
		t.Fatalf("NewCacheDevice: %v", err)
	}
	t.Cleanup(func() { device.Close() })

	ring, err := NewBlockRing(device, blockSize, blockCount)
	if err != nil {
		t.Fatalf("NewBlockRing: %v", err)
	}
	return device, ring
}

func TestBlockRingWriteAndRead(t *testing.T) {
	_, ring := newTestRing(t, 4096, 4)

	data := []byte("test range blob data")
	result, err := ring.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if result.Location.Block != 0 {
		t.Errorf("Block = %d, want 0", result.Location.Block)
	}
	if result.Location.Generation != 1 {
		t.Errorf("Generation = %d, want 1", result.Location.Generation)
	}
	if result.Location.Offset != 0 {
		t.Errorf("Offset = %d, want 0", result.Location.Offset)
	}
	if result.Location.Length != int64(len(data)) {
		t.Errorf("Length = %d, want %d", result.Location.Length, len(data))
	}
	if result.EvictedBlock != -1 {
		t.Errorf("EvictedBlock = %d, want -1", result.EvictedBlock)
	}

	// Read it back.
	readBuffer := make([]byte, result.Location.Length)
	if _, err := ring.Read(result.Location, readBuffer); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBuffer, data) {
		t.Errorf("read-back = %q, want %q", readBuffer, data)
	}
}

func TestBlockRingSequentialWrites(t *testing.T) {
	_, ring := newTestRing(t, 1024, 4)

	data1 := bytes.Repeat([]byte("A"), 400)
	data2 := bytes.Repeat([]byte("B"), 400)

	result1, err := ring.Write(data1)
	if err != nil {
		t.Fatal(err)
	}
	result2, err := ring.Write(data2)
	if err != nil {
		t.Fatal(err)
	}

	// Both should be in block 0 (400+400 < 1024).
	if result1.Location.Block != 0 || result2.Location.Block != 0 {
		t.Errorf("expected both in block 0, got block %d and %d",
			result1.Location.Block, result2.Location.Block)
	}
	if result2.Location.Offset != 400 {
		t.Errorf("second write offset = %d, want 400", result2.Location.Offset)
	}
}

func TestBlockRingBlockAdvance(t *testing.T) {
	_, ring := newTestRing(t, 1024, 4)

	// Fill block 0.
	data := bytes.Repeat([]byte("X"), 900)
	result1, err := ring.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if result1.Location.Block != 0 {
		t.Fatalf("first write in block %d, want 0", result1.Location.Block)
	}

	// This write won't fit in block 0 (900 + 200 > 1024), so it
	// should advance to block 1.
	data2 := bytes.Repeat([]byte("Y"), 200)
	result2, err := ring.Write(data2)
	if err != nil {
		t.Fatal(err)
	}
	if result2.Location.Block != 1 {
		t.Errorf("second write in block %d, want 1", result2.Location.Block)
	}
	if result2.Location.Offset != 0 {
		t.Errorf("second write offset = %d, want 0", result2.Location.Offset)
	}
	// Block 1 was previously unused (generation 0), so no eviction.
	if result2.EvictedBlock != -1 {
		t.Errorf("EvictedBlock = %d, want -1 (first use)", result2.EvictedBlock)
	}
}

func TestBlockRingEviction(t *testing.T) {
	_, ring := newTestRing(t, 256, 4)

	// Fill all 4 blocks.
	var locations [4]CacheLocation
	for i := 0; i < 4; i++ {
		data := bytes.Repeat([]byte{byte('A' + i)}, 200)
		result, err := ring.Write(data)
		if err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		locations[i] = result.Location
		// Force block advance by filling the block.
		if i < 3 {
			fill := bytes.Repeat([]byte{0}, 56)
			ring.Write(fill)
		}
	}

	// Write data that doesn't fit in block 3 — forces advance to block 0,
	// which has generation 1, so this triggers eviction.
	evictData := bytes.Repeat([]byte("E"), 57)
	result, err := ring.Write(evictData)
	if err != nil {
		t.Fatal(err)
	}

	if result.EvictedBlock != 0 {
		t.Errorf("EvictedBlock = %d, want 0", result.EvictedBlock)
	}
	if result.EvictedGeneration != 1 {
		t.Errorf("EvictedGeneration = %d, want 1", result.EvictedGeneration)
	}

	// The original data in block 0 should no longer be readable.
	if ring.IsValid(locations[0]) {
		t.Error("block 0 location still valid after eviction")
	}
}

func TestBlockRingGenerationCheck(t *testing.T) {
	_, ring := newTestRing(t, 256, 4)

	data := []byte("generation test")
	result, err := ring.Write(data)
	if err != nil {
		t.Fatal(err)
	}

	if !ring.IsValid(result.Location) {
		t.Error("fresh location should be valid")
	}

	// Tamper with the generation.
	tampered := result.Location
	tampered.Generation = 99
	if ring.IsValid(tampered) {
		t.Error("tampered generation should be invalid")
	}
}

func TestBlockRingReadInvalidGeneration(t *testing.T) {
	_, ring := newTestRing(t, 256, 4)

	data := []byte("test")
	result, err := ring.Write(data)
	if err != nil {
		t.Fatal(err)
	}

	// Try to read with wrong generation.
	badLocation := result.Location
	badLocation.Generation = 99

	buffer := make([]byte, badLocation.Length)
	_, err = ring.Read(badLocation, buffer)
	if err == nil {
		t.Error("expected error reading with wrong generation")
	}
}

func TestBlockRingMinBlockCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.data")
	device, err := NewCacheDevice(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	// Too few blocks.
	_, err = NewBlockRing(device, 1024, 3)
	if err == nil {
		t.Error("expected error for too few blocks")
	}

	// Exactly the minimum.
	_, err = NewBlockRing(device, 1024, 4)
	if err != nil {
		t.Errorf("minimum block count should work: %v", err)
	}
}

func TestBlockRingSetAndWriteState(t *testing.T) {
	_, ring := newTestRing(t, 1024, 4)

	// Set state.
	generations := []uint64{5, 3, 7, 1}
	if err := ring.SetState(2, 512, generations); err != nil {
		t.Fatal(err)
	}

	writeBlock, writeOffset := ring.WriteState()
	if writeBlock != 2 || writeOffset != 512 {
		t.Errorf("WriteState = (%d, %d), want (2, 512)", writeBlock, writeOffset)
	}

	for i, expected := range generations {
		if ring.Generation(i) != expected {
			t.Errorf("Generation(%d) = %d, want %d", i, ring.Generation(i), expected)
		}
	}
}

// --- CacheIndex tests ---

func TestCacheIndexPutAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	index, err := NewCacheIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close(nil)

	key := HashChunk([]byte("test"))
	location := CacheLocation{Block: 1, Generation: 5, Offset: 100, Length: 200, CRC: 0xDEADBEEF}

	if err := index.Put(key, location); err != nil {
		t.Fatal(err)
	}

	got, found := index.Get(key)
	if !found {
		t.Fatal("entry not found after Put")
	}
	if got != location {
		t.Errorf("Get = %+v, want %+v", got, location)
	}
}

func TestCacheIndexRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	index, err := NewCacheIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close(nil)

	key := HashChunk([]byte("removeme"))
	index.Put(key, CacheLocation{Block: 0, Generation: 1})
	index.Remove(key)

	if _, found := index.Get(key); found {
		t.Error("entry still found after Remove")
	}
}

func TestCacheIndexRemoveBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	index, err := NewCacheIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close(nil)

	// Add entries in blocks 0 and 1.
	key0a := HashChunk([]byte("block0-a"))
	key0b := HashChunk([]byte("block0-b"))
	key1 := HashChunk([]byte("block1"))

	index.Put(key0a, CacheLocation{Block: 0, Generation: 1})
	index.Put(key0b, CacheLocation{Block: 0, Generation: 1})
	index.Put(key1, CacheLocation{Block: 1, Generation: 1})

	if index.Len() != 3 {
		t.Fatalf("Len = %d, want 3", index.Len())
	}

	// Remove block 0 entries.
	index.RemoveBlock(0, 1)

	if index.Len() != 1 {
		t.Errorf("Len after RemoveBlock = %d, want 1", index.Len())
	}
	if _, found := index.Get(key1); !found {
		t.Error("block 1 entry should survive RemoveBlock(0)")
	}
}

func TestCacheIndexRecordEncodeDecode(t *testing.T) {
	key := HashChunk([]byte("encode test"))
	location := CacheLocation{
		Block:      42,
		Generation: 12345678,
		Offset:     1024000,
		Length:     65536,
		CRC:        0xCAFED00D,
	}

	encoded := encodeIndexRecord(key, location)
	decoded, err := decodeIndexRecord(encoded[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.key != key {
		t.Error("key mismatch")
	}
	if decoded.location != location {
		t.Errorf("location = %+v, want %+v", decoded.location, location)
	}
}

func TestCacheIndexRecordCRCDetectsCorruption(t *testing.T) {
	key := HashChunk([]byte("crc test"))
	location := CacheLocation{Block: 1, Generation: 1, Offset: 0, Length: 100}

	encoded := encodeIndexRecord(key, location)

	// Corrupt one byte.
	encoded[10] ^= 0xFF

	_, err := decodeIndexRecord(encoded[:])
	if err == nil {
		t.Error("expected CRC error for corrupted record")
	}
}

func TestCacheIndexPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "test.idx")
	devicePath := filepath.Join(dir, "ring.data")

	// Create a device and ring.
	device, err := NewCacheDevice(devicePath, 4*1024)
	if err != nil {
		t.Fatal(err)
	}
	ring, err := NewBlockRing(device, 1024, 4)
	if err != nil {
		device.Close()
		t.Fatal(err)
	}

	// Write some data to the ring so it has state.
	ring.Write([]byte("data in block 0"))

	// Create index, add entries, compact (writes header + records).
	index, err := NewCacheIndex(idxPath)
	if err != nil {
		device.Close()
		t.Fatal(err)
	}

	key1 := HashChunk([]byte("entry1"))
	key2 := HashChunk([]byte("entry2"))
	index.Put(key1, CacheLocation{Block: 0, Generation: 1, Offset: 0, Length: 15})
	index.Put(key2, CacheLocation{Block: 0, Generation: 1, Offset: 15, Length: 20})

	// Compact to write the header.
	if err := index.Compact(ring); err != nil {
		device.Close()
		t.Fatal(err)
	}
	index.Close(nil)
	device.Close()

	// Reopen everything.
	device, err = NewCacheDevice(devicePath, 4*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	ring, err = NewBlockRing(device, 1024, 4)
	if err != nil {
		t.Fatal(err)
	}

	index, err = OpenCacheIndex(idxPath, ring)
	if err != nil {
		t.Fatalf("OpenCacheIndex: %v", err)
	}
	defer index.Close(nil)

	if index.Len() != 2 {
		t.Errorf("Len after reload = %d, want 2", index.Len())
	}

	if loc, found := index.Get(key1); !found {
		t.Error("key1 not found after reload")
	} else if loc.Offset != 0 || loc.Length != 15 {
		t.Errorf("key1 location = %+v", loc)
	}

	if _, found := index.Get(key2); !found {
		t.Error("key2 not found after reload")
	}
}

func TestCacheIndexOpenMissingFile(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "ring.data")

	device, err := NewCacheDevice(devicePath, 4*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	ring, err := NewBlockRing(device, 1024, 4)
	if err != nil {
		t.Fatal(err)
	}

	_, err = OpenCacheIndex(filepath.Join(dir, "missing.idx"), ring)
	if err == nil {
		t.Error("expected error opening a missing index file")
	}
}

func TestCacheIndexCompaction(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "test.idx")
	devicePath := filepath.Join(dir, "ring.data")

	device, err := NewCacheDevice(devicePath, 4*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	ring, err := NewBlockRing(device, 1024, 4)
	if err != nil {
		t.Fatal(err)
	}

	index, err := NewCacheIndex(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close(nil)

	// Add many entries, then remove most of them.
	var keys []Hash
	for i := 0; i < 100; i++ {
		key := HashChunk([]byte(fmt.Sprintf("entry-%d", i)))
		keys = append(keys, key)
		index.Put(key, CacheLocation{Block: 0, Generation: 1, Offset: int64(i * 10), Length: 10})
	}

	// Remove 90 entries.
	for i := 0; i < 90; i++ {
		index.Remove(keys[i])
	}

	if !index.NeedsCompaction() {
		t.Error("should need compaction (100 records, 10 live)")
	}

	if err := index.Compact(ring); err != nil {
		t.Fatal(err)
	}

	if index.NeedsCompaction() {
		t.Error("should not need compaction after compact")
	}

	// Verify live entries survived.
	for i := 90; i < 100; i++ {
		if _, found := index.Get(keys[i]); !found {
			t.Errorf("entry %d not found after compaction", i)
		}
	}
}

// --- RangeKey tests ---

func TestRangeKeyDistinct(t *testing.T) {
	container := HashChunk([]byte("container"))
	other := HashChunk([]byte("other container"))

	key := RangeKey(container, 0, 10)

	if key == RangeKey(container, 0, 11) {
		t.Error("different end chunk should give a different key")
	}
	if key == RangeKey(container, 1, 10) {
		t.Error("different start chunk should give a different key")
	}
	if key == RangeKey(other, 0, 10) {
		t.Error("different container should give a different key")
	}
	if key != RangeKey(container, 0, 10) {
		t.Error("same inputs should give the same key")
	}
}

func TestRangeKeyDoesNotCollideWithContentHashes(t *testing.T) {
	// A range key over a container hash must never equal a hash the
	// content domains could produce for the same bytes.
	container := HashChunk([]byte("collision test"))
	key := RangeKey(container, 0, 1)

	var input [48]byte
	copy(input[:32], container[:])
	binary.LittleEndian.PutUint64(input[32:40], 0)
	binary.LittleEndian.PutUint64(input[40:48], 1)

	if key == HashChunk(input[:]) {
		t.Error("range key collides with chunk-domain hash")
	}
	if key == HashDirectory(input[:]) {
		t.Error("range key collides with verify-domain hash")
	}
}

// --- RangeCache integration tests ---

func newTestCache(t *testing.T, blockSize int64, blockCount int) *RangeCache {
	t.Helper()
	cache, err := OpenRangeCache(RangeCacheConfig{
		Path:       filepath.Join(t.TempDir(), "cache"),
		DeviceSize: blockSize * int64(blockCount),
		BlockSize:  blockSize,
	})
	if err != nil {
		t.Fatalf("OpenRangeCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestRangeCachePutAndGet(t *testing.T) {
	cache := newTestCache(t, 4096, 4)

	container := HashChunk([]byte("some container"))
	key := RangeKey(container, 0, 4)
	blob := []byte("serialized chunk range payload")

	if err := cache.Put(key, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, hit := cache.Get(key)
	if !hit {
		t.Fatal("Get missed after Put")
	}
	if !bytes.Equal(got, blob) {
		t.Error("Get returned different data than Put")
	}
}

func TestRangeCacheContains(t *testing.T) {
	cache := newTestCache(t, 4096, 4)

	key := RangeKey(HashChunk([]byte("contains")), 0, 1)

	if cache.Contains(key) {
		t.Error("Contains should be false before Put")
	}

	cache.Put(key, []byte("blob"))

	if !cache.Contains(key) {
		t.Error("Contains should be true after Put")
	}
}

func TestRangeCacheIdempotentPut(t *testing.T) {
	cache := newTestCache(t, 4096, 4)

	key := RangeKey(HashChunk([]byte("dup")), 0, 2)
	blob := []byte("dedup test blob")

	cache.Put(key, blob)
	cache.Put(key, blob) // should be idempotent

	if cache.Stats().LiveBlobs != 1 {
		t.Errorf("LiveBlobs = %d, want 1 after duplicate Put", cache.Stats().LiveBlobs)
	}
}

func TestRangeCacheMiss(t *testing.T) {
	cache := newTestCache(t, 4096, 4)

	var unknownKey Hash
	unknownKey[0] = 0xFF

	if _, hit := cache.Get(unknownKey); hit {
		t.Error("expected miss for unknown key")
	}
}

func TestRangeCacheCRCDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenRangeCache(RangeCacheConfig{
		Path:       filepath.Join(dir, "cache"),
		DeviceSize: 4 * 4096,
		BlockSize:  4096,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	key := RangeKey(HashChunk([]byte("corrupt me")), 0, 1)
	blob := []byte("this blob will be corrupted on disk")
	if err := cache.Put(key, blob); err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the blob directly in the data file. The first
	// Put lands at block 0, offset 0.
	dataFile, err := os.OpenFile(filepath.Join(dir, "cache", "cache.data"), os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dataFile.WriteAt([]byte{'X'}, 0); err != nil {
		t.Fatal(err)
	}
	dataFile.Close()

	if _, hit := cache.Get(key); hit {
		t.Error("corrupted blob should be a miss")
	}

	// The entry should have been dropped from the index.
	if cache.Contains(key) {
		t.Error("corrupted entry should be removed from the index")
	}
}

func TestRangeCacheEviction(t *testing.T) {
	// Small blocks so eviction happens quickly.
	cache := newTestCache(t, 512, 4)

	var keys []Hash
	for i := 0; i < 30; i++ {
		key := RangeKey(HashChunk([]byte(fmt.Sprintf("blob-%d", i))), 0, 1)
		blob := append([]byte(fmt.Sprintf("range-blob-%03d-", i)), bytes.Repeat([]byte("p"), 100)...)
		if err := cache.Put(key, blob); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		keys = append(keys, key)
	}

	// Some early blobs should be evicted.
	evictedCount := 0
	for _, key := range keys {
		if !cache.Contains(key) {
			evictedCount++
		}
	}

	if evictedCount == 0 {
		t.Error("expected some blobs to be evicted")
	}

	t.Logf("evicted %d of %d blobs", evictedCount, len(keys))

	// Recent blobs should still be cached.
	lastKey := keys[len(keys)-1]
	if !cache.Contains(lastKey) {
		t.Error("most recent blob should still be cached")
	}
}

func TestRangeCacheReopenWithIndex(t *testing.T) {
	dir := t.TempDir()
	config := RangeCacheConfig{
		Path:       filepath.Join(dir, "cache"),
		DeviceSize: 4 * 4096,
		BlockSize:  4096,
	}

	// Create, write, sync, close.
	cache, err := OpenRangeCache(config)
	if err != nil {
		t.Fatal(err)
	}

	key := RangeKey(HashChunk([]byte("survivor")), 3, 7)
	blob := []byte("persist across restart")
	cache.Put(key, blob)
	cache.Sync()
	cache.Close()

	// Reopen.
	cache, err = OpenRangeCache(config)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer cache.Close()

	// The blob should still be accessible.
	got, hit := cache.Get(key)
	if !hit {
		t.Fatal("Get missed after reopen")
	}
	if !bytes.Equal(got, blob) {
		t.Error("data mismatch after reopen")
	}
}

func TestRangeCacheCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	config := RangeCacheConfig{
		Path:       filepath.Join(dir, "cache"),
		DeviceSize: 4 * 4096,
		BlockSize:  4096,
	}

	cache, err := OpenRangeCache(config)
	if err != nil {
		t.Fatal(err)
	}
	key := RangeKey(HashChunk([]byte("lost to corruption")), 0, 1)
	cache.Put(key, []byte("blob"))
	cache.Close()

	// Scribble over the index header.
	idxPath := filepath.Join(dir, "cache", "cache.idx")
	if err := os.WriteFile(idxPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Reopen: corrupt index means a fresh, empty cache.
	cache, err = OpenRangeCache(config)
	if err != nil {
		t.Fatalf("reopen with corrupt index: %v", err)
	}
	defer cache.Close()

	if cache.Stats().LiveBlobs != 0 {
		t.Errorf("LiveBlobs = %d, want 0 after index corruption", cache.Stats().LiveBlobs)
	}
	if _, hit := cache.Get(key); hit {
		t.Error("entry should be gone after index corruption")
	}
}

func TestRangeCacheStats(t *testing.T) {
	cache := newTestCache(t, 1024, 8)

	stats := cache.Stats()
	if stats.BlockSize != 1024 {
		t.Errorf("BlockSize = %d, want 1024", stats.BlockSize)
	}
	if stats.BlockCount != 8 {
		t.Errorf("BlockCount = %d, want 8", stats.BlockCount)
	}
	if stats.DeviceSize != 8*1024 {
		t.Errorf("DeviceSize = %d, want %d", stats.DeviceSize, 8*1024)
	}
	if stats.LiveBlobs != 0 {
		t.Errorf("LiveBlobs = %d, want 0", stats.LiveBlobs)
	}
}

func TestRangeCacheMultipleBlobs(t *testing.T) {
	cache := newTestCache(t, 4096, 8)

	// Write several blobs and verify all are readable.
	type entry struct {
		key  Hash
		blob []byte
	}
	var entries []entry

	for i := 0; i < 10; i++ {
		key := RangeKey(HashChunk([]byte(fmt.Sprintf("multi-%d", i))), i, i+4)
		blob := []byte(fmt.Sprintf("blob-%d-with-some-payload-data", i))
		if err := cache.Put(key, blob); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		entries = append(entries, entry{key, blob})
	}

	for i, e := range entries {
		got, hit := cache.Get(e.key)
		if !hit {
			t.Errorf("Get %d missed", i)
			continue
		}
		if !bytes.Equal(got, e.blob) {
			t.Errorf("blob %d data mismatch", i)
		}
	}
}

// --- Index file format test ---

func TestIndexFileLayout(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "layout.idx")
	devicePath := filepath.Join(dir, "ring.data")

	device, err := NewCacheDevice(devicePath, 4*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()

	ring, err := NewBlockRing(device, 1024, 4)
	if err != nil {
		t.Fatal(err)
	}

	index, err := NewCacheIndex(idxPath)
	if err != nil {
		t.Fatal(err)
	}

	key := HashChunk([]byte("layout test"))
	index.Put(key, CacheLocation{Block: 2, Generation: 3, Offset: 512, Length: 100, CRC: 0x1234})
	index.Compact(ring)
	index.Close(nil)

	// Read the raw file and verify structure.
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatal(err)
	}

	// Header: 32 fixed + 4*8 generations + 4 CRC = 68 bytes
	// 1 record: 64 bytes
	// Total: 132 bytes
	expectedSize := indexFixedHeaderSize + 4*8 + 4 + indexRecordSize
	if len(raw) != expectedSize {
		t.Errorf("file size = %d, want %d", len(raw), expectedSize)
	}

	// Verify magic.
	if string(raw[0:4]) != indexMagic {
		t.Error("magic mismatch")
	}

	// Verify CRC of header.
	crcOffset := indexFixedHeaderSize + 4*8
	headerData := raw[:crcOffset]
	expectedCRC := crc32.Checksum(headerData, crc32cTable)
	gotCRC := binary.LittleEndian.Uint32(raw[crcOffset : crcOffset+4])
	if gotCRC != expectedCRC {
		t.Errorf("header CRC = %08x, want %08x", gotCRC, expectedCRC)
	}

	// Verify the record CRC.
	recordStart := crcOffset + 4
	recordData := raw[recordStart : recordStart+60]
	expectedRecordCRC := crc32.Checksum(recordData, crc32cTable)
	gotRecordCRC := binary.LittleEndian.Uint32(raw[recordStart+60 : recordStart+64])
	if gotRecordCRC != expectedRecordCRC {
		t.Errorf("record CRC = %08x, want %08x", gotRecordCRC, expectedRecordCRC)
	}
}

// --- Benchmarks ---

func BenchmarkRangeCachePut(b *testing.B) {
	dir := b.TempDir()
	cache, err := OpenRangeCache(RangeCacheConfig{
		Path:       filepath.Join(dir, "cache"),
		DeviceSize: 256 * 1024 * 1024,
		BlockSize:  64 * 1024 * 1024,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	// Pre-build blobs.
	type testBlob struct {
		key  Hash
		data []byte
	}
	blobs := make([]testBlob, b.N)
	for i := range blobs {
		data := []byte(fmt.Sprintf("benchmark-blob-%d-payload-data-padding-to-add-size", i))
		blobs[i] = testBlob{RangeKey(HashChunk(data), 0, 1), data}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		cache.Put(blobs[i].key, blobs[i].data)
	}
}

func BenchmarkRangeCacheGet(b *testing.B) {
	dir := b.TempDir()
	cache, err := OpenRangeCache(RangeCacheConfig{
		Path:       filepath.Join(dir, "cache"),
		DeviceSize: 256 * 1024 * 1024,
		BlockSize:  64 * 1024 * 1024,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	blob := bytes.Repeat([]byte("benchmark-get-data"), 100)
	key := RangeKey(HashChunk(blob), 0, 8)
	cache.Put(key, blob)

	b.SetBytes(int64(len(blob)))
	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		cache.Get(key)
	}
}

func BenchmarkCacheIndexPut(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.idx")
	index, err := NewCacheIndex(path)
	if err != nil {
		b.Fatal(err)
	}
	defer index.Close(nil)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		key := HashChunk([]byte(fmt.Sprintf("key-%d", i)))
		index.Put(key, CacheLocation{Block: i % 4, Generation: 1, Offset: int64(i * 100), Length: 100})
	}
}

func BenchmarkCacheDeviceReadAt(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.data")
	device, err := NewCacheDevice(path, 1024*1024)
	if err != nil {
		b.Fatal(err)
	}
	defer device.Close()

	// Write some data.
	data := bytes.Repeat([]byte("X"), 4096)
	device.WriteAt(data, 0)

	readBuffer := make([]byte, 4096)
	b.SetBytes(4096)
	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		device.ReadAt(readBuffer, 0)
	}
}
