// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// buildTestContainer packs the given raw chunks (compressing each with
// Encode) and returns the serialized container plus its hash.
func buildTestContainer(t *testing.T, rawChunks [][]byte) ([]byte, Hash) {
	t.Helper()

	builder := NewContainerBuilder()
	for _, raw := range rawChunks {
		tag, compressed := Encode(raw)
		builder.AddChunk(HashChunk(raw), compressed, tag, uint32(len(raw)))
	}

	var buffer bytes.Buffer
	containerHash, err := builder.Flush(&buffer)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return buffer.Bytes(), containerHash
}

func TestDirectoryEntryRoundTrip(t *testing.T) {
	entry := DirectoryEntry{
		Hash:               HashChunk([]byte("entry data")),
		Codec:              CodecBG4LZ4,
		CompressedLength:   12345,
		UncompressedLength: 65536,
	}

	serialized := AppendDirectoryEntry(nil, entry)
	if len(serialized) != DirectoryEntrySize {
		t.Fatalf("serialized entry is %d bytes, want %d", len(serialized), DirectoryEntrySize)
	}

	parsed, err := ParseDirectoryEntry(serialized)
	if err != nil {
		t.Fatalf("ParseDirectoryEntry failed: %v", err)
	}
	if parsed != entry {
		t.Errorf("parsed entry %+v != original %+v", parsed, entry)
	}
}

func TestParseDirectoryEntryRejectsBadInput(t *testing.T) {
	good := AppendDirectoryEntry(nil, DirectoryEntry{
		Hash:               HashChunk([]byte("x")),
		Codec:              CodecLZ4,
		CompressedLength:   10,
		UncompressedLength: 20,
	})

	// Wrong length.
	if _, err := ParseDirectoryEntry(good[:DirectoryEntrySize-1]); err == nil {
		t.Error("accepted a truncated entry")
	}

	// Unknown codec tag.
	badCodec := append([]byte(nil), good...)
	badCodec[32] = 200
	if _, err := ParseDirectoryEntry(badCodec); err == nil {
		t.Error("accepted an unknown codec tag")
	}

	// Non-zero reserved bytes after the codec tag.
	badReserved := append([]byte(nil), good...)
	badReserved[34] = 1
	if _, err := ParseDirectoryEntry(badReserved); err == nil {
		t.Error("accepted non-zero reserved bytes after the codec tag")
	}

	// Non-zero trailing reserved bytes.
	badTrailing := append([]byte(nil), good...)
	badTrailing[47] = 1
	if _, err := ParseDirectoryEntry(badTrailing); err == nil {
		t.Error("accepted non-zero trailing reserved bytes")
	}
}

func TestContainerRoundTrip(t *testing.T) {
	rawChunks := [][]byte{
		[]byte(strings.Repeat("compressible chunk one ", 500)),
		pseudoRandom(20*1024, 101), // incompressible
		[]byte(strings.Repeat("another compressible chunk ", 400)),
	}

	serialized, containerHash := buildTestContainer(t, rawChunks)

	reader, err := ReadContainerIndex(bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("ReadContainerIndex failed: %v", err)
	}

	if reader.Hash != containerHash {
		t.Errorf("reader recomputed hash %s, builder returned %s",
			FormatHash(reader.Hash), FormatHash(containerHash))
	}
	if len(reader.Directory) != len(rawChunks) {
		t.Fatalf("directory has %d entries, want %d", len(reader.Directory), len(rawChunks))
	}
	if reader.TotalSize() != int64(len(serialized)) {
		t.Errorf("TotalSize = %d, want %d", reader.TotalSize(), len(serialized))
	}

	seeker := bytes.NewReader(serialized)
	for i, raw := range rawChunks {
		extracted, err := reader.ExtractChunk(seeker, i)
		if err != nil {
			t.Fatalf("ExtractChunk(%d) failed: %v", i, err)
		}
		if !bytes.Equal(extracted, raw) {
			t.Errorf("chunk %d: extracted data differs from original", i)
		}
	}
}

func TestContainerHashCoversDirectory(t *testing.T) {
	// Two containers with the same chunk data but different codec
	// outcomes would have different directories; here verify the
	// simpler property that distinct chunk sets produce distinct
	// container hashes.
	_, hashA := buildTestContainer(t, [][]byte{[]byte("contents A")})
	_, hashB := buildTestContainer(t, [][]byte{[]byte("contents B")})
	if hashA == hashB {
		t.Error("different chunk sets produced the same container hash")
	}

	// Same content twice: identical serialization, identical hash.
	_, hashA2 := buildTestContainer(t, [][]byte{[]byte("contents A")})
	if hashA != hashA2 {
		t.Error("same chunk set produced different container hashes")
	}
}

func TestFlushEmptyBuilder(t *testing.T) {
	builder := NewContainerBuilder()
	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err == nil {
		t.Error("Flush of an empty builder succeeded")
	}
}

func TestBuilderFitsChunkCountCap(t *testing.T) {
	builder := NewContainerBuilder()
	chunkHash := HashChunk([]byte("tiny"))
	for i := 0; i < MaxContainerChunks; i++ {
		if !builder.Fits(4) {
			t.Fatalf("Fits returned false at chunk %d, below the cap", i)
		}
		builder.AddChunk(chunkHash, []byte("tiny"), CodecNone, 4)
	}
	if builder.Fits(4) {
		t.Error("Fits returned true at the chunk count cap")
	}
}

func TestBuilderFitsSizeCap(t *testing.T) {
	builder := NewContainerBuilder()
	builder.AddChunk(HashChunk([]byte("x")), []byte("x"), CodecNone, MaxContainerSize-10)

	if builder.Fits(11) {
		t.Error("Fits accepted a chunk that would exceed MaxContainerSize")
	}
	if !builder.Fits(10) {
		t.Error("Fits rejected a chunk that exactly reaches MaxContainerSize")
	}
}

func TestBuilderFlushResets(t *testing.T) {
	builder := NewContainerBuilder()
	builder.AddChunk(HashChunk([]byte("first")), []byte("first"), CodecNone, 5)

	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err != nil {
		t.Fatalf("first Flush failed: %v", err)
	}

	if builder.ChunkCount() != 0 {
		t.Errorf("ChunkCount after Flush = %d, want 0", builder.ChunkCount())
	}
	if builder.UncompressedSize() != 0 {
		t.Errorf("UncompressedSize after Flush = %d, want 0", builder.UncompressedSize())
	}
}

func TestReadContainerIndexRejectsBadMagic(t *testing.T) {
	serialized, _ := buildTestContainer(t, [][]byte{[]byte("chunk")})

	corrupted := append([]byte(nil), serialized...)
	corrupted[0] = 'X'
	if _, err := ReadContainerIndex(bytes.NewReader(corrupted)); err == nil {
		t.Error("accepted corrupted magic bytes")
	}
}

func TestReadContainerIndexRejectsWrongVersion(t *testing.T) {
	serialized, _ := buildTestContainer(t, [][]byte{[]byte("chunk")})

	future := append([]byte(nil), serialized...)
	future[6] = containerVersion + 1
	_, err := ReadContainerIndex(bytes.NewReader(future))
	if err == nil {
		t.Fatal("accepted a future container version")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Errorf("version error does not mention version: %v", err)
	}
}

func TestReadContainerIndexRejectsBadCounts(t *testing.T) {
	serialized, _ := buildTestContainer(t, [][]byte{[]byte("chunk")})

	zeroCount := append([]byte(nil), serialized...)
	binary.LittleEndian.PutUint32(zeroCount[8:12], 0)
	if _, err := ReadContainerIndex(bytes.NewReader(zeroCount)); err == nil {
		t.Error("accepted a zero chunk count")
	}

	hugeCount := append([]byte(nil), serialized...)
	binary.LittleEndian.PutUint32(hugeCount[8:12], MaxContainerChunks+1)
	if _, err := ReadContainerIndex(bytes.NewReader(hugeCount)); err == nil {
		t.Error("accepted a chunk count above the cap")
	}
}

func TestReadContainerIndexTruncatedDirectory(t *testing.T) {
	serialized, _ := buildTestContainer(t, [][]byte{
		[]byte(strings.Repeat("chunk data ", 100)),
	})

	truncated := serialized[:ContainerHeaderSize+10]
	if _, err := ReadContainerIndex(bytes.NewReader(truncated)); err == nil {
		t.Error("accepted a truncated directory")
	}
}

func TestChunkByteRange(t *testing.T) {
	rawChunks := [][]byte{
		pseudoRandom(10*1024, 1),
		pseudoRandom(12*1024, 2),
		pseudoRandom(9*1024, 3),
	}
	serialized, _ := buildTestContainer(t, rawChunks)
	reader, err := ReadContainerIndex(bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("ReadContainerIndex failed: %v", err)
	}

	// The full range covers header+directory to end of payload.
	start, end, err := reader.ChunkByteRange(0, 3)
	if err != nil {
		t.Fatalf("ChunkByteRange failed: %v", err)
	}
	wantStart := int64(ContainerHeaderSize + 3*DirectoryEntrySize)
	if start != wantStart {
		t.Errorf("range start = %d, want %d", start, wantStart)
	}
	if end != int64(len(serialized)) {
		t.Errorf("range end = %d, want %d", end, len(serialized))
	}

	// A sub-range's bytes decode to the right chunk.
	start, end, err = reader.ChunkByteRange(1, 2)
	if err != nil {
		t.Fatalf("ChunkByteRange(1,2) failed: %v", err)
	}
	entry := reader.Directory[1]
	if end-start != int64(entry.CompressedLength) {
		t.Errorf("sub-range length = %d, want compressed length %d", end-start, entry.CompressedLength)
	}
	decompressed, err := Decode(entry.Codec, serialized[start:end], int(entry.UncompressedLength))
	if err != nil {
		t.Fatalf("decoding sub-range failed: %v", err)
	}
	if !bytes.Equal(decompressed, rawChunks[1]) {
		t.Error("sub-range bytes did not decode to the original chunk")
	}

	// Invalid ranges.
	for _, bad := range [][2]int{{-1, 1}, {0, 4}, {2, 2}, {2, 1}} {
		if _, _, err := reader.ChunkByteRange(bad[0], bad[1]); err == nil {
			t.Errorf("ChunkByteRange(%d, %d) succeeded, want error", bad[0], bad[1])
		}
	}
}

func TestChunkOffsetsStrictlyIncreasing(t *testing.T) {
	rawChunks := [][]byte{
		pseudoRandom(10*1024, 7),
		pseudoRandom(11*1024, 8),
		pseudoRandom(12*1024, 9),
		pseudoRandom(13*1024, 10),
	}
	serialized, _ := buildTestContainer(t, rawChunks)
	reader, err := ReadContainerIndex(bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("ReadContainerIndex failed: %v", err)
	}

	var previousEnd int64
	for i := range reader.Directory {
		start, end, err := reader.ChunkByteRange(i, i+1)
		if err != nil {
			t.Fatalf("ChunkByteRange(%d, %d) failed: %v", i, i+1, err)
		}
		if start != previousEnd && i > 0 {
			t.Errorf("chunk %d starts at %d, previous ended at %d", i, start, previousEnd)
		}
		if end <= start {
			t.Errorf("chunk %d has non-positive byte range [%d, %d)", i, start, end)
		}
		previousEnd = end
	}
	if previousEnd != int64(len(serialized)) {
		t.Errorf("last chunk ends at %d, container is %d bytes", previousEnd, len(serialized))
	}
}

func TestExtractChunkDetectsCorruption(t *testing.T) {
	raw := pseudoRandom(16*1024, 55) // stored as CodecNone
	serialized, _ := buildTestContainer(t, [][]byte{raw})

	reader, err := ReadContainerIndex(bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("ReadContainerIndex failed: %v", err)
	}

	// Flip one byte inside the payload.
	corrupted := append([]byte(nil), serialized...)
	payloadStart := ContainerHeaderSize + DirectoryEntrySize
	corrupted[payloadStart+100] ^= 0x01

	_, err = reader.ExtractChunk(bytes.NewReader(corrupted), 0)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("ExtractChunk on corrupted payload returned %v, want *IntegrityError", err)
	}
	if integrityErr.Expected != reader.Directory[0].Hash {
		t.Error("IntegrityError.Expected does not carry the directory entry hash")
	}
}
