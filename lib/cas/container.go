// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Container format constants.
const (
	// containerVersion is the format version byte embedded in the
	// magic. Version 1 is the initial format.
	containerVersion = 1

	// ContainerHeaderSize is the fixed header: 8-byte magic + 4-byte
	// little-endian chunk count.
	ContainerHeaderSize = 12

	// DirectoryEntrySize is the size of each directory entry:
	// 32-byte chunk hash + 1-byte codec tag + 3 reserved bytes
	// + 4-byte compressed length + 4-byte uncompressed length
	// + 4 reserved bytes. The reserved bytes keep the uint32 fields
	// 4-byte aligned and the entry stride at 8 bytes.
	DirectoryEntrySize = 48

	// MaxContainerChunks is the maximum number of chunks per
	// container. A container is finalized when it reaches this count
	// or when the uncompressed running total would exceed
	// MaxContainerSize.
	MaxContainerChunks = 1024

	// MaxContainerSize is the hard cap on a container's total
	// uncompressed chunk data: 64 MiB. The serialized container may
	// exceed this only by the bounded header and directory overhead.
	MaxContainerSize = 64 * 1024 * 1024
)

// containerMagic is the 8-byte container signature.
var containerMagic = [8]byte{'C', 'A', 'S', 'F', 'B', 'X', containerVersion, 0}

// DirectoryEntry describes a single chunk within a container.
type DirectoryEntry struct {
	// Hash is the chunk-domain BLAKE3 keyed hash of the uncompressed
	// chunk data.
	Hash Hash

	// Codec is the compression codec used for this chunk.
	Codec CodecTag

	// CompressedLength is the byte length of the compressed chunk
	// data stored in the payload.
	CompressedLength uint32

	// UncompressedLength is the original byte length before
	// compression.
	UncompressedLength uint32
}

// AppendDirectoryEntry serializes entry and appends it to buf. The
// encoding is the on-disk and wire directory entry format.
func AppendDirectoryEntry(buf []byte, entry DirectoryEntry) []byte {
	buf = append(buf, entry.Hash[:]...)
	buf = append(buf, byte(entry.Codec), 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, entry.CompressedLength)
	buf = binary.LittleEndian.AppendUint32(buf, entry.UncompressedLength)
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

// ParseDirectoryEntry decodes one serialized directory entry. The
// input must be exactly DirectoryEntrySize bytes.
func ParseDirectoryEntry(data []byte) (DirectoryEntry, error) {
	var entry DirectoryEntry
	if len(data) != DirectoryEntrySize {
		return entry, fmt.Errorf("directory entry is %d bytes, want %d", len(data), DirectoryEntrySize)
	}

	copy(entry.Hash[:], data[:32])

	tag := CodecTag(data[32])
	if tag >= codecTagCount {
		return entry, fmt.Errorf("unsupported codec tag %d", tag)
	}
	entry.Codec = tag

	if data[33] != 0 || data[34] != 0 || data[35] != 0 {
		return entry, fmt.Errorf("non-zero reserved bytes after codec tag: %x", data[33:36])
	}

	entry.CompressedLength = binary.LittleEndian.Uint32(data[36:40])
	entry.UncompressedLength = binary.LittleEndian.Uint32(data[40:44])

	if data[44] != 0 || data[45] != 0 || data[46] != 0 || data[47] != 0 {
		return entry, fmt.Errorf("non-zero trailing reserved bytes: %x", data[44:48])
	}

	return entry, nil
}

// ParseDirectoryEntries decodes count consecutive serialized entries.
// Used both for container directories and for the chunk-range wire
// format, which carries the same entry encoding.
func ParseDirectoryEntries(data []byte, count int) ([]DirectoryEntry, error) {
	if len(data) != count*DirectoryEntrySize {
		return nil, fmt.Errorf("directory is %d bytes, want %d for %d entries",
			len(data), count*DirectoryEntrySize, count)
	}
	entries := make([]DirectoryEntry, count)
	for i := 0; i < count; i++ {
		entry, err := ParseDirectoryEntry(data[i*DirectoryEntrySize : (i+1)*DirectoryEntrySize])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries[i] = entry
	}
	return entries, nil
}

// ContainerBuilder accumulates compressed chunks and serializes them
// as a container. The format places the directory before the payload,
// so the builder buffers chunk data in memory until [Flush].
//
// Typical usage:
//
//	builder := NewContainerBuilder()
//	for each chunk {
//		if !builder.Fits(len(chunk.Data)) {
//			builder.Flush(w)
//		}
//		builder.AddChunk(chunk.Hash, compressed, tag, uint32(len(chunk.Data)))
//	}
//	builder.Flush(w)
type ContainerBuilder struct {
	directory        []DirectoryEntry
	data             [][]byte
	uncompressedSize int64
}

// NewContainerBuilder creates a builder for a new container.
func NewContainerBuilder() *ContainerBuilder {
	return &ContainerBuilder{}
}

// AddChunk appends a compressed chunk to the container being built.
// chunkHash must be the chunk-domain hash of the UNCOMPRESSED data;
// compressedData is the chunk after encoding (the raw data itself
// when tag is CodecNone).
func (b *ContainerBuilder) AddChunk(chunkHash Hash, compressedData []byte, tag CodecTag, uncompressedLength uint32) {
	b.directory = append(b.directory, DirectoryEntry{
		Hash:               chunkHash,
		Codec:              tag,
		CompressedLength:   uint32(len(compressedData)),
		UncompressedLength: uncompressedLength,
	})
	b.data = append(b.data, compressedData)
	b.uncompressedSize += int64(uncompressedLength)
}

// Fits reports whether a chunk of the given uncompressed length can
// be added without exceeding the container caps. An empty builder
// always fits (a single oversized chunk cannot exist: chunks are
// bounded by MaxChunkSize, far below MaxContainerSize).
func (b *ContainerBuilder) Fits(uncompressedLength int) bool {
	if len(b.directory) == 0 {
		return true
	}
	if len(b.directory) >= MaxContainerChunks {
		return false
	}
	return b.uncompressedSize+int64(uncompressedLength) <= MaxContainerSize
}

// ChunkCount returns the number of chunks added so far.
func (b *ContainerBuilder) ChunkCount() int {
	return len(b.directory)
}

// UncompressedSize returns the total uncompressed data size
// accumulated so far.
func (b *ContainerBuilder) UncompressedSize() int64 {
	return b.uncompressedSize
}

// Flush serializes the complete container to w and returns the
// container hash (verification-domain hash over the serialized header
// and directory). The builder is reset for reuse.
//
// Returns an error if the builder is empty.
func (b *ContainerBuilder) Flush(w io.Writer) (Hash, error) {
	if len(b.directory) == 0 {
		return Hash{}, fmt.Errorf("cannot flush empty container")
	}

	// Serialize header + directory into one buffer: it is both the
	// hash input and the first write.
	prefix := make([]byte, 0, ContainerHeaderSize+len(b.directory)*DirectoryEntrySize)
	prefix = append(prefix, containerMagic[:]...)
	prefix = binary.LittleEndian.AppendUint32(prefix, uint32(len(b.directory)))
	for _, entry := range b.directory {
		prefix = AppendDirectoryEntry(prefix, entry)
	}

	containerHash := HashDirectory(prefix)

	if _, err := w.Write(prefix); err != nil {
		return Hash{}, fmt.Errorf("writing container directory: %w", err)
	}
	for i, d := range b.data {
		if _, err := w.Write(d); err != nil {
			return Hash{}, fmt.Errorf("writing chunk %d data: %w", i, err)
		}
	}

	b.directory = b.directory[:0]
	b.data = b.data[:0]
	b.uncompressedSize = 0

	return containerHash, nil
}

// ContainerReader reads chunks from a serialized container. Create
// one with [ReadContainerIndex], then extract chunks with
// [ContainerReader.ReadChunkData] or [ContainerReader.ExtractChunk].
type ContainerReader struct {
	// Directory is the parsed directory from the container header.
	Directory []DirectoryEntry

	// Hash is the container's content address (verification-domain
	// hash over the serialized header and directory).
	Hash Hash

	// dataOffset is the byte offset where payload begins (after
	// header + directory).
	dataOffset int64

	// chunkOffsets[i] is the byte offset of chunk i's compressed
	// data relative to dataOffset. Strictly increasing by
	// construction.
	chunkOffsets []int64
}

// ReadContainerIndex reads and validates the container header and
// directory from r. The reader must be positioned at the start of the
// container; after this call it is positioned at the start of the
// payload.
func ReadContainerIndex(r io.Reader) (*ContainerReader, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading container magic: %w", err)
	}
	if magic != containerMagic {
		if magic[0] == 'C' && magic[1] == 'A' && magic[2] == 'S' &&
			magic[3] == 'F' && magic[4] == 'B' && magic[5] == 'X' {
			return nil, fmt.Errorf("container version %d is not supported (this code supports version %d)",
				magic[6], containerVersion)
		}
		return nil, fmt.Errorf("not a casfetch container (invalid magic bytes)")
	}

	var countBytes [4]byte
	if _, err := io.ReadFull(r, countBytes[:]); err != nil {
		return nil, fmt.Errorf("reading chunk count: %w", err)
	}
	chunkCount := binary.LittleEndian.Uint32(countBytes[:])

	if chunkCount == 0 {
		return nil, fmt.Errorf("container has zero chunks")
	}
	if chunkCount > MaxContainerChunks {
		return nil, fmt.Errorf("container declares %d chunks, maximum is %d", chunkCount, MaxContainerChunks)
	}

	directoryBytes := make([]byte, int(chunkCount)*DirectoryEntrySize)
	if _, err := io.ReadFull(r, directoryBytes); err != nil {
		return nil, fmt.Errorf("reading container directory: %w", err)
	}
	directory, err := ParseDirectoryEntries(directoryBytes, int(chunkCount))
	if err != nil {
		return nil, fmt.Errorf("parsing container directory: %w", err)
	}

	// Recompute the container hash from the exact serialized prefix.
	prefix := make([]byte, 0, ContainerHeaderSize+len(directoryBytes))
	prefix = append(prefix, magic[:]...)
	prefix = append(prefix, countBytes[:]...)
	prefix = append(prefix, directoryBytes...)
	containerHash := HashDirectory(prefix)

	// Payload offsets: strictly increasing, non-overlapping.
	dataOffset := int64(ContainerHeaderSize) + int64(chunkCount)*int64(DirectoryEntrySize)
	chunkOffsets := make([]int64, chunkCount)
	var offset int64
	for i := range directory {
		chunkOffsets[i] = offset
		offset += int64(directory[i].CompressedLength)
	}

	return &ContainerReader{
		Directory:    directory,
		Hash:         containerHash,
		dataOffset:   dataOffset,
		chunkOffsets: chunkOffsets,
	}, nil
}

// PayloadLength returns the total compressed payload size: the sum of
// the directory entries' compressed lengths.
func (cr *ContainerReader) PayloadLength() int64 {
	var total int64
	for _, entry := range cr.Directory {
		total += int64(entry.CompressedLength)
	}
	return total
}

// TotalSize returns the full serialized size of the container
// (header + directory + payload).
func (cr *ContainerReader) TotalSize() int64 {
	return cr.dataOffset + cr.PayloadLength()
}

// ChunkByteRange returns the byte range [start, end) of the compressed
// payload for chunks [startChunk, endChunk), relative to the start of
// the serialized container. This is what lets a client fetch a sub-
// range of the payload for a contiguous chunk run without pulling the
// whole aggregate.
func (cr *ContainerReader) ChunkByteRange(startChunk, endChunk int) (int64, int64, error) {
	if startChunk < 0 || endChunk > len(cr.Directory) || startChunk >= endChunk {
		return 0, 0, fmt.Errorf("chunk range [%d, %d) out of bounds [0, %d)",
			startChunk, endChunk, len(cr.Directory))
	}
	start := cr.dataOffset + cr.chunkOffsets[startChunk]
	end := cr.dataOffset + cr.chunkOffsets[endChunk-1] + int64(cr.Directory[endChunk-1].CompressedLength)
	return start, end, nil
}

// ReadChunkData reads a single chunk's compressed data from a
// seekable reader positioned anywhere in the container.
func (cr *ContainerReader) ReadChunkData(rs io.ReadSeeker, chunkIndex int) ([]byte, error) {
	if chunkIndex < 0 || chunkIndex >= len(cr.Directory) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", chunkIndex, len(cr.Directory))
	}

	entry := cr.Directory[chunkIndex]
	offset := cr.dataOffset + cr.chunkOffsets[chunkIndex]

	if _, err := rs.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to chunk %d at offset %d: %w", chunkIndex, offset, err)
	}

	data := make([]byte, entry.CompressedLength)
	if _, err := io.ReadFull(rs, data); err != nil {
		return nil, fmt.Errorf("reading chunk %d data (%d bytes): %w", chunkIndex, entry.CompressedLength, err)
	}

	return data, nil
}

// ExtractChunk reads, decompresses, and verifies a single chunk from
// a seekable container. Returns the uncompressed chunk data; the
// chunk hash is checked against the directory entry.
func (cr *ContainerReader) ExtractChunk(rs io.ReadSeeker, chunkIndex int) ([]byte, error) {
	compressed, err := cr.ReadChunkData(rs, chunkIndex)
	if err != nil {
		return nil, err
	}

	entry := cr.Directory[chunkIndex]
	decompressed, err := Decode(entry.Codec, compressed, int(entry.UncompressedLength))
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk %d: %w", chunkIndex, err)
	}

	actualHash := HashChunk(decompressed)
	if actualHash != entry.Hash {
		return nil, &IntegrityError{
			What:     fmt.Sprintf("chunk %d", chunkIndex),
			Expected: entry.Hash,
			Actual:   actualHash,
		}
	}

	return decompressed, nil
}
