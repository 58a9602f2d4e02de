// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Directory names within the store root.
const (
	containerDir = "containers"
	manifestDir  = "manifests"
	tmpDir       = "tmp"
)

// Store is the local encode-side container/manifest store. Write
// streams content through the chunker, compressor, and container
// builder onto disk; Read reconstructs a file from local containers.
// Containers and manifests are immutable once written — identical
// content produces identical files, so a second Write of the same
// bytes stores nothing new.
//
// The store is safe for concurrent reads but not concurrent writes;
// callers serialize writes.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the given directory. The
// directory structure is created if it does not exist.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, containerDir),
		filepath.Join(root, manifestDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// EncodeResult is returned by [Store.Write] with metadata about the
// encoded file.
type EncodeResult struct {
	// FileHash is the file-domain BLAKE3 hash (the file identity).
	FileHash Hash

	// Size is the total uncompressed content size in bytes.
	Size int64

	// ChunkCount is the number of chunks the content was split into.
	ChunkCount int

	// ContainerCount is the number of containers referenced by the
	// manifest (existing deduplicated containers included).
	ContainerCount int

	// StoredBytes is the serialized size of containers newly written
	// by this call. Zero when everything deduplicated against
	// containers already on disk.
	StoredBytes int64

	// DedupedBytes is the serialized size of containers that already
	// existed on disk and were only re-referenced.
	DedupedBytes int64
}

// Write ingests content from r, chunks it, compresses each chunk with
// the best codec, packs the chunks into containers, and writes the
// containers plus a manifest to disk. The input is streamed — peak
// memory is bounded by one container's payload, not the file size.
func (s *Store) Write(r io.Reader) (*EncodeResult, error) {
	chunker := NewStreamChunker(r)

	var (
		chunkHashes []Hash
		terms       []Term
		builder     = NewContainerBuilder()
		totalSize   int64
		result      EncodeResult
	)

	flush := func() error {
		if builder.ChunkCount() == 0 {
			return nil
		}
		chunksFlushed := builder.ChunkCount()

		containerHash, containerSize, existed, err := s.writeContainer(builder)
		if err != nil {
			return err
		}
		if existed {
			result.DedupedBytes += containerSize
		} else {
			result.StoredBytes += containerSize
		}

		terms = append(terms, Term{
			Container:  containerHash,
			StartChunk: 0,
			EndChunk:   chunksFlushed,
		})
		return nil
	}

	for {
		chunk, err := chunker.Next()
		if err != nil {
			return nil, fmt.Errorf("chunking content: %w", err)
		}
		if chunk == nil {
			break
		}

		if !builder.Fits(len(chunk.Data)) {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		tag, compressed := Encode(chunk.Data)
		// Encode may alias the input for CodecNone; the chunker's
		// buffer is reused, so a CodecNone payload must be copied
		// before the next chunk overwrites it.
		if tag == CodecNone {
			compressed = append([]byte(nil), compressed...)
		}

		builder.AddChunk(chunk.Hash, compressed, tag, uint32(len(chunk.Data)))
		chunkHashes = append(chunkHashes, chunk.Hash)
		totalSize += int64(len(chunk.Data))
	}

	if len(chunkHashes) == 0 {
		return nil, fmt.Errorf("cannot store empty content")
	}

	if err := flush(); err != nil {
		return nil, err
	}

	fileHash := FileHashFromChunks(chunkHashes)

	manifest := &Manifest{
		Version:    ManifestVersion,
		FileHash:   fileHash,
		Size:       totalSize,
		ChunkCount: len(chunkHashes),
		Terms:      terms,
	}
	if err := s.writeManifest(fileHash, manifest); err != nil {
		return nil, err
	}

	result.FileHash = fileHash
	result.Size = totalSize
	result.ChunkCount = len(chunkHashes)
	result.ContainerCount = len(terms)
	return &result, nil
}

// Read reconstructs a file from local containers and writes the
// content to w. Every chunk hash is verified against its directory
// entry, and the recomputed file hash must match — a mismatch returns
// an *IntegrityError.
func (s *Store) Read(fileHash Hash, w io.Writer) (int64, error) {
	manifest, err := s.ReadManifest(fileHash)
	if err != nil {
		return 0, err
	}

	if err := manifest.Validate(); err != nil {
		return 0, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.FileHash != fileHash {
		return 0, fmt.Errorf("manifest file hash %s does not match requested %s",
			FormatHash(manifest.FileHash), FormatHash(fileHash))
	}

	var totalWritten int64
	var chunkHashes []Hash

	for termIndex, term := range manifest.Terms {
		file, err := os.Open(s.ContainerPath(term.Container))
		if err != nil {
			return totalWritten, fmt.Errorf("opening container %s: %w",
				FormatHash(term.Container), err)
		}

		cr, err := ReadContainerIndex(file)
		if err != nil {
			file.Close()
			return totalWritten, fmt.Errorf("reading container %s directory: %w",
				FormatHash(term.Container), err)
		}

		if cr.Hash != term.Container {
			file.Close()
			return totalWritten, &IntegrityError{
				What:     fmt.Sprintf("container (term %d)", termIndex),
				Expected: term.Container,
				Actual:   cr.Hash,
			}
		}

		if term.EndChunk > len(cr.Directory) {
			file.Close()
			return totalWritten, fmt.Errorf("term %d: chunk range [%d, %d) out of bounds (container has %d chunks)",
				termIndex, term.StartChunk, term.EndChunk, len(cr.Directory))
		}

		for chunkIndex := term.StartChunk; chunkIndex < term.EndChunk; chunkIndex++ {
			decompressed, err := cr.ExtractChunk(file, chunkIndex)
			if err != nil {
				file.Close()
				return totalWritten, fmt.Errorf("extracting chunk %d from container %s: %w",
					chunkIndex, FormatHash(term.Container), err)
			}

			written, err := w.Write(decompressed)
			if err != nil {
				file.Close()
				return totalWritten, fmt.Errorf("writing chunk %d: %w", chunkIndex, err)
			}
			totalWritten += int64(written)

			chunkHashes = append(chunkHashes, cr.Directory[chunkIndex].Hash)
		}

		file.Close()
	}

	computed := FileHashFromChunks(chunkHashes)
	if computed != fileHash {
		return totalWritten, &IntegrityError{
			What:     "file",
			Expected: fileHash,
			Actual:   computed,
		}
	}

	return totalWritten, nil
}

// Exists checks whether a manifest for the given file hash is on
// disk.
func (s *Store) Exists(fileHash Hash) bool {
	_, err := os.Stat(s.manifestPath(fileHash))
	return err == nil
}

// ReadManifest reads a manifest from disk.
func (s *Store) ReadManifest(fileHash Hash) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(fileHash))
	if err != nil {
		return nil, fmt.Errorf("reading manifest for %s: %w", FormatHash(fileHash), err)
	}
	return UnmarshalManifest(data)
}

// writeContainer flushes the builder to disk via atomic rename
// through the tmp directory. Returns the container hash, serialized
// size, and whether an identical container already existed (dedup).
func (s *Store) writeContainer(builder *ContainerBuilder) (Hash, int64, bool, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "container-*.bin")
	if err != nil {
		return Hash{}, 0, false, fmt.Errorf("creating temp container file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	containerHash, err := builder.Flush(tmpFile)
	if err != nil {
		tmpFile.Close()
		return Hash{}, 0, false, fmt.Errorf("flushing container: %w", err)
	}

	info, err := tmpFile.Stat()
	if err != nil {
		tmpFile.Close()
		return Hash{}, 0, false, fmt.Errorf("stating temp container: %w", err)
	}
	containerSize := info.Size()

	if err := tmpFile.Close(); err != nil {
		return Hash{}, 0, false, fmt.Errorf("closing temp container: %w", err)
	}

	finalPath := s.ContainerPath(containerHash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Hash{}, 0, false, fmt.Errorf("creating container shard directory: %w", err)
	}

	// Same content produces the same hash: if the container already
	// exists it is identical by construction, so the temp file is
	// simply discarded.
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
		success = true
		return containerHash, containerSize, true, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Hash{}, 0, false, fmt.Errorf("renaming container to %s: %w", finalPath, err)
	}

	success = true
	return containerHash, containerSize, false, nil
}

// writeManifest writes a manifest to disk via atomic rename.
func (s *Store) writeManifest(fileHash Hash, manifest *Manifest) error {
	data, err := MarshalManifest(manifest)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "manifest-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp manifest file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing manifest data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing manifest file: %w", err)
	}

	finalPath := s.manifestPath(fileHash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating manifest shard directory: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming manifest to %s: %w", finalPath, err)
	}

	success = true
	return nil
}

// ContainerPath returns the sharded filesystem path for a container:
// containers/a3/f9/a3f9b2c1....
func (s *Store) ContainerPath(hash Hash) string {
	hex := FormatHash(hash)
	return filepath.Join(s.root, containerDir, hex[:2], hex[2:4], hex)
}

// manifestPath returns the sharded filesystem path for a manifest.
func (s *Store) manifestPath(fileHash Hash) string {
	hex := FormatHash(fileHash)
	return filepath.Join(s.root, manifestDir, hex[:2], hex[2:4], hex+".cbor")
}

// ReadContent reads a file into a byte slice. For large files, prefer
// [Store.Read] with a streaming writer.
func (s *Store) ReadContent(fileHash Hash) ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := s.Read(fileHash, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// WriteContent stores content from a byte slice. For large files,
// prefer [Store.Write] with a streaming reader.
func (s *Store) WriteContent(content []byte) (*EncodeResult, error) {
	return s.Write(bytes.NewReader(content))
}
