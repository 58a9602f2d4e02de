// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Manifest maps a file's content hash to the ordered list of terms
// needed to reassemble the original bytes. Manifests are encoded as
// CBOR with Core Deterministic Encoding, both on the wire and at
// rest.
type Manifest struct {
	// Version is the manifest format version. Currently 1.
	Version int `json:"version"`

	// FileHash is the file-domain BLAKE3 hash: the Merkle root over
	// the ordered chunk hashes the terms resolve to, wrapped in the
	// file domain. Recomputing it from fetched chunk hashes and
	// comparing is the single authoritative end-to-end check.
	FileHash Hash `json:"file_hash"`

	// Size is the total uncompressed file size in bytes.
	Size int64 `json:"size"`

	// ChunkCount is the total number of chunks across all terms.
	ChunkCount int `json:"chunk_count"`

	// Terms is the ordered list of container references. The same
	// container may appear in multiple terms, contiguous or not —
	// repeated content is re-referenced, never re-stored.
	Terms []Term `json:"terms"`
}

// Term references a contiguous run of chunks within a single
// container, in file order. StartChunk is inclusive, EndChunk
// exclusive.
type Term struct {
	// Container is the content address of the container holding
	// these chunks.
	Container Hash `json:"container"`

	// StartChunk is the index of the first chunk within the
	// container.
	StartChunk int `json:"start_chunk"`

	// EndChunk is one past the index of the last chunk.
	EndChunk int `json:"end_chunk"`
}

// ChunkCount returns the number of chunks the term covers.
func (t Term) ChunkCount() int {
	return t.EndChunk - t.StartChunk
}

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// cborEncMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical manifest
// always produces identical bytes.
var cborEncMode cbor.EncMode

// cborDecMode is the CBOR decoder configured to accept standard CBOR.
var cborDecMode cbor.DecMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cas: CBOR encoder initialization failed: " + err.Error())
	}

	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cas: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v using Core Deterministic Encoding. Shared by
// the manifest format and the remote listing payloads so every CBOR
// byte stream in the system is deterministic.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR bytes into v.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}

// MarshalManifest encodes a Manifest to deterministic CBOR.
func MarshalManifest(manifest *Manifest) ([]byte, error) {
	data, err := cborEncMode.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest decodes a CBOR-encoded Manifest. Unknown fields
// from future versions are silently ignored (forward compatibility).
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := cborDecMode.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.Version < 1 {
		return nil, fmt.Errorf("manifest version %d is invalid (minimum 1)", manifest.Version)
	}
	return &manifest, nil
}

// Validate checks that a Manifest is internally consistent.
func (m *Manifest) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("version %d is invalid (minimum 1)", m.Version)
	}

	var zeroHash Hash
	if m.FileHash == zeroHash {
		return fmt.Errorf("file hash is zero")
	}

	if m.Size < 0 {
		return fmt.Errorf("size %d is negative", m.Size)
	}

	if m.ChunkCount < 1 {
		return fmt.Errorf("chunk count %d is invalid (minimum 1)", m.ChunkCount)
	}

	if len(m.Terms) == 0 {
		return fmt.Errorf("no terms")
	}

	var totalChunks int
	for i, term := range m.Terms {
		if term.Container == zeroHash {
			return fmt.Errorf("term %d: container hash is zero", i)
		}
		if term.StartChunk < 0 {
			return fmt.Errorf("term %d: start chunk %d is negative", i, term.StartChunk)
		}
		if term.EndChunk <= term.StartChunk {
			return fmt.Errorf("term %d: chunk range [%d, %d) is empty or inverted",
				i, term.StartChunk, term.EndChunk)
		}
		if term.EndChunk > MaxContainerChunks {
			return fmt.Errorf("term %d: end chunk %d exceeds container maximum %d",
				i, term.EndChunk, MaxContainerChunks)
		}
		totalChunks += term.ChunkCount()
	}

	if totalChunks != m.ChunkCount {
		return fmt.Errorf("term chunk counts sum to %d, but total chunk count is %d",
			totalChunks, m.ChunkCount)
	}

	return nil
}
