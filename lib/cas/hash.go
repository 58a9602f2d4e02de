// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. All content hashes (chunk,
// container, file) are this size. The canonical text form is the
// 64-character lowercase hex encoding.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// hashes in different contexts, so a digest computed for one purpose
// can never be replayed as another.
type domainKey [32]byte

// Domain separation keys. These are protocol constants — changing
// them invalidates every hash in that domain and breaks interop with
// existing stores. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes. Readable ASCII makes the keys
// inspectable in hex dumps without sacrificing any cryptographic
// property (BLAKE3 keyed mode treats the key as opaque).
var (
	// chunkDomainKey hashes raw (uncompressed) chunk bytes.
	chunkDomainKey = domainKey{
		'c', 'a', 's', 'f', 'e', 't', 'c', 'h', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	// verifyDomainKey hashes serialized container directories and
	// other verification records. Distinct from the chunk domain so
	// directory bytes can never collide with chunk content.
	verifyDomainKey = domainKey{
		'c', 'a', 's', 'f', 'e', 't', 'c', 'h', '.',
		'v', 'e', 'r', 'i', 'f', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	// nodeDomainKey hashes internal Merkle tree nodes (pairs of
	// child hashes).
	nodeDomainKey = domainKey{
		'c', 'a', 's', 'f', 'e', 't', 'c', 'h', '.',
		'n', 'o', 'd', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	// fileDomainKey wraps a Merkle root into a file-level identity.
	fileDomainKey = domainKey{
		'c', 'a', 's', 'f', 'e', 't', 'c', 'h', '.',
		'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashChunk computes the chunk-domain BLAKE3 keyed hash of the given
// data. This is the hash recorded in container directories and used
// for deduplication. Chunk hashes are always computed on uncompressed
// bytes so dedup works across compression codec changes.
func HashChunk(data []byte) Hash {
	return keyedHash(chunkDomainKey, data)
}

// HashFile computes the file-domain BLAKE3 keyed hash from a Merkle
// root. For single-chunk files, pass the single chunk hash. For
// multi-chunk files, pass the root computed by [MerkleRoot]. All file
// identities are file-domain hashes, regardless of chunk count.
func HashFile(merkleRoot Hash) Hash {
	return keyedHash(fileDomainKey, merkleRoot[:])
}

// HashDirectory computes the verification-domain hash over a
// container's serialized directory bytes (header plus entries). This
// is the container's content address: it depends on the chunk hashes,
// codec tags, and lengths, but not on the compression choices' byte
// placement or where the container is stored.
func HashDirectory(serialized []byte) Hash {
	return keyedHash(verifyDomainKey, serialized)
}

// MerkleRoot computes a binary Merkle tree over the given hashes and
// returns the root. The tree is constructed bottom-up: adjacent pairs
// are concatenated and hashed with the node domain key. If a level has
// an odd number of nodes, the last node is promoted to the next level
// without hashing (it is NOT duplicated — duplicating would let two
// different leaf sequences produce the same root when one is a prefix
// of the other).
//
// A single leaf is its own root. Panics if hashes is empty — callers
// are responsible for never building a tree over nothing.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		panic("cas.MerkleRoot: empty hash list")
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	// One keyed hasher, reused via Reset() for each pair. This avoids
	// allocating a Hasher per pair — the dominant allocation source
	// for large trees. Reset preserves the key.
	hasher, err := blake3.NewKeyed(nodeDomainKey[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var combined [64]byte

	hashPair := func(left, right Hash) Hash {
		copy(combined[:32], left[:])
		copy(combined[32:], right[:])
		hasher.Reset()
		hasher.Write(combined[:])
		var result Hash
		copy(result[:], hasher.Sum(nil))
		return result
	}

	// Work on a copy to avoid mutating the caller's slice.
	level := make([]Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		nextLength := (len(level) + 1) / 2
		next := make([]Hash, nextLength)

		for i := 0; i < len(level)-1; i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}

		// Odd node: promote without hashing.
		if len(level)%2 == 1 {
			next[nextLength-1] = level[len(level)-1]
		}

		level = next
	}

	return level[0]
}

// FileHashFromChunks computes the file-domain identity directly from
// an ordered list of chunk hashes.
func FileHashFromChunks(chunkHashes []Hash) Hash {
	return HashFile(MerkleRoot(chunkHashes))
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used on the wire, in manifests, logs,
// and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("content hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// IsHexHash reports whether s looks like a canonical content hash:
// exactly 64 lowercase hex characters. Used by surfaces that accept
// either a path or a hash and must tell the two apart.
func IsHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// keyedHash computes a BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only fails for a wrong key length, which domainKey
	// makes impossible.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
