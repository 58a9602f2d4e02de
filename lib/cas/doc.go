// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressable storage engine at the
// core of casfetch. It provides chunking, hashing, compression, and
// container management — the pure data pipeline that the remote client,
// fetch pipeline, CLI, and proxy build on.
//
// The package is organized in layers, each usable independently:
//
//   - Hashing: BLAKE3 with domain-separated keyed mode. Four domains
//     (chunk, verify, node, file) prevent cross-domain collisions.
//     File hashes are Merkle roots over chunk hashes, wrapped in the
//     file domain, so any chunk can be verified independently and the
//     whole file verified at the end of a stream.
//
//   - Chunking: GearHash content-defined chunking (CDC) with 64KiB
//     target, 8KiB minimum, 128KiB maximum. Boundary placement depends
//     only on content, so insertions and deletions shift nearby chunks
//     while the rest of the file deduplicates unchanged.
//
//   - Compression: Per-chunk transparent compression with five codecs
//     (none, LZ4, zstd, BG4+LZ4, bitslice+LZ4). The byte-group and
//     bitslice transposes reorder numeric tensor data so LZ4 sees the
//     slowly-varying high bytes together. Chunk hashes are computed on
//     uncompressed bytes, so deduplication is codec-independent. A
//     chunk is stored compressed only when the codec actually shrinks
//     it.
//
//   - Containers: Binary format aggregating up to 1024 compressed
//     chunks or 64MiB of uncompressed data into one unit. A fixed
//     directory precedes the payload, so a single bounded read yields
//     every chunk's codec, length, and offset by arithmetic. The
//     container hash covers the serialized directory.
//
//   - Manifests: CBOR-encoded metadata mapping a file hash to the
//     ordered list of containers and chunk ranges (terms) needed to
//     reassemble the original content.
//
//   - Store: Local filesystem operations. Write path streams content
//     through chunker → compressor → container builder → disk. Read
//     path resolves the manifest → containers → chunks → decompressed
//     output, verifying each chunk hash and the final file hash.
//
//   - Range cache (linux/darwin): a bounded local cache of fetched
//     chunk ranges over a memory-mapped block ring. The ring evicts
//     whole blocks oldest-first; an append-only index log keyed by
//     derived range hashes survives restarts. Blob CRCs are checked
//     on every read, so a corrupt entry degrades to a refetch.
//
// File references are file-domain BLAKE3 hashes, rendered as 64 hex
// characters in user-facing contexts.
//
// Manifests use CBOR (RFC 8949) with Core Deterministic Encoding for
// compactness and reproducibility. Struct types use json struct tags —
// fxamacker/cbor falls back to json tags, so the same types work with
// both encoders.
package cas
