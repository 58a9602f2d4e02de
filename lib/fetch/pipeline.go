// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch implements the parallel download pipeline that turns a
// manifest into the original file bytes: coalesced range fetches from
// the remote store, concurrent decode and verification on worker
// goroutines, and strictly in-order streaming to the caller's sink
// through a fixed-size reorder ring.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/remote"
)

// Pipeline defaults and bounds.
const (
	// DefaultWorkers is the default number of concurrent fetch tasks.
	DefaultWorkers = 6

	// MaxWorkers bounds the configurable worker count. More
	// concurrency than this saturates the hub connection pool without
	// improving throughput.
	MaxWorkers = 64

	// DefaultTaskTimeout is the per-task deadline: one coalesced
	// range fetch plus decode and verification.
	DefaultTaskTimeout = 2 * time.Minute
)

// taskState tracks a fetch task through its lifecycle, for logging.
type taskState int

const (
	statePending taskState = iota
	stateFetching
	stateReassembling
	stateStreaming
	stateDone
	stateFailed
)

func (s taskState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFetching:
		return "fetching"
	case stateReassembling:
		return "reassembling"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RangeFetcher is the single remote operation the pipeline needs. The
// production implementation is *remote.Client; tests substitute an
// in-memory store.
type RangeFetcher interface {
	FetchChunkRange(ctx context.Context, containerHash cas.Hash, startChunk, endChunk int, token string) (*remote.ChunkRange, error)
}

// Config configures a Pipeline. Zero values take defaults.
type Config struct {
	// Workers is the number of concurrent fetch tasks, 1 to
	// MaxWorkers. The reorder ring has the same size, so peak memory
	// is Workers times the largest coalesced range.
	Workers int

	// TaskTimeout is the deadline for a single fetch task.
	TaskTimeout time.Duration

	// Logger receives task state transitions at debug level.
	Logger *slog.Logger
}

// Pipeline downloads manifests. Safe for concurrent use: each Run
// carries its own state.
type Pipeline struct {
	fetcher     RangeFetcher
	workers     int
	taskTimeout time.Duration
	logger      *slog.Logger
}

// NewPipeline creates a pipeline over the given fetcher.
func NewPipeline(fetcher RangeFetcher, cfg Config) (*Pipeline, error) {
	workers := cfg.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	if workers < 1 || workers > MaxWorkers {
		return nil, fmt.Errorf("fetch: workers must be 1 to %d, got %d", MaxWorkers, workers)
	}

	taskTimeout := cfg.TaskTimeout
	if taskTimeout == 0 {
		taskTimeout = DefaultTaskTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		fetcher:     fetcher,
		workers:     workers,
		taskTimeout: taskTimeout,
		logger:      logger,
	}, nil
}

// task is one coalesced fetch unit: a contiguous chunk run within a
// single container.
type task struct {
	seq  int
	term cas.Term
}

// taskResult carries a completed task to the promoter. chunks are the
// decoded plaintext chunks in file order; hashes are the corresponding
// directory entry hashes, used for the final Merkle verification.
type taskResult struct {
	seq    int
	chunks [][]byte
	hashes []cas.Hash
	err    error
}

// coalesceTerms merges adjacent terms that reference the same
// container with contiguous chunk ranges. Each merged term becomes one
// range fetch, so fragmentation in the manifest never inflates the
// request count.
func coalesceTerms(terms []cas.Term) []cas.Term {
	if len(terms) == 0 {
		return nil
	}

	merged := make([]cas.Term, 0, len(terms))
	current := terms[0]
	for _, term := range terms[1:] {
		if term.Container == current.Container && term.StartChunk == current.EndChunk {
			current.EndChunk = term.EndChunk
			continue
		}
		merged = append(merged, current)
		current = term
	}
	return append(merged, current)
}

// Run downloads the file the manifest describes, streaming plaintext
// to sink strictly in file order. Bytes are written as soon as their
// task is promoted — nothing buffers the whole file. After the last
// chunk, the Merkle root over all chunk hashes (file-domain wrapped)
// is compared against the manifest's FileHash; a mismatch returns a
// *cas.IntegrityError.
//
// The first fatal task error cancels all in-flight tasks. Bytes
// already streamed are not retracted: on error the sink holds an
// unusable partial prefix.
func (p *Pipeline) Run(ctx context.Context, manifest *cas.Manifest, token string, sink io.Writer) error {
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("fetch: invalid manifest: %w", err)
	}

	tasks := make([]task, 0, len(manifest.Terms))
	for seq, term := range coalesceTerms(manifest.Terms) {
		tasks = append(tasks, task{seq: seq, term: term})
	}

	p.logger.Debug("starting fetch",
		"file", cas.FormatHash(manifest.FileHash),
		"size", manifest.Size,
		"chunks", manifest.ChunkCount,
		"tasks", len(tasks),
		"workers", p.workers,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The ticket channel bounds the in-flight window: a task needs a
	// permit to start and its permit is released only when its bytes
	// have been streamed. At most p.workers tasks hold memory at any
	// moment, independent of file size.
	tickets := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		tickets <- struct{}{}
	}

	completed := make(chan taskResult)

	go func() {
		for _, t := range tasks {
			p.logger.Debug("task state", "seq", t.seq, "state", statePending)
			select {
			case <-ctx.Done():
				return
			case <-tickets:
			}
			go p.runTask(ctx, t, token, completed)
		}
	}()

	// Reorder ring, indexed by sequence number modulo the window
	// size. Slot collisions are impossible: tasks are dispatched in
	// sequence order and a permit outlives its task until streaming,
	// so every in-flight sequence number lies within [next, next +
	// workers).
	ring := make([]*taskResult, p.workers)
	next := 0
	chunkHashes := make([]cas.Hash, 0, manifest.ChunkCount)

	for next < len(tasks) {
		var result taskResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result = <-completed:
		}

		if result.err != nil {
			p.logger.Debug("task state", "seq", result.seq, "state", stateFailed, "error", result.err)
			return result.err
		}
		ring[result.seq%p.workers] = &result

		// Promote every consecutive completion starting at next.
		for slot := ring[next%p.workers]; slot != nil && slot.seq == next; slot = ring[next%p.workers] {
			ring[next%p.workers] = nil

			p.logger.Debug("task state", "seq", slot.seq, "state", stateStreaming)
			for _, chunk := range slot.chunks {
				if _, err := sink.Write(chunk); err != nil {
					return fmt.Errorf("fetch: writing to sink: %w", err)
				}
			}
			chunkHashes = append(chunkHashes, slot.hashes...)
			p.logger.Debug("task state", "seq", slot.seq, "state", stateDone)

			tickets <- struct{}{}
			next++
			if next == len(tasks) {
				break
			}
		}
	}

	if len(chunkHashes) != manifest.ChunkCount {
		return &remote.ProtocolError{Operation: "fetch", Err: fmt.Errorf(
			"streamed %d chunks, manifest declares %d", len(chunkHashes), manifest.ChunkCount)}
	}

	computed := cas.FileHashFromChunks(chunkHashes)
	if computed != manifest.FileHash {
		return &cas.IntegrityError{
			What:     "file",
			Expected: manifest.FileHash,
			Actual:   computed,
		}
	}

	p.logger.Debug("fetch complete", "file", cas.FormatHash(manifest.FileHash))
	return nil
}

// runTask fetches, decodes, and verifies one coalesced chunk run, then
// hands the result to the promoter. The fetch and the CPU work both
// happen here, on the worker, so the promoter only ever copies bytes.
func (p *Pipeline) runTask(ctx context.Context, t task, token string, completed chan<- taskResult) {
	result := taskResult{seq: t.seq}

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	p.logger.Debug("task state", "seq", t.seq, "state", stateFetching,
		"container", cas.FormatHash(t.term.Container),
		"chunks", fmt.Sprintf("%d-%d", t.term.StartChunk, t.term.EndChunk),
	)
	chunkRange, err := p.fetcher.FetchChunkRange(taskCtx, t.term.Container, t.term.StartChunk, t.term.EndChunk, token)
	if err != nil {
		// A task that exhausted its own deadline while the pipeline is
		// still live is a stall, not the caller giving up. Classify it
		// so callers map it to the retry-exhausted taxonomy rather than
		// a bare context error.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &remote.TransientError{Attempts: 1, Err: fmt.Errorf(
				"fetch task %d timed out after %s", t.seq, p.taskTimeout)}
		}
		result.err = err
	} else {
		p.logger.Debug("task state", "seq", t.seq, "state", stateReassembling)
		result.chunks, result.hashes, result.err = decodeAndVerify(chunkRange)
	}

	select {
	case completed <- result:
	case <-ctx.Done():
	}
}

// decodeAndVerify decompresses every chunk in a fetched range and
// checks it against its directory entry hash. Any mismatch is a
// *cas.IntegrityError, any codec failure a *cas.CodecError; both are
// fatal.
func decodeAndVerify(chunkRange *remote.ChunkRange) ([][]byte, []cas.Hash, error) {
	chunks := make([][]byte, len(chunkRange.Entries))
	hashes := make([]cas.Hash, len(chunkRange.Entries))

	for i, entry := range chunkRange.Entries {
		decoded, err := cas.Decode(entry.Codec, chunkRange.Compressed[i], int(entry.UncompressedLength))
		if err != nil {
			return nil, nil, fmt.Errorf("fetch: chunk %d: %w", i, err)
		}

		actual := cas.HashChunk(decoded)
		if actual != entry.Hash {
			return nil, nil, &cas.IntegrityError{
				What:     fmt.Sprintf("chunk %d", i),
				Expected: entry.Hash,
				Actual:   actual,
			}
		}

		chunks[i] = decoded
		hashes[i] = entry.Hash
	}

	return chunks, hashes, nil
}
