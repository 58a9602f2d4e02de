// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/remote"
)

// Store is the remote surface the reconstructor drives: listing
// resolution, manifest lookup, and the range fetches the pipeline
// issues. *remote.Client implements it.
type Store interface {
	RangeFetcher
	ListFiles(ctx context.Context, repo, revision, token string) ([]remote.FileEntry, error)
	FetchManifest(ctx context.Context, fileHash cas.Hash, token string) (*cas.Manifest, error)
}

// Reconstructor resolves file references and streams reconstructed
// content. All collaborators are explicit — a Reconstructor owns
// nothing global.
type Reconstructor struct {
	store    Store
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewReconstructor creates a reconstructor over the given store.
func NewReconstructor(store Store, cfg Config) (*Reconstructor, error) {
	pipeline, err := NewPipeline(store, cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// File streams the file with the given content hash to sink. The hash
// goes straight to a manifest lookup — no listing is consulted, so a
// by-hash download works even when the caller has no repository
// access beyond the token's container grants.
func (r *Reconstructor) File(ctx context.Context, fileHash cas.Hash, token string, sink io.Writer) error {
	manifest, err := r.store.FetchManifest(ctx, fileHash, token)
	if err != nil {
		return err
	}
	return r.pipeline.Run(ctx, manifest, token, sink)
}

// FileAtPath resolves a repository path through the revision listing,
// then streams the file to sink. Returns the resolved file hash.
func (r *Reconstructor) FileAtPath(ctx context.Context, repo, revision, path, token string, sink io.Writer) (cas.Hash, error) {
	fileHash, err := r.Resolve(ctx, repo, revision, path, token)
	if err != nil {
		return cas.Hash{}, err
	}
	return fileHash, r.File(ctx, fileHash, token, sink)
}

// Resolve maps a repository path to its file hash via the revision
// listing. A path present in the listing without a content hash (a
// file the hub serves inline rather than through the store) is
// reported distinctly from a missing path.
func (r *Reconstructor) Resolve(ctx context.Context, repo, revision, path, token string) (cas.Hash, error) {
	entries, err := r.store.ListFiles(ctx, repo, revision, token)
	if err != nil {
		return cas.Hash{}, err
	}

	for _, entry := range entries {
		if entry.Path != path {
			continue
		}
		if entry.Hash == nil {
			return cas.Hash{}, fmt.Errorf("fetch: %s in %s@%s is not content-addressed", path, repo, revision)
		}
		return *entry.Hash, nil
	}

	return cas.Hash{}, &remote.NotFoundError{
		Resource: fmt.Sprintf("%s in %s@%s", path, repo, revision),
	}
}
