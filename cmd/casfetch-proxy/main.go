// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// casfetch-proxy is an HTTP front-end over the casfetch reconstruction
// pipeline: it resolves and streams content-addressed files to plain
// HTTP clients, holding the upstream bearer token so clients need none.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/casfetch/casfetch/lib/config"
	"github.com/casfetch/casfetch/lib/fetch"
	"github.com/casfetch/casfetch/lib/httpd"
	"github.com/casfetch/casfetch/lib/remote"
	"github.com/casfetch/casfetch/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "casfetch-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Remote.Endpoint == "" {
		return fmt.Errorf("no remote endpoint: set remote.endpoint in the config file named by CASFETCH_CONFIG")
	}

	token := os.Getenv("CASFETCH_TOKEN")
	if token == "" {
		logger.Warn("CASFETCH_TOKEN is not set, upstream requests will be anonymous")
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	store, cacheCleanup := wrapWithCache(store, cfg, logger)
	defer cacheCleanup()

	reconstructor, err := fetch.NewReconstructor(store, fetch.Config{
		Workers:     cfg.Fetch.Workers,
		TaskTimeout: cfg.TaskTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	server := httpd.NewServer(httpd.ServerConfig{
		Address:         cfg.Proxy.Listen,
		Handler:         newHandler(reconstructor, token, logger),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("casfetch-proxy starting",
		"version", version.Short(),
		"listen", cfg.Proxy.Listen,
		"endpoint", cfg.Remote.Endpoint,
	)
	return server.Serve(ctx)
}

// buildStore assembles the remote store surface, splitting listings
// to the hub endpoint when it differs from the content endpoint.
func buildStore(cfg *config.Config, logger *slog.Logger) (fetch.Store, error) {
	clientConfig := remote.ClientConfig{
		Endpoint:        cfg.Remote.Endpoint,
		RetryAttempts:   cfg.Fetch.RetryAttempts,
		RetryBackoff:    cfg.RetryBackoff(),
		RetryBackoffMax: cfg.RetryBackoffMax(),
		AttemptTimeout:  cfg.AttemptTimeout(),
		Logger:          logger,
	}
	content, err := remote.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	listingEndpoint := cfg.ListingEndpoint()
	if listingEndpoint == cfg.Remote.Endpoint {
		return content, nil
	}

	clientConfig.Endpoint = listingEndpoint
	hub, err := remote.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return &splitStore{Client: content, hub: hub}, nil
}

// splitStore routes listings to the hub client and everything else to
// the content client.
type splitStore struct {
	*remote.Client
	hub *remote.Client
}

func (s *splitStore) ListFiles(ctx context.Context, repo, revision, token string) ([]remote.FileEntry, error) {
	return s.hub.ListFiles(ctx, repo, revision, token)
}
