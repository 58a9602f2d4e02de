// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
	"github.com/casfetch/casfetch/lib/config"
	"github.com/casfetch/casfetch/lib/fetch"
	"github.com/casfetch/casfetch/lib/remote"
)

// remoteParams carries the connection flags shared by every command
// that talks to a remote store: config file location, endpoint
// overrides, bearer token, and logging verbosity.
type remoteParams struct {
	ConfigPath  string
	Endpoint    string
	HubEndpoint string
	Token       string
	Verbose     bool
}

// addFlags registers the shared connection flags on the command's
// flag set.
func (p *remoteParams) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.ConfigPath, "config", "", "config file path (default: $CASFETCH_CONFIG)")
	flagSet.StringVar(&p.Endpoint, "endpoint", "", "remote store base URL (overrides config)")
	flagSet.StringVar(&p.HubEndpoint, "hub-endpoint", "", "listing base URL (overrides config)")
	flagSet.StringVar(&p.Token, "token", "", "bearer token (default: $CASFETCH_TOKEN)")
	flagSet.BoolVarP(&p.Verbose, "verbose", "v", false, "debug logging")
}

// load resolves the effective configuration: the config file (explicit
// --config path, else CASFETCH_CONFIG, else defaults) with endpoint
// flags layered on top.
func (p *remoteParams) load() (*config.Config, error) {
	cfg, err := loadConfig(p.ConfigPath)
	if err != nil {
		return nil, err
	}

	if p.Endpoint != "" {
		cfg.Remote.Endpoint = p.Endpoint
	}
	if p.HubEndpoint != "" {
		cfg.Remote.HubEndpoint = p.HubEndpoint
	}
	if cfg.Remote.Endpoint == "" {
		return nil, cli.Usagef("no remote endpoint: set remote.endpoint in the config file or pass --endpoint")
	}
	return cfg, nil
}

// loadConfig loads the config file at the explicit path, falling back
// to CASFETCH_CONFIG and then to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// token returns the bearer token: the --token flag when set, otherwise
// the CASFETCH_TOKEN environment variable. Empty means anonymous.
func (p *remoteParams) token() string {
	if p.Token != "" {
		return p.Token
	}
	return os.Getenv("CASFETCH_TOKEN")
}

// logger builds the command logger at the verbosity the flags ask for.
func (p *remoteParams) logger() *slog.Logger {
	return cli.NewCommandLogger(p.Verbose)
}

// newStore builds the remote store surface from the configuration.
// When the listing endpoint differs from the content endpoint, two
// clients are composed so listings go to the hub and manifests and
// containers go to the content store.
func newStore(cfg *config.Config, logger *slog.Logger) (fetch.Store, error) {
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

// splitStore routes listings to a hub client and everything else to
// the content client.
type splitStore struct {
	*remote.Client
	hub *remote.Client
}

func (s *splitStore) ListFiles(ctx context.Context, repo, revision, token string) ([]remote.FileEntry, error) {
	return s.hub.ListFiles(ctx, repo, revision, token)
}

// newReconstructor wires the fetch pipeline over the remote store,
// with the local chunk cache layered in when configured. The returned
// cleanup flushes and closes the cache; run it after the download.
func newReconstructor(cfg *config.Config, logger *slog.Logger) (*fetch.Reconstructor, func(), error) {
	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	store, cleanup := wrapWithCache(store, cfg, logger)

	reconstructor, err := fetch.NewReconstructor(store, fetch.Config{
		Workers:     cfg.Fetch.Workers,
		TaskTimeout: cfg.TaskTimeout(),
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return reconstructor, cleanup, nil
}

// splitRepoRevision splits "owner/repo[@revision]" into its parts.
// The revision defaults to "main".
func splitRepoRevision(arg string) (repo, revision string, err error) {
	repo, revision, found := strings.Cut(arg, "@")
	if !found {
		revision = "main"
	}
	if revision == "" {
		return "", "", cli.Usagef("empty revision in %q", arg)
	}
	if !strings.Contains(repo, "/") || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return "", "", cli.Usagef("repository %q must be of the form owner/name", repo)
	}
	return repo, revision, nil
}

// formatSize returns a human-readable size for status output.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
