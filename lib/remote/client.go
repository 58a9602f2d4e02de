// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the HTTP client for a casfetch remote
// store: file listings, manifest lookups, and partial container
// fetches, all authenticated with a caller-supplied bearer token.
//
// Failures are classified into a small error taxonomy. *NotFoundError,
// *UnauthorizedError, and *ProtocolError are fatal — retrying would
// reproduce the same answer. *TransientError covers timeouts,
// connection resets, and 408/429/5xx responses; the client retries
// those internally with bounded exponential backoff, so callers only
// ever see one once retries are exhausted.
package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/netutil"
)

// Retry defaults. A transient failure is retried with exponential
// backoff: 200ms, 400ms, 800ms, capped at RetryBackoffMax, up to
// RetryAttempts total tries. Each attempt runs under its own
// AttemptTimeout so a single hung connection burns one attempt, not
// the caller's whole deadline.
const (
	DefaultRetryAttempts   = 4
	DefaultRetryBackoff    = 200 * time.Millisecond
	DefaultRetryBackoffMax = 5 * time.Second
	DefaultAttemptTimeout  = 30 * time.Second
)

// ClientConfig configures a remote store client. The zero value of
// every optional field is replaced with a sensible default.
type ClientConfig struct {
	// Endpoint is the remote store base URL, without a trailing
	// slash (e.g. "https://cas.example.com"). Required.
	Endpoint string

	// HTTPClient is the transport used for all requests. All
	// concurrent fetch tasks share its connection pool. Defaults to
	// a client with a 2 minute overall timeout.
	HTTPClient *http.Client

	// RetryAttempts is the total number of tries for a transiently
	// failing request. Defaults to DefaultRetryAttempts.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; each
	// subsequent retry doubles it. Defaults to DefaultRetryBackoff.
	RetryBackoff time.Duration

	// RetryBackoffMax caps the doubled backoff. Defaults to
	// DefaultRetryBackoffMax.
	RetryBackoffMax time.Duration

	// AttemptTimeout is the deadline for a single request attempt. An
	// attempt that hits it is treated as transient and retried while
	// the caller's context is still live. Defaults to
	// DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// Logger receives retry and request diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client talks to a casfetch remote store. Safe for concurrent use:
// it holds no per-request state, and tokens are passed per call
// rather than stored.
type Client struct {
	endpoint        string
	httpClient      *http.Client
	retryAttempts   int
	retryBackoff    time.Duration
	retryBackoffMax time.Duration
	attemptTimeout  time.Duration
	logger          *slog.Logger
}

// NewClient creates a remote store client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote: endpoint is required")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote: endpoint %q must be http or https", cfg.Endpoint)
	}

	client := &Client{
		endpoint:        cfg.Endpoint,
		httpClient:      cfg.HTTPClient,
		retryAttempts:   cfg.RetryAttempts,
		retryBackoff:    cfg.RetryBackoff,
		retryBackoffMax: cfg.RetryBackoffMax,
		attemptTimeout:  cfg.AttemptTimeout,
		logger:          cfg.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if client.retryAttempts <= 0 {
		client.retryAttempts = DefaultRetryAttempts
	}
	if client.retryBackoff <= 0 {
		client.retryBackoff = DefaultRetryBackoff
	}
	if client.retryBackoffMax <= 0 {
		client.retryBackoffMax = DefaultRetryBackoffMax
	}
	if client.attemptTimeout <= 0 {
		client.attemptTimeout = DefaultAttemptTimeout
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

// FileEntry is one file in a repository revision listing.
type FileEntry struct {
	// Path is the repository-relative file path.
	Path string `json:"path"`

	// Size is the file's uncompressed size in bytes.
	Size int64 `json:"size"`

	// Hash is the file-domain content hash, or nil when the file is
	// not content-addressed (small metadata files served inline by
	// the hub).
	Hash *cas.Hash `json:"hash,omitempty"`
}

// ListFiles returns the file listing for a repository revision.
// repo is "owner/name"; revision is a branch, tag, or commit (the
// server resolves it).
func (c *Client) ListFiles(ctx context.Context, repo, revision, token string) ([]FileEntry, error) {
	requestURL := fmt.Sprintf("%s/v1/repos/%s/revisions/%s/files",
		c.endpoint, repo, url.PathEscape(revision))

	body, err := c.get(ctx, "list files", requestURL, token)
	if err != nil {
		return nil, err
	}

	var entries []FileEntry
	if err := cas.UnmarshalCBOR(body, &entries); err != nil {
		return nil, &ProtocolError{Operation: "list files", Err: fmt.Errorf("decoding listing: %w", err)}
	}
	return entries, nil
}

// FetchManifest returns the manifest for a file hash.
func (c *Client) FetchManifest(ctx context.Context, fileHash cas.Hash, token string) (*cas.Manifest, error) {
	requestURL := fmt.Sprintf("%s/v1/manifests/%s", c.endpoint, cas.FormatHash(fileHash))

	body, err := c.get(ctx, "fetch manifest", requestURL, token)
	if err != nil {
		return nil, err
	}

	manifest, err := cas.UnmarshalManifest(body)
	if err != nil {
		return nil, &ProtocolError{Operation: "fetch manifest", Err: err}
	}
	if err := manifest.Validate(); err != nil {
		return nil, &ProtocolError{Operation: "fetch manifest", Err: fmt.Errorf("invalid manifest: %w", err)}
	}
	if manifest.FileHash != fileHash {
		return nil, &ProtocolError{Operation: "fetch manifest", Err: fmt.Errorf(
			"manifest is for %s, requested %s", cas.FormatHash(manifest.FileHash), cas.FormatHash(fileHash))}
	}
	return manifest, nil
}

// ChunkRange is the result of a partial container fetch: the directory
// entries for a contiguous chunk run plus each chunk's compressed
// bytes, split per entry. Compressed[i] corresponds to Entries[i];
// chunk indices are relative to the run's start within the container.
type ChunkRange struct {
	Entries    []cas.DirectoryEntry
	Compressed [][]byte
}

// FetchChunkRange fetches chunks [startChunk, endChunk) of a
// container. The server maps the chunk run to the container's payload
// byte sub-range, so a partial fetch never transfers the whole
// aggregate. The response's entry count and payload length are
// validated against each other before anything is returned.
func (c *Client) FetchChunkRange(ctx context.Context, containerHash cas.Hash, startChunk, endChunk int, token string) (*ChunkRange, error) {
	if startChunk < 0 || endChunk <= startChunk {
		return nil, fmt.Errorf("remote: invalid chunk range [%d, %d)", startChunk, endChunk)
	}

	requestURL := fmt.Sprintf("%s/v1/containers/%s?chunks=%d-%d",
		c.endpoint, cas.FormatHash(containerHash), startChunk, endChunk)

	body, err := c.get(ctx, "fetch chunk range", requestURL, token)
	if err != nil {
		return nil, err
	}

	chunkRange, err := DecodeChunkRange(body, endChunk-startChunk)
	if err != nil {
		return nil, &ProtocolError{Operation: "fetch chunk range", Err: err}
	}
	return chunkRange, nil
}

// EncodeChunkRange serializes a chunk range to the wire format: a
// 4-byte little-endian entry count, the serialized directory entries
// for the run, then their concatenated compressed payload. This is
// the byte stream the server sends and the byte stream local caches
// store.
func EncodeChunkRange(chunkRange *ChunkRange) []byte {
	size := 4 + len(chunkRange.Entries)*cas.DirectoryEntrySize
	for _, compressed := range chunkRange.Compressed {
		size += len(compressed)
	}

	buf := make([]byte, 4, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(chunkRange.Entries)))
	for _, entry := range chunkRange.Entries {
		buf = cas.AppendDirectoryEntry(buf, entry)
	}
	for _, compressed := range chunkRange.Compressed {
		buf = append(buf, compressed...)
	}
	return buf
}

// DecodeChunkRange decodes the chunk-range wire format produced by
// [EncodeChunkRange]. The entry count must equal expectedCount and
// the payload length must match what the directory declares.
func DecodeChunkRange(body []byte, expectedCount int) (*ChunkRange, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("body is %d bytes, too short for the entry count", len(body))
	}
	count := int(binary.LittleEndian.Uint32(body[:4]))
	if count != expectedCount {
		return nil, fmt.Errorf("response has %d entries, requested %d", count, expectedCount)
	}

	directoryEnd := 4 + count*cas.DirectoryEntrySize
	if len(body) < directoryEnd {
		return nil, fmt.Errorf("body is %d bytes, directory alone needs %d", len(body), directoryEnd)
	}

	entries, err := cas.ParseDirectoryEntries(body[4:directoryEnd], count)
	if err != nil {
		return nil, fmt.Errorf("parsing directory entries: %w", err)
	}

	var payloadLength int64
	for _, entry := range entries {
		payloadLength += int64(entry.CompressedLength)
	}
	payload := body[directoryEnd:]
	if int64(len(payload)) != payloadLength {
		return nil, fmt.Errorf("payload is %d bytes, directory declares %d", len(payload), payloadLength)
	}

	compressed := make([][]byte, count)
	var offset int64
	for i, entry := range entries {
		compressed[i] = payload[offset : offset+int64(entry.CompressedLength)]
		offset += int64(entry.CompressedLength)
	}

	return &ChunkRange{Entries: entries, Compressed: compressed}, nil
}

// get performs an authenticated GET with transient-failure retry and
// returns the response body of a 2xx answer.
func (c *Client) get(ctx context.Context, operation, requestURL, token string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoffFor(attempt - 1)
			c.logger.Debug("retrying remote request",
				"operation", operation,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, c.attemptTimeout)
		body, err := c.getOnce(attemptCtx, operation, requestURL, token)
		cancelAttempt()
		if err == nil {
			return body, nil
		}

		// An attempt that hit its own deadline while the caller's
		// context is still live is a stalled request, retried like any
		// other transient failure. The caller's own cancellation or
		// deadline ends the loop immediately.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			lastErr = fmt.Errorf("%s: attempt timed out after %s", operation, c.attemptTimeout)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = transient.Err
	}

	return nil, &TransientError{Attempts: c.retryAttempts, Err: lastErr}
}

// backoffFor returns the delay before retry number retryIndex
// (1-based): RetryBackoff doubled per retry, capped at
// RetryBackoffMax.
func (c *Client) backoffFor(retryIndex int) time.Duration {
	backoff := c.retryBackoff
	for i := 1; i < retryIndex; i++ {
		backoff *= 2
		if backoff >= c.retryBackoffMax {
			return c.retryBackoffMax
		}
	}
	if backoff > c.retryBackoffMax {
		return c.retryBackoffMax
	}
	return backoff
}

// getOnce performs a single GET. Transient failures are reported as
// *TransientError with Attempts 1; get aggregates them across retries.
func (c *Client) getOnce(ctx context.Context, operation, requestURL, token string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: creating %s request: %w", operation, err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Surface the context error bare; get distinguishes an
		// attempt deadline (retried) from the caller's cancellation
		// (terminal).
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Attempts: 1, Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		body, err := netutil.ReadResponse(response.Body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ProtocolError{Operation: operation, Err: fmt.Errorf("reading response body: %w", err)}
		}
		if response.ContentLength >= 0 && int64(len(body)) != response.ContentLength {
			return nil, &ProtocolError{Operation: operation, Err: fmt.Errorf(
				"body is %d bytes, Content-Length declared %d", len(body), response.ContentLength)}
		}
		return body, nil

	case response.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		return nil, &NotFoundError{Resource: request.URL.Path}

	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		return nil, &UnauthorizedError{Status: response.StatusCode}

	case response.StatusCode == http.StatusRequestTimeout ||
		response.StatusCode == http.StatusTooManyRequests ||
		response.StatusCode >= 500:
		return nil, &TransientError{Attempts: 1, Err: fmt.Errorf(
			"HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))}

	default:
		return nil, &ProtocolError{Operation: operation, Err: fmt.Errorf(
			"unexpected HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))}
	}
}

// IsFatal reports whether an error from this package (or a
// cas.IntegrityError / cas.CodecError wrapped through the fetch
// pipeline) should abort the operation rather than be retried.
// Everything except a TransientError is fatal; TransientErrors have
// already exhausted their retries by the time a caller sees one, so
// they are terminal too — this exists for callers distinguishing
// retry exhaustion from remote misbehavior in logs.
func IsFatal(err error) bool {
	var transient *TransientError
	return !errors.As(err, &transient)
}
