// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import "fmt"

// NotFoundError reports that a requested resource does not exist on
// the remote store. Fatal: the same request would fail the same way,
// so it is never retried.
type NotFoundError struct {
	// Resource identifies what was missing (a path, a hash, a
	// repo@revision). Resource identity only — never a token.
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote: %s not found", e.Resource)
}

// UnauthorizedError reports that the remote store rejected the
// request's credentials (HTTP 401 or 403). Fatal and surfaced
// distinctly so callers can tell a bad token from a missing file.
type UnauthorizedError struct {
	// Status is the HTTP status code that triggered the rejection.
	Status int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("remote: unauthorized (HTTP %d)", e.Status)
}

// TransientError reports a failure that may succeed on retry: a
// connection reset, a timeout, HTTP 408/429, or a 5xx from the remote
// store. The client retries these internally with bounded exponential
// backoff; callers only see a TransientError once retries are
// exhausted.
type TransientError struct {
	// Attempts is how many times the request was tried before
	// giving up.
	Attempts int

	// Err is the failure from the final attempt.
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed response from the remote store: a
// truncated body, a size that disagrees with its declaration, or bytes
// that do not parse as the expected format. Fatal — the remote is
// misbehaving, not overloaded, so retrying would re-fetch the same
// malformed answer.
type ProtocolError struct {
	// Operation names the request that produced the bad response.
	Operation string

	// Err describes what was malformed.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote: %s: protocol error: %v", e.Operation, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
