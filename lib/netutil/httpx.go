// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O utilities for casfetch.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound all
// response body reads at MaxResponseSize to prevent unbounded memory
// allocation from a misbehaving or malicious server. These are for
// metadata responses (file listings, manifests, error bodies) — not for
// streaming chunk-range payloads, which are read incrementally with
// explicit length bounds derived from the directory entries.
package netutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on metadata response body reads: 256 MB.
// This exists solely to prevent a pathological response from exhausting
// system memory. Legitimate listing and manifest responses are orders
// of magnitude smaller; the limit is intentionally generous so that it
// never interferes with normal operation.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a metadata response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON response body (up to MaxResponseSize
// bytes) and decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. casfetch services answer
// errors with a JSON {"error": "..."} object; those are reduced to the
// message, anything else is returned raw. Read errors are silently
// ignored — a partial or empty body is still useful in an error
// message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))

	var payload struct {
		Error string `json:"error"`
	}
	if err := DecodeResponse(bytes.NewReader(data), &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}
