// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import "fmt"

// IntegrityError reports a content hash mismatch: a chunk whose bytes
// do not hash to its directory entry, or a reconstructed file whose
// Merkle root does not match the manifest. Always fatal and never
// retried — it indicates corruption or a store bug, and refetching
// the same bytes would fail the same way.
type IntegrityError struct {
	// What identifies the failing resource ("chunk 3",
	// "file a3f9...", "container b2c1...").
	What string

	Expected Hash
	Actual   Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s hash mismatch: expected %s, got %s",
		e.What, FormatHash(e.Expected), FormatHash(e.Actual))
}
