// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"testing"

	"github.com/casfetch/casfetch/cmd/casfetch/cli"
)

func TestSplitRepoRevision(t *testing.T) {
	tests := []struct {
		input        string
		wantRepo     string
		wantRevision string
		wantErr      bool
	}{
		{"openai/gpt-oss-20b", "openai/gpt-oss-20b", "main", false},
		{"openai/gpt-oss-20b@v2.1", "openai/gpt-oss-20b", "v2.1", false},
		{"openai/gpt-oss-20b@", "", "", true},
		{"no-slash", "", "", true},
		{"/leading", "", "", true},
		{"trailing/", "", "", true},
	}

	for _, tt := range tests {
		repo, revision, err := splitRepoRevision(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitRepoRevision(%q) = nil error, want error", tt.input)
				continue
			}
			var usageErr *cli.UsageError
			if !errors.As(err, &usageErr) {
				t.Errorf("splitRepoRevision(%q) error type = %T, want *cli.UsageError", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitRepoRevision(%q) error: %v", tt.input, err)
			continue
		}
		if repo != tt.wantRepo || revision != tt.wantRevision {
			t.Errorf("splitRepoRevision(%q) = (%q, %q), want (%q, %q)",
				tt.input, repo, revision, tt.wantRepo, tt.wantRevision)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 << 20, "3.0 MB"},
		{5 << 30, "5.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
