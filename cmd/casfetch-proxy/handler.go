// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/casfetch/casfetch/lib/cas"
	"github.com/casfetch/casfetch/lib/remote"
	"github.com/casfetch/casfetch/lib/version"
)

// downloader is the reconstruction surface the handler drives.
// *fetch.Reconstructor implements it.
type downloader interface {
	File(ctx context.Context, fileHash cas.Hash, token string, sink io.Writer) error
	FileAtPath(ctx context.Context, repo, revision, path, token string, sink io.Writer) (cas.Hash, error)
}

// handler serves the proxy's HTTP surface: health, usage, and the two
// download endpoints. The bearer token is the proxy's own credential
// for the upstream store — clients of the proxy are unauthenticated.
type handler struct {
	downloader downloader
	token      string
	logger     *slog.Logger
}

// newHandler builds the proxy's HTTP routing table.
func newHandler(d downloader, token string, logger *slog.Logger) http.Handler {
	h := &handler{downloader: d, token: token, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.usage)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /download/{owner}/{repo}/{file...}", h.downloadByPath)
	mux.HandleFunc("GET /download-hash/{hash}", h.downloadByHash)

	return h.logRequests(mux)
}

// logRequests wraps the mux with per-request structured logging.
func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}

		next.ServeHTTP(recorder, request)

		h.logger.Info("request",
			"method", request.Method,
			"path", request.URL.Path,
			"status", recorder.status,
			"bytes", recorder.bytes,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status and body size for the
// request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)
	r.bytes += int64(n)
	return n, err
}

func (h *handler) health(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]string{
		"status":  "ok",
		"version": version.Short(),
	})
}

func (h *handler) usage(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(writer, usagePage, version.Short())
}

const usagePage = `<!DOCTYPE html>
<html>
<head>
    <title>casfetch proxy</title>
    <style>
        body { font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px; }
        pre { background: #f4f4f4; padding: 15px; border-radius: 5px; overflow-x: auto; }
        code { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>casfetch proxy</h1>
    <p>Version: %s</p>

    <h2>Endpoints</h2>

    <h3>Health check</h3>
    <code>GET /health</code>

    <h3>Download by repository and path</h3>
    <code>GET /download/{owner}/{repo}/{file}</code>
    <pre>curl http://localhost:8077/download/openai/gpt-oss-20b/model.safetensors -o model.safetensors</pre>

    <h3>Download by content hash</h3>
    <code>GET /download-hash/{hash}</code>
    <p>The hash is the 64-hex file hash from a repository listing.</p>
    <pre>curl http://localhost:8077/download-hash/89dbfa4888600b29be17ddee8bdbf9c48999c81cb811964eee6b057d8467f927 -o model.safetensors</pre>
</body>
</html>
`

func (h *handler) downloadByPath(writer http.ResponseWriter, request *http.Request) {
	owner := request.PathValue("owner")
	repo := request.PathValue("repo")
	filePath := request.PathValue("file")
	repoID := owner + "/" + repo

	h.logger.Info("download by path", "repo", repoID, "file", filePath)

	h.stream(writer, request, path.Base(filePath), func(ctx context.Context, sink io.Writer) error {
		_, err := h.downloader.FileAtPath(ctx, repoID, "main", filePath, h.token, sink)
		return err
	})
}

func (h *handler) downloadByHash(writer http.ResponseWriter, request *http.Request) {
	hashHex := request.PathValue("hash")

	if !cas.IsHexHash(hashHex) {
		writeError(writer, http.StatusBadRequest, "invalid hash (expected 64 hex characters)")
		return
	}
	fileHash, err := cas.ParseHash(hashHex)
	if err != nil {
		writeError(writer, http.StatusBadRequest, "invalid hash (expected 64 hex characters)")
		return
	}

	h.logger.Info("download by hash", "hash", hashHex)

	h.stream(writer, request, hashHex[:8]+".bin", func(ctx context.Context, sink io.Writer) error {
		return h.downloader.File(ctx, fileHash, h.token, sink)
	})
}

// stream runs the download with the response as sink. Errors before
// the first byte map to a JSON error response; errors mid-stream can
// only abort the connection, since the status line is already gone.
func (h *handler) stream(writer http.ResponseWriter, request *http.Request, filename string, download func(ctx context.Context, sink io.Writer) error) {
	sink := &deferredSink{writer: writer, filename: filename}

	err := download(request.Context(), sink)
	if err == nil {
		// Zero-length files produce no writes; emit the headers now.
		sink.begin()
		return
	}

	if sink.started {
		h.logger.Error("download aborted mid-stream", "filename", filename, "error", err)
		panic(http.ErrAbortHandler)
	}

	status := statusFor(err)
	h.logger.Error("download failed",
		"filename", filename,
		"status", status,
		"fatal", remote.IsFatal(err),
		"error", err,
	)
	writeError(writer, status, err.Error())
}

// deferredSink delays the success headers until the first payload
// byte, keeping the status line available for error mapping during
// manifest resolution and the first range fetch.
type deferredSink struct {
	writer   http.ResponseWriter
	filename string
	started  bool
}

func (s *deferredSink) begin() {
	if s.started {
		return
	}
	s.started = true
	s.writer.Header().Set("Content-Type", "application/octet-stream")
	s.writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.filename))
	s.writer.WriteHeader(http.StatusOK)
}

func (s *deferredSink) Write(data []byte) (int, error) {
	s.begin()
	return s.writer.Write(data)
}

// statusFor maps the error taxonomy to HTTP statuses. Upstream
// protocol violations and content corruption are 502 (the proxy's
// upstream is at fault), client mistakes are 4xx, everything else
// is 500.
func statusFor(err error) int {
	var notFound *remote.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var unauthorized *remote.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return http.StatusUnauthorized
	}
	var protocolErr *remote.ProtocolError
	if errors.As(err, &protocolErr) {
		return http.StatusBadGateway
	}
	var codecErr *cas.CodecError
	if errors.As(err, &codecErr) {
		return http.StatusBadGateway
	}
	var integrityErr *cas.IntegrityError
	if errors.As(err, &integrityErr) {
		return http.StatusBadGateway
	}
	var transientErr *remote.TransientError
	if errors.As(err, &transientErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError emits a JSON error body. Messages carry resource
// identity only — never tokens.
func writeError(writer http.ResponseWriter, status int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]string{"error": message})
}
