package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brunobiangulo/docdigest"
)

type handler struct {
	engine docdigest.Engine
}

func newHandler(e docdigest.Engine) *handler {
	return &handler{engine: e}
}

// POST /process
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path     string `json:"path"`
		MaxPages *int   `json:"max_pages,omitempty"`
		NoStore  bool   `json:"no_store,omitempty"`
	}

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			tmpPath, cleanup, err := saveUpload(file, header.Filename)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			defer cleanup()
			req.Path = tmpPath
		}
	}

	if req.Path == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}

		// Validate that path is a real file (prevents directory traversal probing).
		absPath, err := filepath.Abs(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, err := os.Stat(absPath)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		req.Path = absPath
	}

	var opts []docdigest.ProcessOption
	if req.MaxPages != nil {
		opts = append(opts, docdigest.WithMaxPages(*req.MaxPages))
	}
	if req.NoStore {
		opts = append(opts, docdigest.WithoutStore())
	}

	res, err := h.engine.Process(ctx, req.Path, opts...)
	switch {
	case errors.Is(err, docdigest.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported document format")
		return
	case errors.Is(err, docdigest.ErrExtractionFailed):
		writeError(w, http.StatusUnprocessableEntity, "document could not be parsed")
		slog.Error("process: extraction failed", "request_id", requestID(r.Context()), "error", err)
		return
	case err != nil && res == nil:
		writeError(w, http.StatusInternalServerError, "processing failed")
		slog.Error("process error", "request_id", requestID(r.Context()), "error", err)
		return
	case err != nil:
		// Partial result after cancellation or timeout.
		slog.Warn("process interrupted", "request_id", requestID(r.Context()), "error", err)
		writeJSON(w, http.StatusGatewayTimeout, res)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// saveUpload copies an uploaded file into a fresh temp directory, keeping
// the base name so the format can be resolved from the extension.
func saveUpload(src io.Reader, filename string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "docdigest-upload-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	// Sanitise filename to prevent path traversal.
	path := filepath.Join(dir, filepath.Base(filename))
	dst, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, err
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	var req struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results,omitempty"`
		Kind       string `json:"kind,omitempty"`
		RunID      string `json:"run_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	switch req.Kind {
	case "", "text", "table", "image":
	default:
		writeError(w, http.StatusBadRequest, "kind must be text, table or image")
		return
	}

	var opts []docdigest.SearchOption
	if req.MaxResults > 0 && req.MaxResults <= 100 {
		opts = append(opts, docdigest.WithMaxResults(req.MaxResults))
	}
	if req.Kind != "" {
		opts = append(opts, docdigest.WithKind(req.Kind))
	}
	if req.RunID != "" {
		opts = append(opts, docdigest.WithRunID(req.RunID))
	}

	hits, err := h.engine.Search(ctx, req.Query, opts...)
	switch {
	case errors.Is(err, docdigest.ErrNoResults):
		hits = []docdigest.Hit{}
	case errors.Is(err, docdigest.ErrStoreDisabled):
		writeError(w, http.StatusServiceUnavailable, "store is disabled")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "search failed")
		slog.Error("search error", "request_id", requestID(r.Context()), "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.Runs(r.Context())
	if err != nil {
		h.storeError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []docdigest.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}/summaries
func (h *handler) handleRunSummaries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rows, err := h.engine.RunSummaries(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "failed to load summaries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "summaries": rows})
}

// DELETE /runs/{id}
func (h *handler) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteRun(r.Context(), id); err != nil {
		h.storeError(w, r, "delete failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handler) storeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, docdigest.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, docdigest.ErrStoreDisabled):
		writeError(w, http.StatusServiceUnavailable, "store is disabled")
	default:
		writeError(w, http.StatusInternalServerError, msg)
		slog.Error(msg, "request_id", requestID(r.Context()), "error", err)
	}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
