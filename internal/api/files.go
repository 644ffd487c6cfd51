package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/syncagent/syncagent/internal/server/meta"
)

// filePathParam extracts the relative file path from a wildcard
// route. Paths travel URL-escaped; a path that escapes the sync
// namespace or is empty is rejected.
func filePathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "*")

	path, err := url.PathUnescape(raw)
	if err != nil || path == "" {
		badRequest(w, "invalid file path")
		return "", false
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		badRequest(w, "invalid file path")
		return "", false
	}
	return path, true
}

type createFileRequest struct {
	Path        string          `json:"path"`
	Size        int64           `json:"size"`
	ContentHash string          `json:"content_hash"`
	Chunks      []meta.ChunkRef `json:"chunks"`
}

type updateFileRequest struct {
	Size          int64           `json:"size"`
	ContentHash   string          `json:"content_hash"`
	ParentVersion int64           `json:"parent_version"`
	Chunks        []meta.ChunkRef `json:"chunks"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.meta.ListFiles(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("listing files failed", "error", err)
		internalError(w, "listing files failed")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Path == "" || req.ContentHash == "" {
		badRequest(w, "path and content_hash are required")
		return
	}

	machine := machineFromContext(r.Context())

	file, err := s.meta.CreateFile(r.Context(), req.Path, req.Size, req.ContentHash, req.Chunks, machine.ID)
	switch {
	case errors.Is(err, meta.ErrPathExists):
		conflict(w, "a file already exists at this path")
	case err != nil:
		s.logger.Error("creating file failed", "path", req.Path, "error", err)
		internalError(w, "creating file failed")
	default:
		writeJSON(w, http.StatusCreated, file)
	}
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path, ok := filePathParam(w, r)
	if !ok {
		return
	}

	file, err := s.meta.GetFile(r.Context(), path)
	switch {
	case errors.Is(err, meta.ErrFileNotFound):
		notFound(w, "file not found")
	case err != nil:
		s.logger.Error("getting file failed", "path", path, "error", err)
		internalError(w, "getting file failed")
	default:
		writeJSON(w, http.StatusOK, file)
	}
}

// handleUpdateFile is the optimistic-concurrency commit point: the
// update succeeds only when parent_version matches the server's
// current version, otherwise the client gets 409 and runs its
// conflict protocol.
func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	path, ok := filePathParam(w, r)
	if !ok {
		return
	}

	var req updateFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	machine := machineFromContext(r.Context())

	file, err := s.meta.UpdateFile(r.Context(), path, req.Size, req.ContentHash, req.ParentVersion, req.Chunks, machine.ID)
	switch {
	case errors.Is(err, meta.ErrFileNotFound):
		notFound(w, "file not found")
	case errors.Is(err, meta.ErrVersionConflict):
		conflict(w, "version conflict: the file changed on the server")
	case err != nil:
		s.logger.Error("updating file failed", "path", path, "error", err)
		internalError(w, "updating file failed")
	default:
		writeJSON(w, http.StatusOK, file)
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path, ok := filePathParam(w, r)
	if !ok {
		return
	}

	machine := machineFromContext(r.Context())

	err := s.meta.DeleteFile(r.Context(), path, machine.ID)
	switch {
	case errors.Is(err, meta.ErrFileNotFound):
		notFound(w, "file not found")
	case err != nil:
		s.logger.Error("deleting file failed", "path", path, "error", err)
		internalError(w, "deleting file failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleFileChunks(w http.ResponseWriter, r *http.Request) {
	path, ok := filePathParam(w, r)
	if !ok {
		return
	}

	hashes, err := s.meta.FileChunks(r.Context(), path)
	switch {
	case errors.Is(err, meta.ErrFileNotFound):
		notFound(w, "file not found")
	case err != nil:
		s.logger.Error("listing file chunks failed", "path", path, "error", err)
		internalError(w, "listing file chunks failed")
	default:
		writeJSON(w, http.StatusOK, hashes)
	}
}
