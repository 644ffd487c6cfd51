package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syncagent/syncagent/internal/server/blob"
)

// maxChunkBody caps a single chunk upload. Chunks are at most 8 MiB
// of plaintext plus AEAD overhead; anything larger is a broken or
// hostile client.
const maxChunkBody = 16 << 20

// handlePutChunk stores an encrypted chunk blob. Re-uploading an
// existing hash is a no-op success because the store is content
// addressed.
func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk storage unavailable")
		return
	}

	hash := chi.URLParam(r, "hash")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil {
		badRequest(w, "reading chunk body failed")
		return
	}
	if len(data) == 0 {
		badRequest(w, "empty chunk body")
		return
	}
	if len(data) > maxChunkBody {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}

	if err := s.blobs.Put(hash, data); err != nil {
		if errors.Is(err, blob.ErrBadHash) {
			badRequest(w, "malformed chunk hash")
			return
		}
		s.logger.Error("storing chunk failed", "hash", hash, "error", err)
		internalError(w, "storing chunk failed")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk storage unavailable")
		return
	}

	hash := chi.URLParam(r, "hash")

	data, err := s.blobs.Get(hash)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		notFound(w, "chunk not found")
	case errors.Is(err, blob.ErrBadHash):
		badRequest(w, "malformed chunk hash")
	case err != nil:
		s.logger.Error("reading chunk failed", "hash", hash, "error", err)
		internalError(w, "reading chunk failed")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			s.logger.Debug("chunk download aborted", "hash", hash, "error", err)
		}
	}
}

// handleHeadChunk is the dedup probe: 200 when the blob exists, 404
// otherwise. Uploaders call this before encrypting a chunk.
func (s *Server) handleHeadChunk(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	hash := chi.URLParam(r, "hash")

	exists, err := s.blobs.Exists(hash)
	switch {
	case errors.Is(err, blob.ErrBadHash):
		w.WriteHeader(http.StatusBadRequest)
	case err != nil:
		s.logger.Error("checking chunk failed", "hash", hash, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	case exists:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "chunk storage unavailable")
		return
	}

	hash := chi.URLParam(r, "hash")

	err := s.blobs.Delete(hash)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		notFound(w, "chunk not found")
	case errors.Is(err, blob.ErrBadHash):
		badRequest(w, "malformed chunk hash")
	case err != nil:
		s.logger.Error("deleting chunk failed", "hash", hash, "error", err)
		internalError(w, "deleting chunk failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
