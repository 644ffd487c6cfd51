package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/syncagent/syncagent/internal/server/meta"
)

// handleGetChanges serves the incremental change log. The since
// parameter is an RFC 3339 timestamp; omitting it streams the log
// from the beginning.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			badRequest(w, "invalid since timestamp (RFC 3339 expected)")
			return
		}
		since = t
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	page, err := s.meta.GetChanges(r.Context(), since, limit)
	if err != nil {
		s.logger.Error("reading change log failed", "error", err)
		internalError(w, "reading change log failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLatestChange(w http.ResponseWriter, r *http.Request) {
	latest, err := s.meta.LatestChangeTimestamp(r.Context())
	if err != nil {
		s.logger.Error("reading latest change failed", "error", err)
		internalError(w, "reading latest change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"latest_timestamp": latest})
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	files, err := s.meta.ListTrash(r.Context())
	if err != nil {
		s.logger.Error("listing trash failed", "error", err)
		internalError(w, "listing trash failed")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleRestoreFile serves POST /api/trash/{path}/restore. The
// wildcard captures "{path}/restore", so the action suffix is peeled
// off here.
func (s *Server) handleRestoreFile(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")

	captured, err := url.PathUnescape(raw)
	if err != nil {
		badRequest(w, "invalid file path")
		return
	}

	path, ok := strings.CutSuffix(captured, "/restore")
	if !ok || path == "" {
		notFound(w, "unknown trash action")
		return
	}

	file, err := s.meta.RestoreFile(r.Context(), path)
	switch {
	case errors.Is(err, meta.ErrFileNotFound):
		notFound(w, "file not found in trash")
	case errors.Is(err, meta.ErrPathExists):
		conflict(w, "path was re-created after deletion; restore refused")
	case err != nil:
		s.logger.Error("restoring file failed", "path", path, "error", err)
		internalError(w, "restoring file failed")
	default:
		writeJSON(w, http.StatusOK, file)
	}
}
