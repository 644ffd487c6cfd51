package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// router assembles the chi route tree. Everything under /api requires
// a bearer token; /health and machine registration are open, and the
// WebSocket endpoints do their own token handling because the client
// token travels in the path, not a header.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api/machines/register", s.handleRegisterMachine)

	r.Get("/ws/client/{token}", s.handleClientSocket)
	r.Get("/ws/dashboard", s.handleDashboardSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/api/machines", s.handleListMachines)
		r.Delete("/api/machines/{id}", s.handleDeleteMachine)

		r.Get("/api/files", s.handleListFiles)
		r.Post("/api/files", s.handleCreateFile)
		r.Get("/api/files/*", s.handleGetFile)
		r.Put("/api/files/*", s.handleUpdateFile)
		r.Delete("/api/files/*", s.handleDeleteFile)

		r.Get("/api/chunks/*", s.handleFileChunks)

		r.Put("/api/storage/chunks/{hash}", s.handlePutChunk)
		r.Get("/api/storage/chunks/{hash}", s.handleGetChunk)
		r.Head("/api/storage/chunks/{hash}", s.handleHeadChunk)
		r.Delete("/api/storage/chunks/{hash}", s.handleDeleteChunk)

		r.Get("/api/trash", s.handleListTrash)
		r.Post("/api/trash/*", s.handleRestoreFile)

		r.Get("/api/changes", s.handleGetChanges)
		r.Get("/api/changes/latest", s.handleLatestChange)
	})

	return r
}

// requestLogger logs each request with its status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
