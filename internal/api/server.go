// Package api is the coordination server's HTTP surface: the
// authenticated REST API (machines, files, chunks, trash, change log)
// and the WebSocket hub that pushes change notifications to clients
// and live status to dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/meta"
)

// Shutdown and server timeouts.
const (
	shutdownTimeout = 5 * time.Second
	readTimeout     = 30 * time.Second
	idleTimeout     = 120 * time.Second
)

// Server serves the REST API and the WebSocket endpoints. It owns
// the http.Server lifecycle; the metadata store, blob store, and hub
// are injected dependencies.
type Server struct {
	meta   *meta.Store
	blobs  *blob.Store
	hub    *Hub
	logger *slog.Logger

	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New wires a Server together. The metadata store's change hook is
// connected to the hub here so every committed file mutation is
// pushed to connected clients; nothing is emitted for failed
// transactions because the hook only runs after commit.
func New(addr string, metaStore *meta.Store, blobStore *blob.Store, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		meta:   metaStore,
		blobs:  blobStore,
		hub:    hub,
		logger: logger,
	}

	metaStore.OnChange(hub.BroadcastFileChange)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router(),
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// WriteTimeout stays unset: WebSocket connections and large
		// chunk downloads outlive any fixed per-response bound.
	}

	return s
}

// Handler exposes the router for tests that mount the API on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api: server failed: %w", err)
	}
}

// Stop shuts the HTTP server down gracefully. Safe to call more than
// once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("server shutting down")
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("api: shutdown: %w", shutdownErr)
		}
	})
	return err
}
