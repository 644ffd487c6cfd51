package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// handleClientSocket upgrades /ws/client/{token}. The token travels
// in the path because browsers and most WebSocket clients cannot set
// an Authorization header on the upgrade request. An unknown token
// gets the dedicated 4001 close code so clients can distinguish
// "re-register" from transient failures.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("client socket upgrade failed", "error", err)
		return
	}

	machine, err := s.meta.ValidateToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		ws.Close(closeInvalidToken, "invalid token")
		return
	}

	if err := s.meta.TouchLastSeen(r.Context(), machine.ID); err != nil {
		s.logger.Warn("updating last_seen failed", "machine_id", machine.ID, "error", err)
	}

	s.hub.serveClient(r.Context(), machine, ws)
}

// handleDashboardSocket upgrades /ws/dashboard. Dashboards are
// read-only subscribers fronted by the admin surface; they get a full
// status snapshot on connect, then incremental updates.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("dashboard socket upgrade failed", "error", err)
		return
	}

	s.hub.serveDashboard(r.Context(), ws)
}
