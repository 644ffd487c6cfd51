package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/syncagent/syncagent/internal/server/meta"
)

// contextKey keeps context values private to this package.
type contextKey string

const machineContextKey contextKey = "machine"

// machineFromContext returns the authenticated machine stored by the
// bearerAuth middleware, or nil when the route is unauthenticated.
func machineFromContext(ctx context.Context) *meta.Machine {
	m, ok := ctx.Value(machineContextKey).(*meta.Machine)
	if !ok {
		return nil
	}
	return m
}

// extractBearerToken pulls the token out of an Authorization: Bearer
// header.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// bearerAuth validates the machine bearer token on every request,
// stores the machine in the request context, and records last_seen.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			unauthorized(w, "authorization required")
			return
		}

		machine, err := s.meta.ValidateToken(r.Context(), token)
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		if err := s.meta.TouchLastSeen(r.Context(), machine.ID); err != nil {
			s.logger.Warn("updating last_seen failed", "machine_id", machine.ID, "error", err)
		}

		ctx := context.WithValue(r.Context(), machineContextKey, machine)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
