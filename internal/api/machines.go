package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syncagent/syncagent/internal/server/meta"
)

type registerRequest struct {
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	Invitation string `json:"invitation_token"`
}

type registerResponse struct {
	Token   string        `json:"token"`
	Machine *meta.Machine `json:"machine"`
}

// handleRegisterMachine consumes a single-use invitation and mints
// the machine plus its bearer token. This is the only unauthenticated
// mutation in the API.
func (s *Server) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Invitation == "" {
		badRequest(w, "name and invitation_token are required")
		return
	}

	machine, token, err := s.meta.RegisterMachine(r.Context(), req.Name, req.Platform, req.Invitation)
	switch {
	case errors.Is(err, meta.ErrReservedName):
		badRequest(w, "machine name is reserved")
	case errors.Is(err, meta.ErrInvalidInvitation):
		unauthorized(w, "invalid or expired invitation")
	case errors.Is(err, meta.ErrDuplicateName):
		conflict(w, "machine name already registered")
	case err != nil:
		s.logger.Error("machine registration failed", "error", err)
		internalError(w, "registration failed")
	default:
		writeJSON(w, http.StatusCreated, registerResponse{Token: token, Machine: machine})
	}
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.meta.ListMachines(r.Context())
	if err != nil {
		s.logger.Error("listing machines failed", "error", err)
		internalError(w, "listing machines failed")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

// handleDeleteMachine removes a machine, revoking its tokens via
// cascade and dropping its live socket.
func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.meta.DeleteMachine(r.Context(), id)
	switch {
	case errors.Is(err, meta.ErrServerMachine):
		forbidden(w, "the server machine cannot be deleted")
	case errors.Is(err, meta.ErrMachineNotFound):
		notFound(w, "machine not found")
	case err != nil:
		s.logger.Error("deleting machine failed", "machine_id", id, "error", err)
		internalError(w, "deleting machine failed")
	default:
		s.hub.DisconnectMachine(id)
		w.WriteHeader(http.StatusNoContent)
	}
}
