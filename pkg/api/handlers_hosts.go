package api

import (
	"net/http"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// DisconnectResponse reports whether the operator request changed the host
type DisconnectResponse struct {
	HostID  string `json:"host_id"`
	Changed bool   `json:"changed"`
}

func (s *Server) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req model.AddHostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondFailure(w, err)
		return
	}

	inv, err := s.hosts.AddHost(r.Context(), &req)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleDisconnectHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed, err := s.hosts.Disconnect(r.Context(), id)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, DisconnectResponse{HostID: id, Changed: changed})
}
