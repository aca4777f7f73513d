package api

import (
	"net/http"

	"github.com/dd0wney/cluso-fleet/pkg/config"
)

// EffectiveResponse is the resolved ratio for a zone and cluster
type EffectiveResponse struct {
	Name      string `json:"name"`
	ZoneID    string `json:"zone_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	Value     int    `json:"value"`
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.overrides.List())
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var o config.Override
	if err := decodeJSON(r, &o); err != nil {
		s.respondFailure(w, err)
		return
	}
	if err := s.overrides.Set(o); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	scope := config.Scope(r.PathValue("scope"))
	if err := s.overrides.Delete(name, scope, r.PathValue("scopeID")); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEffectiveOverride(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := EffectiveResponse{
		Name:      r.PathValue("name"),
		ZoneID:    q.Get("zone"),
		ClusterID: q.Get("cluster"),
	}
	resp.Value = s.overrides.Effective(resp.Name, resp.ZoneID, resp.ClusterID)
	s.respondJSON(w, http.StatusOK, resp)
}
