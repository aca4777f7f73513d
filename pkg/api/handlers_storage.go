package api

import (
	"fmt"
	"net/http"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/validation"
)

// handleReportStorageLink records a link status reported by the storage subsystem
// and publishes the transition. Reporting the current status again publishes nothing.
func (s *Server) handleReportStorageLink(w http.ResponseWriter, r *http.Request) {
	var link model.StorageLink
	if err := decodeJSON(r, &link); err != nil {
		s.respondFailure(w, err)
		return
	}
	if link.HostID == "" || link.StorageID == "" ||
		(link.Status != model.LinkConnected && link.Status != model.LinkDisconnected) {
		s.respondFailure(w, fmt.Errorf("%w: host_id, storage_id and a known status are required", validation.ErrInvalidRequest))
		return
	}

	links, err := s.links.ListStorageLinks(r.Context(), link.HostID)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	var old model.LinkStatus
	for _, l := range links {
		if l.StorageID == link.StorageID {
			old = l.Status
		}
	}

	if err := s.links.PutStorageLink(r.Context(), link); err != nil {
		s.respondFailure(w, err)
		return
	}
	if old != link.Status {
		ev := pubsub.StorageLinkStatusChanged{HostID: link.HostID, StorageID: link.StorageID, Old: old, New: link.Status}
		if err := s.bus.Publish(r.Context(), ev); err != nil {
			s.respondFailure(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, link)
}
