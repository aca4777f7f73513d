package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dd0wney/cluso-fleet/pkg/config"
	"github.com/dd0wney/cluso-fleet/pkg/hostmgr"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
	"github.com/dd0wney/cluso-fleet/pkg/validation"
)

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

// respondFailure maps a domain error to its status code
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", logging.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	var handshakeErr *hostmgr.HandshakeError
	switch {
	case errors.Is(err, validation.ErrInvalidRequest),
		errors.Is(err, config.ErrInvalidOverride):
		return http.StatusBadRequest
	case errors.Is(err, hostmgr.ErrUnknownCluster),
		errors.Is(err, storage.ErrHostNotFound),
		errors.Is(err, config.ErrOverrideNotFound):
		return http.StatusNotFound
	case errors.Is(err, hostmgr.ErrDuplicateAddress),
		errors.Is(err, storage.ErrDuplicateID),
		errors.Is(err, hostmgr.ErrOSVersionMismatch):
		return http.StatusConflict
	case errors.As(err, &handshakeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the body into v, rejecting unknown fields
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", validation.ErrInvalidRequest, err)
	}
	return nil
}
