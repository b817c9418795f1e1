package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Type      domain.ErrorType `json:"type,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Detail    string           `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, detail string) {
	writeJSON(w, status, ErrorResponse{Error: message, Message: message, Detail: detail})
}

// writeFailure maps a pipeline error to a status and writes it.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: http.StatusText(status), Message: err.Error()}

	var de *domain.DomainError
	if errors.As(err, &de) {
		resp.Type = de.Type
		resp.RequestID = de.RequestID
	}

	log := s.logger.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		log.Warn().Err(err).Int("status", status).Msg("Request rejected")
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case domain.IsType(err, domain.ErrorTypeValidation), domain.IsType(err, domain.ErrorTypeDocumentParse):
		return http.StatusBadRequest
	case domain.IsType(err, domain.ErrorTypeAPI), domain.IsType(err, domain.ErrorTypeIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
