package server

import (
	"encoding/json"
	"net/http"

	"github.com/hedgeedge/core/internal/domain"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "hedgeedge-core",
		"version": s.cfg.AppVersion,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// writeResult maps a command result onto the HTTP response. Failures stay
// HTTP 200 with success=false; the result shape is the contract.
func (s *Server) writeResult(w http.ResponseWriter, result domain.CommandResult) {
	body := map[string]interface{}{"success": result.Success}
	if result.Error != "" {
		body["error"] = result.Error
	}
	for k, v := range result.Payload {
		if k != "success" && k != "error" {
			body[k] = v
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

// decodeBodyOptional decodes a request body when one was sent. Empty bodies
// leave v at its zero value.
func (s *Server) decodeBodyOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeJSON decodes a request body, answering 400 on malformed input.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
