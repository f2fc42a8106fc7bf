package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.Sessions(),
	})
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string `json:"accountId"`
		Platform      string `json:"platform"`
		Role          string `json:"role"`
		AutoReconnect bool   `json:"autoReconnect"`
		Login         string `json:"login"`
		Password      string `json:"password"`
		Broker        string `json:"broker"`
		Server        string `json:"server"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		s.writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	opts := session.ConnectOptions{
		Platform:      domain.Platform(req.Platform),
		Role:          domain.Role(req.Role),
		AutoReconnect: req.AutoReconnect,
	}
	if req.Login != "" {
		opts.Credentials = &session.Credentials{
			Login:    req.Login,
			Password: req.Password,
			Broker:   req.Broker,
			Server:   req.Server,
		}
	}

	s.writeJSON(w, http.StatusOK, s.sessions.Connect(req.AccountID, opts))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(chi.URLParam(r, "accountID"))
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleSessionCredentials returns the sanitized credential view. The
// password never leaves the process.
func (s *Server) handleSessionCredentials(w http.ResponseWriter, r *http.Request) {
	view := s.sessions.Sanitize(chi.URLParam(r, "accountID"))
	if view == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = s.decodeBodyOptional(r, &req)
	if req.Reason == "" {
		req.Reason = "user requested disconnect"
	}

	s.sessions.MarkDisconnected(chi.URLParam(r, "accountID"), req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSessionArchive(w http.ResponseWriter, r *http.Request) {
	s.sessions.ArchiveDisconnect(chi.URLParam(r, "accountID"))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
