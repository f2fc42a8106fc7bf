package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hedgeedge/core/internal/copier"
)

func (s *Server) handleUpdateGroups(w http.ResponseWriter, r *http.Request) {
	var groups []*copier.CopierGroup
	if !s.decodeJSON(w, r, &groups) {
		return
	}
	s.copier.UpdateGroups(groups)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"groups":  len(groups),
	})
}

func (s *Server) handleUpdateAccountMap(w http.ResponseWriter, r *http.Request) {
	var accountMap map[string]string
	if !s.decodeJSON(w, r, &accountMap) {
		return
	}
	s.copier.UpdateAccountMap(accountMap)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSetCopierEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.copier.SetGlobalEnabled(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"enabled": req.Enabled,
	})
}

func (s *Server) handleCopierStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": s.copier.GetGroupStats(),
	})
}

func (s *Server) handleCopierActivity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activity": s.copier.GetActivityLog(limit),
	})
}

func (s *Server) handleHedgePnL(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hedgePnL": s.copier.GetHedgePnLByLeader(),
	})
}

func (s *Server) handleSyncOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogDir string `json:"logDir"`
	}
	_ = s.decodeBodyOptional(r, &req)
	if req.LogDir == "" {
		req.LogDir = s.cfg.RegistrationDir
	}

	applied, err := s.copier.SyncOfflineTrades(req.LogDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"applied": applied,
	})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.copier.ResetCircuitBreaker(chi.URLParam(r, "followerID"))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleEvaluateDailyLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TerminalID   string  `json:"terminalId"`
		LimitPercent float64 `json:"limitPercent"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TerminalID == "" {
		s.writeError(w, http.StatusBadRequest, "terminalId is required")
		return
	}

	snap := s.terminals.GetLastSnapshot(req.TerminalID)
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "no snapshot for terminal")
		return
	}
	s.writeJSON(w, http.StatusOK, s.limits.Evaluate(snap, req.LimitPercent))
}

func (s *Server) handleDailyLimitState(w http.ResponseWriter, r *http.Request) {
	state := s.limits.State(chi.URLParam(r, "accountID"))
	if state == nil {
		s.writeError(w, http.StatusNotFound, "no daily limit state for account")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.backup.CreateAndUploadBackup(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.backup.ListBackups(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}
