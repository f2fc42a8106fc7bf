package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/reader"
)

// terminalView is the list projection of one connected terminal.
type terminalView struct {
	TerminalID string `json:"terminalId"`
	Connected  bool   `json:"connected"`
	Alive      bool   `json:"alive"`
	Slave      bool   `json:"slave"`
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	ids := s.terminals.TerminalIDs()
	views := make([]terminalView, 0, len(ids))
	for _, id := range ids {
		views = append(views, terminalView{
			TerminalID: id,
			Connected:  s.terminals.IsTerminalConnected(id),
			Alive:      s.terminals.IsTerminalAlive(id),
			Slave:      s.terminals.IsSlaveTerminal(id),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"terminals": views})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	// An empty body means a plain cached scan.
	_ = s.decodeBodyOptional(r, &req)

	connected := s.terminals.ScanAndConnect(req.Force)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"connected": connected,
	})
}

func (s *Server) handleConnectTerminal(w http.ResponseWriter, r *http.Request) {
	var reg domain.EARegistration
	if !s.decodeJSON(w, r, &reg) {
		return
	}
	connect := s.terminals.Connect
	if reg.IsSlave() {
		connect = s.terminals.ConnectSlave
	}
	if err := connect(&reg); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"terminalId": reg.Login,
	})
}

func (s *Server) handleConnectPipe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TerminalID  string `json:"terminalId"`
		DataPipe    string `json:"dataPipe"`
		CommandPipe string `json:"commandPipe"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TerminalID == "" || req.DataPipe == "" {
		s.writeError(w, http.StatusBadRequest, "terminalId and dataPipe are required")
		return
	}

	if err := s.terminals.ConnectPipe(req.TerminalID, req.DataPipe, req.CommandPipe); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleTerminalStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	s.writeJSON(w, http.StatusOK, terminalView{
		TerminalID: id,
		Connected:  s.terminals.IsTerminalConnected(id),
		Alive:      s.terminals.IsTerminalAlive(id),
		Slave:      s.terminals.IsSlaveTerminal(id),
	})
}

func (s *Server) handleTerminalSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	snap := s.terminals.GetLastSnapshot(id)
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "no snapshot for terminal")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTerminalDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	s.terminals.SafeDisconnect(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleTerminalCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	var req struct {
		Action string                 `json:"action"`
		Params map[string]interface{} `json:"params"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	s.writeResult(w, s.terminals.SendCommand(id, req.Action, req.Params))
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	var req struct {
		Symbol     string   `json:"symbol"`
		Side       string   `json:"side"`
		Volume     float64  `json:"volume"`
		StopLoss   *float64 `json:"sl"`
		TakeProfit *float64 `json:"tp"`
		Magic      *int     `json:"magic"`
		Comment    string   `json:"comment"`
		Deviation  *int     `json:"deviation"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Volume <= 0 {
		s.writeError(w, http.StatusBadRequest, "symbol and positive volume are required")
		return
	}

	s.writeResult(w, s.terminals.OpenPosition(id, reader.OpenPositionParams{
		Symbol:     req.Symbol,
		Side:       domain.Side(req.Side),
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Magic:      req.Magic,
		Comment:    req.Comment,
		Deviation:  req.Deviation,
	}))
}

func (s *Server) handleModifyPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	var req struct {
		Ticket     string   `json:"ticket"`
		StopLoss   *float64 `json:"sl"`
		TakeProfit *float64 `json:"tp"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Ticket == "" {
		s.writeError(w, http.StatusBadRequest, "ticket is required")
		return
	}
	s.writeResult(w, s.terminals.ModifyPosition(id, req.Ticket, req.StopLoss, req.TakeProfit))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "terminalID")
	var req struct {
		PositionID string `json:"positionId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.PositionID == "" {
		s.writeError(w, http.StatusBadRequest, "positionId is required")
		return
	}
	s.writeResult(w, s.terminals.ClosePosition(id, req.PositionID))
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.terminals.CloseAll(chi.URLParam(r, "terminalID")))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.terminals.Pause(chi.URLParam(r, "terminalID")))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.terminals.Resume(chi.URLParam(r, "terminalID")))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.terminals.Ping(chi.URLParam(r, "terminalID")))
}
