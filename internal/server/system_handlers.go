package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports process and host health for the UI status bar.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := systemStats()

	ids := s.terminals.TerminalIDs()
	connected := 0
	alive := 0
	for _, id := range ids {
		if s.terminals.IsTerminalConnected(id) {
			connected++
		}
		if s.terminals.IsTerminalAlive(id) {
			alive++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "running",
		"version":       s.cfg.AppVersion,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"cpuPercent":    cpuPercent,
		"memoryPercent": memPercent,
		"goroutines":    runtime.NumGoroutine(),
		"terminals": map[string]interface{}{
			"total":     len(ids),
			"connected": connected,
			"alive":     alive,
		},
	})
}

// systemStats samples host CPU and memory usage. Failures degrade to zero
// rather than failing the status call.
func systemStats() (float64, float64) {
	var cpuPercent, memPercent float64

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if stat, err := mem.VirtualMemory(); err == nil {
		memPercent = stat.UsedPercent
	}
	return cpuPercent, memPercent
}
