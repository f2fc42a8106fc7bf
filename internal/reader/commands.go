package reader

import (
	"github.com/hedgeedge/core/internal/domain"
)

// SendCommand routes a command to whichever transport serves the terminal:
// ZMQ first, pipe second. An unknown or disconnected terminal yields a
// failure result, never an error.
func (r *Reader) SendCommand(id, action string, params map[string]interface{}) domain.CommandResult {
	r.mu.Lock()
	b := r.bridges[id]
	p := r.pipes[id]
	r.mu.Unlock()

	if b != nil && b.IsConnected() {
		return b.SendCommand(action, params)
	}
	if p != nil && p.IsConnected() {
		return p.SendCommand(action, params)
	}
	return domain.Fail("Terminal not connected")
}

// OpenPositionParams carries the typed arguments of an open request.
type OpenPositionParams struct {
	Symbol     string
	Side       domain.Side
	Volume     float64
	StopLoss   *float64
	TakeProfit *float64
	Magic      *int
	Comment    string
	Deviation  *int
}

// OpenPosition opens a market position on the terminal.
func (r *Reader) OpenPosition(id string, p OpenPositionParams) domain.CommandResult {
	params := map[string]interface{}{
		"symbol": p.Symbol,
		"side":   string(p.Side),
		"volume": p.Volume,
	}
	if p.StopLoss != nil {
		params["sl"] = *p.StopLoss
	}
	if p.TakeProfit != nil {
		params["tp"] = *p.TakeProfit
	}
	if p.Magic != nil {
		params["magic"] = *p.Magic
	}
	if p.Comment != "" {
		params["comment"] = p.Comment
	}
	if p.Deviation != nil {
		params["deviation"] = *p.Deviation
	}
	return r.SendCommand(id, "OPEN_POSITION", params)
}

// ModifyPosition updates stop loss and take profit on an open position.
func (r *Reader) ModifyPosition(id, ticket string, sl, tp *float64) domain.CommandResult {
	params := map[string]interface{}{"ticket": ticket}
	if sl != nil {
		params["sl"] = *sl
	}
	if tp != nil {
		params["tp"] = *tp
	}
	return r.SendCommand(id, "MODIFY_POSITION", params)
}

// ClosePosition closes one position by ticket.
func (r *Reader) ClosePosition(id, positionID string) domain.CommandResult {
	return r.SendCommand(id, "CLOSE_POSITION", map[string]interface{}{"positionId": positionID})
}

// CloseAll closes every open position on the terminal.
func (r *Reader) CloseAll(id string) domain.CommandResult {
	return r.SendCommand(id, "CLOSE_ALL", nil)
}

// Pause suspends terminal-side trading.
func (r *Reader) Pause(id string) domain.CommandResult {
	return r.SendCommand(id, "PAUSE", nil)
}

// Resume lifts a pause.
func (r *Reader) Resume(id string) domain.CommandResult {
	return r.SendCommand(id, "RESUME", nil)
}

// Ping checks command-channel round-trip health.
func (r *Reader) Ping(id string) domain.CommandResult {
	return r.SendCommand(id, "PING", nil)
}
