package reader

import (
	"time"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
)

// handleTerminalEvent is the fan-out point for every transport event. It
// maintains the snapshot cache and decides what reaches the host bus:
// account updates stay internal, heartbeats are reduced to a lightweight
// health ping, position and order events pass through untouched, and price
// updates are dropped.
func (r *Reader) handleTerminalEvent(e *events.Event) {
	id := e.TerminalID

	switch e.Type {
	case events.Connected:
		r.refreshSnapshot(id)
		r.mu.Lock()
		first := !r.connected[id]
		r.connected[id] = true
		r.mu.Unlock()

		r.bus.EmitForTerminal(events.TerminalConnected, "channel_reader", id, e.Data)
		if first {
			r.scheduleHistoryFetch(id)
		}

	case events.Heartbeat:
		snap := r.refreshSnapshot(id)
		data := map[string]interface{}{}
		if snap != nil {
			data["balance"] = snap.Balance
			data["equity"] = snap.Equity
			data["floatingPnL"] = snap.FloatingPnL
			data["positionCount"] = snap.PositionCount()
		}
		r.bus.EmitForTerminal(events.TerminalHeartbeat, "channel_reader", id, data)

	case events.AccountUpdate:
		// Cache only; the host does not see raw account updates.
		r.refreshSnapshot(id)

	case events.PositionOpened, events.PositionClosed, events.PositionModified,
		events.PositionReversed, events.DealExecuted,
		events.OrderPlaced, events.OrderCancelled,
		events.Paused, events.Resumed:
		r.refreshSnapshot(id)
		r.bus.EmitForTerminal(e.Type, "channel_reader", id, e.Data)

	case events.PriceUpdate:
		// Price ticks stay at the transport layer.

	case events.Disconnected:
		r.mu.Lock()
		delete(r.connected, id)
		r.mu.Unlock()
		r.bus.EmitForTerminal(events.TerminalDisconnected, "channel_reader", id, e.Data)

	case events.TerminalError:
		r.bus.EmitForTerminal(events.TerminalError, "channel_reader", id, e.Data)
	}
}

// refreshSnapshot copies the owning client's snapshot into the reader cache
// and returns it.
func (r *Reader) refreshSnapshot(id string) *domain.AccountSnapshot {
	r.mu.Lock()
	b := r.bridges[id]
	p := r.pipes[id]
	r.mu.Unlock()

	var snap *domain.AccountSnapshot
	if b != nil {
		snap = b.LastSnapshot()
	} else if p != nil {
		snap = p.LastSnapshot()
	}
	if snap != nil {
		r.mu.Lock()
		r.snapshots[id] = snap
		r.mu.Unlock()
	}
	return snap
}

// scheduleHistoryFetch pulls the terminal's long trade history shortly after
// connect and republishes it for the offline-sync and stats consumers.
func (r *Reader) scheduleHistoryFetch(id string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.cfg.HistoryDelay):
		}

		res := r.SendCommand(id, "GET_HISTORY", map[string]interface{}{"days": r.cfg.HistoryDays})
		if !res.Success {
			r.log.Debug().Str("terminal_id", id).Str("error", res.Error).Msg("History fetch failed")
			return
		}
		r.bus.EmitForTerminal(events.TradeHistory, "channel_reader", id, res.Payload)
	}()
}
