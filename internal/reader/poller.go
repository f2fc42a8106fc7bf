package reader

import (
	"time"

	"github.com/hedgeedge/core/internal/bridge"
	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
)

// startSlavePoller polls a command-only terminal on a fixed interval. Each
// successful STATUS reply refreshes liveness and the snapshot; position
// changes between polls are synthesized into open/close events because the
// slave never pushes its own.
func (r *Reader) startSlavePoller(id string, b *bridge.Bridge) {
	stop := make(chan struct{})
	r.mu.Lock()
	r.pollers[id] = stop
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SlavePollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
			}

			res := b.Status()
			if !res.Success {
				r.log.Debug().Str("terminal_id", id).Str("error", res.Error).Msg("Slave poll failed")
				continue
			}
			r.applySlaveStatus(b, res.Payload, false)
		}
	}()
}

// applySlaveStatus converts a STATUS reply into snapshot state and synthetic
// position events. first suppresses diffing and emits the connect instead.
func (r *Reader) applySlaveStatus(b *bridge.Bridge, payload map[string]interface{}, first bool) {
	id := b.TerminalID()
	data := statusData(payload)
	snap := domain.SnapshotFromMap(data)

	previous := b.LastSnapshot()
	b.SetSnapshot(snap)
	b.MarkAlive()

	r.mu.Lock()
	r.snapshots[id] = snap
	r.connected[id] = true
	r.mu.Unlock()

	if first {
		r.bus.EmitForTerminal(events.TerminalConnected, "channel_reader", id, data)
		return
	}

	if previous != nil {
		diff := bridge.DiffPositions(previous.Positions, snap.Positions)
		for _, p := range diff.Closed {
			r.bus.EmitForTerminal(events.PositionClosed, "channel_reader", id, bridge.ClosedPositionData(p))
		}
		for _, p := range diff.Opened {
			r.bus.EmitForTerminal(events.PositionOpened, "channel_reader", id, bridge.OpenedPositionData(p))
		}
	}
}
