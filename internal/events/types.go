// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

// Terminal-originated events. This set is closed and part of the wire
// contract with the terminal-side agents.
const (
	Connected        EventType = "CONNECTED"
	Disconnected     EventType = "DISCONNECTED"
	Heartbeat        EventType = "HEARTBEAT"
	PositionOpened   EventType = "POSITION_OPENED"
	PositionClosed   EventType = "POSITION_CLOSED"
	PositionModified EventType = "POSITION_MODIFIED"
	PositionReversed EventType = "POSITION_REVERSED"
	DealExecuted     EventType = "DEAL_EXECUTED"
	OrderPlaced      EventType = "ORDER_PLACED"
	OrderCancelled   EventType = "ORDER_CANCELLED"
	AccountUpdate    EventType = "ACCOUNT_UPDATE"
	PriceUpdate      EventType = "PRICE_UPDATE"
	Paused           EventType = "PAUSED"
	Resumed          EventType = "RESUMED"
)

// Reader-level events emitted towards the host UI.
const (
	TerminalConnected    EventType = "TERMINAL_CONNECTED"
	TerminalDisconnected EventType = "TERMINAL_DISCONNECTED"
	TerminalHeartbeat    EventType = "TERMINAL_HEARTBEAT"
	TradeHistory         EventType = "TRADE_HISTORY"
	TerminalError        EventType = "TERMINAL_ERROR"
)

// Copier and control-channel events.
const (
	CopyExecuted    EventType = "COPY_EXECUTED"
	CopyError       EventType = "COPY_ERROR"
	ControlEnabled  EventType = "CONTROL_ENABLED"
	ControlLost     EventType = "CONTROL_LOST"
	SessionChanged  EventType = "SESSION_CHANGED"
	PortConflict    EventType = "PORT_CONFLICT"
	DailyLimitState EventType = "DAILY_LIMIT_STATE"
)

// IsTerminalEvent reports whether t belongs to the closed terminal event set.
func IsTerminalEvent(t EventType) bool {
	switch t {
	case Connected, Disconnected, Heartbeat,
		PositionOpened, PositionClosed, PositionModified, PositionReversed,
		DealExecuted, OrderPlaced, OrderCancelled,
		AccountUpdate, PriceUpdate, Paused, Resumed:
		return true
	}
	return false
}
