// Package domain contains the canonical data model shared by both
// transports: positions, account snapshots and command results. The domain
// layer is pure and has no infrastructure dependencies.
package domain

import (
	"time"
)

// Platform identifies the terminal family a snapshot came from.
type Platform string

const (
	PlatformMT Platform = "MT"
	PlatformCT Platform = "CT"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reversed side. Unknown values are returned unchanged.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// Position is the canonical open-position record shared by both transports.
// Identity fields are immutable after open; price, profit, swap and
// commission mutate via subsequent snapshots.
type Position struct {
	ID         string   `json:"id"` // broker ticket
	Symbol     string   `json:"symbol"`
	Side       Side     `json:"side"`
	Volume     float64  `json:"volume"` // raw units
	VolumeLots float64  `json:"volumeLots"`
	EntryPrice float64  `json:"entryPrice"`
	Price      float64  `json:"currentPrice"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	Profit     float64  `json:"profit"`
	Swap       float64  `json:"swap"`
	Commission float64  `json:"commission"`
	OpenTime   string   `json:"openTime"`
	Comment    string   `json:"comment"`
	Digits     *int     `json:"digits,omitempty"`
}

// RealizedProfit is the composite profit used whenever a position leaves the
// book: raw profit plus swap and commission.
func (p *Position) RealizedProfit() float64 {
	return p.Profit + p.Swap + p.Commission
}

// AccountSnapshot is the cached view of one terminal's account state.
type AccountSnapshot struct {
	Timestamp      time.Time  `json:"timestamp"`
	Platform       Platform   `json:"platform"`
	AccountID      string     `json:"accountId"`
	Broker         string     `json:"broker"`
	Server         string     `json:"server,omitempty"`
	Balance        float64    `json:"balance"`
	Equity         float64    `json:"equity"`
	Margin         float64    `json:"margin"`
	FreeMargin     float64    `json:"freeMargin"`
	MarginLevel    *float64   `json:"marginLevel"` // nil iff Margin == 0
	FloatingPnL    float64    `json:"floatingPnL"`
	Currency       string     `json:"currency"`
	Leverage       int        `json:"leverage"`
	Status         string     `json:"status"`
	IsLicenseValid bool       `json:"isLicenseValid"`
	IsPaused       bool       `json:"isPaused"`
	LastError      string     `json:"lastError,omitempty"`
	Positions      []Position `json:"positions"`
	ServerTime     string     `json:"serverTime,omitempty"`
	ServerTimeUnix int64      `json:"serverTimeUnix,omitempty"`
}

// PositionCount returns the number of open positions.
func (s *AccountSnapshot) PositionCount() int {
	return len(s.Positions)
}

// FindPosition returns the position with the given ticket, or nil.
func (s *AccountSnapshot) FindPosition(id string) *Position {
	for i := range s.Positions {
		if s.Positions[i].ID == id {
			return &s.Positions[i]
		}
	}
	return nil
}

// CommandResult is the uniform result shape of every operation that talks to
// a terminal. Failures are values, not errors: the transport layer never
// panics the host on a messaging fault.
type CommandResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Payload map[string]interface{} `json:"-"`
}

// Fail builds a failed result with a human-readable reason.
func Fail(reason string) CommandResult {
	return CommandResult{Success: false, Error: reason}
}

// OK builds a successful result carrying an optional payload.
func OK(payload map[string]interface{}) CommandResult {
	return CommandResult{Success: true, Payload: payload}
}
