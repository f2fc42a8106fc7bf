// Package copier replicates trades from leader accounts onto follower
// accounts as reversed hedges, with per-follower filtering, sizing, circuit
// breaking and crash-safe persistence.
package copier

import (
	"time"

	"github.com/hedgeedge/core/internal/domain"
)

// CopyMagic tags every copier-opened position so the magic filter can
// recognize and skip our own trades on re-entry.
const CopyMagic = 123456

// activityCap bounds the in-memory activity ring buffer.
const activityCap = 500

// circuitBreakerThreshold is the consecutive-failure count that trips a
// follower's breaker.
const circuitBreakerThreshold = 3

// Persisted state documents.
const (
	correlationsFile = "copier-correlations.json"
	activityFile     = "copier-activity.json"
	statsFile        = "copier-follower-stats.json"
	watermarkFile    = "copier-offline-watermark.json"
)

// SymbolAlias maps a leader symbol onto the follower broker's name for the
// same instrument.
type SymbolAlias struct {
	MasterSymbol string `json:"masterSymbol"`
	SlaveSymbol  string `json:"slaveSymbol"`
}

// FollowerStats is the rolling per-follower performance record.
type FollowerStats struct {
	TradesTotal  int     `json:"tradesTotal"`
	TradesToday  int     `json:"tradesToday"`
	TradesDate   string  `json:"tradesDate,omitempty"`
	FailedCopies int     `json:"failedCopies"`
	TotalProfit  float64 `json:"totalProfit"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	SuccessRate  float64 `json:"successRate"`
}

// FollowerConfig describes one follower inside a group. ReverseMode is
// accepted for wire compatibility but the engine enforces it to true.
type FollowerConfig struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"accountId"`
	Active          bool          `json:"active"`
	LotMultiplier   float64       `json:"lotMultiplier"`
	ReverseMode     bool          `json:"reverseMode"`
	SymbolWhitelist []string      `json:"symbolWhitelist,omitempty"`
	SymbolBlacklist []string      `json:"symbolBlacklist,omitempty"`
	SymbolAliases   []SymbolAlias `json:"symbolAliases,omitempty"`
	SymbolSuffix    string        `json:"symbolSuffix,omitempty"`
	MagicWhitelist  []int         `json:"magicNumberWhitelist,omitempty"`
	MagicBlacklist  []int         `json:"magicNumberBlacklist,omitempty"`
}

// CopierGroup binds one leader account to its followers.
type CopierGroup struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name,omitempty"`
	Active             bool              `json:"active"`
	LeaderAccountID    string            `json:"leaderAccountId"`
	LeaderSymbolSuffix string            `json:"leaderSymbolSuffix,omitempty"`
	Followers          []*FollowerConfig `json:"followers"`
}

// CorrelationEntry links one leader ticket to the follower position that
// mirrors it. Created on successful copy, deleted when the leader closes.
type CorrelationEntry struct {
	LeaderTicket      string      `json:"leaderTicket"`
	FollowerTicket    string      `json:"followerTicket"`
	FollowerID        string      `json:"followerId"`
	FollowerAccountID string      `json:"followerAccountId"`
	GroupID           string      `json:"groupId"`
	Symbol            string      `json:"symbol"`
	Side              domain.Side `json:"side"`
	Volume            float64     `json:"volume"`
	OpenTime          time.Time   `json:"openTime"`
}

// ActivityEntry is one row of the copy activity log.
type ActivityEntry struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"groupId"`
	FollowerID   string    `json:"followerId"`
	Timestamp    time.Time `json:"timestamp"`
	Type         string    `json:"type"` // open, close, modify, error
	Symbol       string    `json:"symbol"`
	Action       string    `json:"action"`
	Volume       float64   `json:"volume"`
	Price        float64   `json:"price"`
	LatencyMs    int64     `json:"latency"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// GroupStats is the aggregated per-group view returned to the host.
type GroupStats struct {
	GroupID   string                   `json:"groupId"`
	Followers map[string]FollowerStats `json:"followers"`
}
