package domain

import (
	"fmt"
	"time"
)

// SnapshotFromMap builds an AccountSnapshot from a decoded JSON object. Both
// transports (ZMQ frames and pipe frames) and the legacy top-level SNAPSHOT
// shape funnel through this single construction point.
func SnapshotFromMap(m map[string]interface{}) *AccountSnapshot {
	s := &AccountSnapshot{
		Timestamp:      time.Now(),
		Platform:       Platform(asString(m, "platform")),
		AccountID:      asString(m, "accountId"),
		Broker:         asString(m, "broker"),
		Server:         asString(m, "server"),
		Balance:        asFloat(m, "balance"),
		Equity:         asFloat(m, "equity"),
		Margin:         asFloat(m, "margin"),
		FreeMargin:     asFloat(m, "freeMargin"),
		FloatingPnL:    asFloat(m, "floatingPnL"),
		Currency:       asString(m, "currency"),
		Leverage:       asInt(m, "leverage"),
		Status:         asString(m, "status"),
		IsLicenseValid: asBool(m, "isLicenseValid"),
		IsPaused:       asBool(m, "isPaused"),
		LastError:      asString(m, "lastError"),
		ServerTime:     asString(m, "serverTime"),
		ServerTimeUnix: int64(asFloat(m, "serverTimeUnix")),
	}

	if s.Platform == "" {
		s.Platform = PlatformMT
	}
	if s.AccountID == "" {
		// Some agent builds report the login under "login".
		s.AccountID = asString(m, "login")
	}

	// equity = balance + floatingPnL; reconstruct whichever side is missing.
	if _, ok := m["floatingPnL"]; !ok && s.Equity != 0 {
		s.FloatingPnL = s.Equity - s.Balance
	}
	if _, ok := m["equity"]; !ok {
		s.Equity = s.Balance + s.FloatingPnL
	}

	// marginLevel is null iff margin is zero.
	if s.Margin > 0 {
		if v, ok := m["marginLevel"]; ok {
			lvl := toFloat(v)
			s.MarginLevel = &lvl
		} else {
			lvl := s.Equity / s.Margin * 100
			s.MarginLevel = &lvl
		}
	}

	if raw, ok := m["positions"].([]interface{}); ok {
		s.Positions = positionsFromList(raw)
	}

	return s
}

// MergeHeartbeat folds a heartbeat payload into the snapshot in place.
// Heartbeats update monetary fields, license and pause flags and (when
// present) positions, but never replace the snapshot object identity.
func (s *AccountSnapshot) MergeHeartbeat(m map[string]interface{}) {
	if v, ok := m["balance"]; ok {
		s.Balance = toFloat(v)
	}
	if v, ok := m["equity"]; ok {
		s.Equity = toFloat(v)
	}
	if v, ok := m["floatingPnL"]; ok {
		s.FloatingPnL = toFloat(v)
	}
	if v, ok := m["margin"]; ok {
		s.Margin = toFloat(v)
		if s.Margin > 0 {
			lvl := s.Equity / s.Margin * 100
			s.MarginLevel = &lvl
		} else {
			s.MarginLevel = nil
		}
	}
	if v, ok := m["freeMargin"]; ok {
		s.FreeMargin = toFloat(v)
	}
	if v, ok := m["marginLevel"]; ok && s.Margin > 0 {
		lvl := toFloat(v)
		s.MarginLevel = &lvl
	}
	if v, ok := m["isLicenseValid"].(bool); ok {
		s.IsLicenseValid = v
	}
	if v, ok := m["isPaused"].(bool); ok {
		s.IsPaused = v
	}
	if v, ok := m["serverTime"].(string); ok {
		s.ServerTime = v
	}
	if v, ok := m["serverTimeUnix"]; ok {
		s.ServerTimeUnix = int64(toFloat(v))
	}
	if raw, ok := m["positions"].([]interface{}); ok {
		s.Positions = positionsFromList(raw)
	}
	s.Timestamp = time.Now()
}

// PositionFromMap builds a Position from a decoded JSON object.
func PositionFromMap(m map[string]interface{}) Position {
	p := Position{
		ID:         stringID(m, "id", "ticket", "positionId"),
		Symbol:     asString(m, "symbol"),
		Side:       Side(asString(m, "side")),
		Volume:     asFloat(m, "volume"),
		VolumeLots: asFloat(m, "volumeLots"),
		EntryPrice: asFloat(m, "entryPrice"),
		Price:      asFloat(m, "currentPrice"),
		Profit:     asFloat(m, "profit"),
		Swap:       asFloat(m, "swap"),
		Commission: asFloat(m, "commission"),
		OpenTime:   asString(m, "openTime"),
		Comment:    asString(m, "comment"),
	}
	if p.Side == "" {
		if asString(m, "type") == "SELL" {
			p.Side = SideSell
		} else {
			p.Side = SideBuy
		}
	}
	if v, ok := m["stopLoss"]; ok {
		sl := toFloat(v)
		p.StopLoss = &sl
	}
	if v, ok := m["takeProfit"]; ok {
		tp := toFloat(v)
		p.TakeProfit = &tp
	}
	if v, ok := m["digits"]; ok {
		d := int(toFloat(v))
		p.Digits = &d
	}
	if p.VolumeLots == 0 && p.Volume > 0 {
		p.VolumeLots = NormalizeLots(p.Volume)
	}
	return p
}

// NormalizeLots converts a raw volume to lots. Some agent builds report
// volume in units; anything above 100 is treated as units and divided by the
// standard contract size.
func NormalizeLots(volume float64) float64 {
	if volume > 100 {
		return volume / 100000
	}
	return volume
}

func positionsFromList(raw []interface{}) []Position {
	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		pm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		positions = append(positions, PositionFromMap(pm))
	}
	return positions
}

func stringID(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func asString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func asBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func asFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		return toFloat(v)
	}
	return 0
}

func asInt(m map[string]interface{}, key string) int {
	return int(asFloat(m, key))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
