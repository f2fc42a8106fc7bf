package copier

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/persist"
	"github.com/hedgeedge/core/internal/reader"
)

// Terminals is the slice of the channel reader the engine needs: issuing
// orders and inspecting follower state.
type Terminals interface {
	OpenPosition(terminalID string, params reader.OpenPositionParams) domain.CommandResult
	ClosePosition(terminalID, positionID string) domain.CommandResult
	GetLastSnapshot(terminalID string) *domain.AccountSnapshot
	IsSlaveTerminal(terminalID string) bool
}

// Engine owns all copier state: group configuration, the leader-to-follower
// correlation map, the activity ring and per-follower stats.
type Engine struct {
	terminals Terminals
	bus       *events.Bus
	store     *persist.Store
	log       zerolog.Logger

	mu            sync.Mutex
	groups        map[string]*CopierGroup
	accountMap    map[string]string // account ID -> terminal ID
	correlations  map[string][]CorrelationEntry
	activity      []ActivityEntry
	stats         map[string]*FollowerStats
	failures      map[string]int
	watermarks    map[string]int64
	globalEnabled bool

	copyLocksMu sync.Mutex
	copyLocks   map[string]*sync.Mutex
}

// NewEngine creates a copier engine and restores persisted state.
func NewEngine(terminals Terminals, store *persist.Store, bus *events.Bus, log zerolog.Logger) *Engine {
	e := &Engine{
		terminals:     terminals,
		bus:           bus,
		store:         store,
		log:           log.With().Str("component", "copier_engine").Logger(),
		groups:        make(map[string]*CopierGroup),
		accountMap:    make(map[string]string),
		correlations:  make(map[string][]CorrelationEntry),
		stats:         make(map[string]*FollowerStats),
		failures:      make(map[string]int),
		watermarks:    make(map[string]int64),
		globalEnabled: true,
		copyLocks:     make(map[string]*sync.Mutex),
	}
	e.restore()
	return e
}

func (e *Engine) restore() {
	if e.store == nil {
		return
	}
	if _, err := e.store.Load(correlationsFile, &e.correlations); err != nil {
		e.log.Warn().Err(err).Msg("Failed to load correlations")
	}
	if _, err := e.store.Load(activityFile, &e.activity); err != nil {
		e.log.Warn().Err(err).Msg("Failed to load activity log")
	}
	if _, err := e.store.Load(statsFile, &e.stats); err != nil {
		e.log.Warn().Err(err).Msg("Failed to load follower stats")
	}
	if _, err := e.store.Load(watermarkFile, &e.watermarks); err != nil {
		e.log.Warn().Err(err).Msg("Failed to load offline watermarks")
	}
}

// Start subscribes the engine to the terminal event stream.
func (e *Engine) Start() {
	e.bus.Subscribe(events.PositionOpened, func(ev *events.Event) {
		e.PositionOpened(ev.TerminalID, ev.Data)
	})
	e.bus.Subscribe(events.PositionClosed, func(ev *events.Event) {
		e.PositionClosed(ev.TerminalID, ev.Data)
	})
}

// Shutdown flushes every persisted document.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	correlations := e.snapshotCorrelationsLocked()
	activity := append([]ActivityEntry(nil), e.activity...)
	stats := e.snapshotStatsLocked()
	watermarks := e.snapshotWatermarksLocked()
	e.mu.Unlock()

	if e.store != nil {
		e.store.SaveNow(correlationsFile, correlations)
		e.store.SaveNow(activityFile, activity)
		e.store.SaveNow(statsFile, stats)
		e.store.SaveNow(watermarkFile, watermarks)
	}
	e.log.Info().Msg("Copier engine shut down")
}

// UpdateGroups replaces the group configuration. Reverse mode is enforced
// on every follower regardless of what the host sent.
func (e *Engine) UpdateGroups(groups []*CopierGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = make(map[string]*CopierGroup, len(groups))
	for _, g := range groups {
		for _, f := range g.Followers {
			f.ReverseMode = true
			if _, ok := e.stats[f.ID]; !ok {
				e.stats[f.ID] = &FollowerStats{}
			}
		}
		e.groups[g.ID] = g
	}
}

// UpdateAccountMap replaces the account-to-terminal routing table.
func (e *Engine) UpdateAccountMap(m map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountMap = make(map[string]string, len(m))
	for k, v := range m {
		e.accountMap[k] = v
	}
}

// SetGlobalEnabled toggles all copying.
func (e *Engine) SetGlobalEnabled(enabled bool) {
	e.mu.Lock()
	e.globalEnabled = enabled
	e.mu.Unlock()
	e.log.Info().Bool("enabled", enabled).Msg("Global copy switch changed")
}

// ResetCircuitBreaker clears a follower's consecutive-failure counter.
func (e *Engine) ResetCircuitBreaker(followerID string) {
	e.mu.Lock()
	e.failures[followerID] = 0
	e.mu.Unlock()
	e.log.Info().Str("follower_id", followerID).Msg("Circuit breaker reset")
}

// terminalFor resolves an account to its terminal, defaulting to the
// account ID itself for auto-discovered terminals keyed by login.
func (e *Engine) terminalFor(accountID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.accountMap[accountID]; ok {
		return t
	}
	return accountID
}

// PositionOpened mirrors a leader open onto every eligible follower.
func (e *Engine) PositionOpened(terminalID string, data map[string]interface{}) {
	e.mu.Lock()
	enabled := e.globalEnabled
	var work []*CopierGroup
	for _, g := range e.groups {
		if g.Active {
			work = append(work, g)
		}
	}
	e.mu.Unlock()
	if !enabled {
		return
	}

	leader := domain.PositionFromMap(data)
	magic := intField(data, "magic")

	for _, g := range work {
		if e.terminalFor(g.LeaderAccountID) != terminalID {
			continue
		}
		for _, f := range g.Followers {
			if !f.Active {
				continue
			}
			followerTerminal := e.terminalFor(f.AccountID)
			if e.terminals.IsSlaveTerminal(followerTerminal) {
				continue
			}
			e.copyOpen(g, f, followerTerminal, leader, magic)
		}
	}
}

// copyOpen runs the full per-follower open pipeline under the
// (follower, leaderTicket) lock so a racing duplicate event cannot double
// copy.
func (e *Engine) copyOpen(g *CopierGroup, f *FollowerConfig, followerTerminal string, leader domain.Position, magic int) {
	lock := e.copyLock(f.ID, leader.ID)
	lock.Lock()
	defer lock.Unlock()

	if e.hasCorrelation(leader.ID, f.ID) {
		return
	}

	if !AllowMagic(magic, f) {
		e.log.Debug().
			Str("follower_id", f.ID).
			Int("magic", magic).
			Msg("Magic filter rejected leader position")
		return
	}

	symbol := MapSymbol(leader.Symbol, g.LeaderSymbolSuffix, f)
	if symbol == "" {
		e.log.Debug().
			Str("follower_id", f.ID).
			Str("symbol", leader.Symbol).
			Msg("Symbol mapping rejected leader position")
		return
	}

	if e.breakerTripped(f.ID) {
		e.log.Warn().Str("follower_id", f.ID).Msg("Circuit breaker active, skipping copy")
		return
	}

	lots := domain.NormalizeLots(leader.VolumeLots) * f.LotMultiplier
	if lots <= 0 {
		return
	}

	side := leader.Side.Opposite()
	magicOut := CopyMagic
	zero := 0.0
	start := time.Now()
	res := e.terminals.OpenPosition(followerTerminal, reader.OpenPositionParams{
		Symbol:     symbol,
		Side:       side,
		Volume:     lots,
		StopLoss:   &zero,
		TakeProfit: &zero,
		Magic:      &magicOut,
		Comment:    fmt.Sprintf("HE Copy %s", leader.ID),
	})
	latency := time.Since(start).Milliseconds()

	if !res.Success {
		e.recordCopyFailure(g, f, symbol, lots, latency, res.Error)
		return
	}

	followerTicket := ticketFromPayload(res.Payload)
	entry := CorrelationEntry{
		LeaderTicket:      leader.ID,
		FollowerTicket:    followerTicket,
		FollowerID:        f.ID,
		FollowerAccountID: f.AccountID,
		GroupID:           g.ID,
		Symbol:            symbol,
		Side:              side,
		Volume:            lots,
		OpenTime:          time.Now(),
	}

	e.mu.Lock()
	e.correlations[leader.ID] = append(e.correlations[leader.ID], entry)
	e.failures[f.ID] = 0
	st := e.statsFor(f.ID)
	st.TradesTotal++
	e.bumpToday(st)
	st.AvgLatencyMs += (float64(latency) - st.AvgLatencyMs) / float64(st.TradesTotal)
	e.updateSuccessRate(st)
	e.appendActivityLocked(ActivityEntry{
		ID:         uuid.New().String(),
		GroupID:    g.ID,
		FollowerID: f.ID,
		Timestamp:  time.Now(),
		Type:       "open",
		Symbol:     symbol,
		Action:     string(side),
		Volume:     lots,
		LatencyMs:  latency,
		Status:     "success",
	})
	e.mu.Unlock()

	e.persistDebounced()
	e.bus.Emit(events.CopyExecuted, "copier_engine", map[string]interface{}{
		"groupId":        g.ID,
		"followerId":     f.ID,
		"leaderTicket":   leader.ID,
		"followerTicket": followerTicket,
		"symbol":         symbol,
		"side":           string(side),
		"volume":         lots,
		"latencyMs":      latency,
	})
	e.log.Info().
		Str("follower_id", f.ID).
		Str("leader_ticket", leader.ID).
		Str("symbol", symbol).
		Float64("lots", lots).
		Int64("latency_ms", latency).
		Msg("Copied leader open as reverse hedge")
}

func (e *Engine) recordCopyFailure(g *CopierGroup, f *FollowerConfig, symbol string, lots float64, latency int64, errMsg string) {
	e.mu.Lock()
	e.failures[f.ID]++
	failureCount := e.failures[f.ID]
	st := e.statsFor(f.ID)
	st.FailedCopies++
	e.updateSuccessRate(st)
	e.appendActivityLocked(ActivityEntry{
		ID:           uuid.New().String(),
		GroupID:      g.ID,
		FollowerID:   f.ID,
		Timestamp:    time.Now(),
		Type:         "error",
		Symbol:       symbol,
		Action:       "open",
		Volume:       lots,
		LatencyMs:    latency,
		Status:       "failed",
		ErrorMessage: errMsg,
	})
	e.mu.Unlock()

	e.persistDebounced()
	e.bus.Emit(events.CopyError, "copier_engine", map[string]interface{}{
		"groupId":              g.ID,
		"followerId":           f.ID,
		"error":                errMsg,
		"circuitBreakerActive": failureCount >= circuitBreakerThreshold,
	})
	e.log.Warn().
		Str("follower_id", f.ID).
		Str("error", errMsg).
		Int("consecutive_failures", failureCount).
		Msg("Copy failed")
}

// PositionClosed unwinds follower hedges when a leader position closes, and
// credits autonomous follower-side closes.
func (e *Engine) PositionClosed(terminalID string, data map[string]interface{}) {
	closed := domain.PositionFromMap(data)

	// Autonomous close on a follower terminal (slave-side OUT deal).
	if entry, _ := data["entry"].(string); entry == "OUT" {
		if f, g := e.followerByTerminal(terminalID); f != nil {
			profit := closed.RealizedProfit()
			e.mu.Lock()
			st := e.statsFor(f.ID)
			st.TotalProfit += profit
			e.appendActivityLocked(ActivityEntry{
				ID:         uuid.New().String(),
				GroupID:    g.ID,
				FollowerID: f.ID,
				Timestamp:  time.Now(),
				Type:       "close",
				Symbol:     closed.Symbol,
				Action:     "autonomous",
				Volume:     closed.VolumeLots,
				Status:     "success",
			})
			e.mu.Unlock()
			e.persistDebounced()
		}
	}

	e.mu.Lock()
	corrs := e.correlations[closed.ID]
	delete(e.correlations, closed.ID)
	e.mu.Unlock()
	if len(corrs) == 0 {
		return
	}

	for _, corr := range corrs {
		followerTerminal := e.terminalFor(corr.FollowerAccountID)

		// Capture the follower's floating result before the close lands.
		var profit float64
		if snap := e.terminals.GetLastSnapshot(followerTerminal); snap != nil {
			if pos := snap.FindPosition(corr.FollowerTicket); pos != nil {
				profit = pos.RealizedProfit()
			}
		}

		start := time.Now()
		res := e.terminals.ClosePosition(followerTerminal, corr.FollowerTicket)
		latency := time.Since(start).Milliseconds()

		e.mu.Lock()
		st := e.statsFor(corr.FollowerID)
		status := "success"
		errMsg := ""
		if res.Success {
			st.TotalProfit += profit
		} else {
			status = "failed"
			errMsg = res.Error
		}
		e.appendActivityLocked(ActivityEntry{
			ID:           uuid.New().String(),
			GroupID:      corr.GroupID,
			FollowerID:   corr.FollowerID,
			Timestamp:    time.Now(),
			Type:         "close",
			Symbol:       corr.Symbol,
			Action:       string(corr.Side),
			Volume:       corr.Volume,
			LatencyMs:    latency,
			Status:       status,
			ErrorMessage: errMsg,
		})
		e.mu.Unlock()

		if !res.Success {
			e.log.Warn().
				Str("follower_id", corr.FollowerID).
				Str("follower_ticket", corr.FollowerTicket).
				Str("error", res.Error).
				Msg("Failed to close follower hedge")
		}
	}

	// Leader closes flush the correlation file immediately.
	e.mu.Lock()
	correlations := e.snapshotCorrelationsLocked()
	e.mu.Unlock()
	if e.store != nil {
		e.store.SaveNow(correlationsFile, correlations)
	}
	e.persistDebounced()
}

// followerByTerminal finds the follower config hosted on a terminal.
func (e *Engine) followerByTerminal(terminalID string) (*FollowerConfig, *CopierGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.groups {
		for _, f := range g.Followers {
			t := f.AccountID
			if mapped, ok := e.accountMap[f.AccountID]; ok {
				t = mapped
			}
			if t == terminalID {
				return f, g
			}
		}
	}
	return nil, nil
}

// GetGroupStats returns the per-follower stats grouped by copier group.
func (e *Engine) GetGroupStats() []GroupStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GroupStats, 0, len(e.groups))
	for _, g := range e.groups {
		gs := GroupStats{GroupID: g.ID, Followers: make(map[string]FollowerStats, len(g.Followers))}
		for _, f := range g.Followers {
			if st, ok := e.stats[f.ID]; ok {
				gs.Followers[f.ID] = *st
			}
		}
		out = append(out, gs)
	}
	return out
}

// GetActivityLog returns up to limit most-recent activity entries, newest
// first. limit <= 0 returns everything.
func (e *Engine) GetActivityLog(limit int) []ActivityEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.activity)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ActivityEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.activity[i])
	}
	return out
}

// Correlations returns a copy of the live correlation map.
func (e *Engine) Correlations() map[string][]CorrelationEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]CorrelationEntry, len(e.correlations))
	for k, v := range e.correlations {
		out[k] = append([]CorrelationEntry(nil), v...)
	}
	return out
}

// GetHedgePnLByLeader sums each leader's hedge result across its groups'
// followers: realized profit from stats plus the floating composite of the
// follower's open positions.
func (e *Engine) GetHedgePnLByLeader() map[string]float64 {
	e.mu.Lock()
	groups := make([]*CopierGroup, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	out := make(map[string]float64)
	for _, g := range groups {
		total := 0.0
		for _, f := range g.Followers {
			e.mu.Lock()
			if st, ok := e.stats[f.ID]; ok {
				total += st.TotalProfit
			}
			e.mu.Unlock()

			if snap := e.terminals.GetLastSnapshot(e.terminalFor(f.AccountID)); snap != nil {
				for i := range snap.Positions {
					total += snap.Positions[i].RealizedProfit()
				}
			}
		}
		out[g.LeaderAccountID] += total
	}
	return out
}

// statsFor returns the mutable stats record for a follower. Callers hold
// e.mu.
func (e *Engine) statsFor(followerID string) *FollowerStats {
	st, ok := e.stats[followerID]
	if !ok {
		st = &FollowerStats{}
		e.stats[followerID] = st
	}
	return st
}

// bumpToday increments the daily counter, resetting it on date change.
// Callers hold e.mu.
func (e *Engine) bumpToday(st *FollowerStats) {
	today := time.Now().Format("2006-01-02")
	if st.TradesDate != today {
		st.TradesDate = today
		st.TradesToday = 0
	}
	st.TradesToday++
}

// updateSuccessRate recomputes the success ratio. Callers hold e.mu.
func (e *Engine) updateSuccessRate(st *FollowerStats) {
	total := st.TradesTotal + st.FailedCopies
	if total > 0 {
		st.SuccessRate = float64(st.TradesTotal) / float64(total)
	}
}

// appendActivityLocked appends to the ring buffer, dropping the oldest
// entry at capacity. Callers hold e.mu.
func (e *Engine) appendActivityLocked(entry ActivityEntry) {
	e.activity = append(e.activity, entry)
	if len(e.activity) > activityCap {
		e.activity = e.activity[len(e.activity)-activityCap:]
	}
}

func (e *Engine) breakerTripped(followerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[followerID] >= circuitBreakerThreshold
}

func (e *Engine) hasCorrelation(leaderTicket, followerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.correlations[leaderTicket] {
		if c.FollowerID == followerID {
			return true
		}
	}
	return false
}

// copyLock returns the mutex guarding one (follower, leaderTicket) pair.
func (e *Engine) copyLock(followerID, leaderTicket string) *sync.Mutex {
	key := followerID + "|" + leaderTicket
	e.copyLocksMu.Lock()
	defer e.copyLocksMu.Unlock()
	lock, ok := e.copyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.copyLocks[key] = lock
	}
	return lock
}

// persistDebounced schedules writes of the mutable documents.
func (e *Engine) persistDebounced() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	correlations := e.snapshotCorrelationsLocked()
	activity := append([]ActivityEntry(nil), e.activity...)
	stats := e.snapshotStatsLocked()
	e.mu.Unlock()
	e.store.Save(correlationsFile, correlations)
	e.store.Save(activityFile, activity)
	e.store.Save(statsFile, stats)
}

// snapshotCorrelationsLocked deep-copies the correlation multimap. The store
// marshals after e.mu is released, so the live map must never leave the lock.
// Callers hold e.mu.
func (e *Engine) snapshotCorrelationsLocked() map[string][]CorrelationEntry {
	out := make(map[string][]CorrelationEntry, len(e.correlations))
	for ticket, entries := range e.correlations {
		out[ticket] = append([]CorrelationEntry(nil), entries...)
	}
	return out
}

// snapshotStatsLocked copies the follower stats by value. Marshals to the
// same document shape as the live pointer map. Callers hold e.mu.
func (e *Engine) snapshotStatsLocked() map[string]FollowerStats {
	out := make(map[string]FollowerStats, len(e.stats))
	for id, st := range e.stats {
		out[id] = *st
	}
	return out
}

// snapshotWatermarksLocked copies the offline watermark map. Callers hold e.mu.
func (e *Engine) snapshotWatermarksLocked() map[string]int64 {
	out := make(map[string]int64, len(e.watermarks))
	for account, ts := range e.watermarks {
		out[account] = ts
	}
	return out
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// ticketFromPayload pulls the follower ticket out of an OPEN_POSITION
// response, tolerating the shapes different agent builds use.
func ticketFromPayload(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	for _, key := range []string{"ticket", "positionId", "id"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		return ticketFromPayload(data)
	}
	return ""
}
