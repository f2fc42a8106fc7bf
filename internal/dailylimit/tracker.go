// Package dailylimit tracks per-account day-start anchors against broker
// time and evaluates daily drawdown limits against them.
package dailylimit

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/persist"
)

const statesFile = "daily-limit-states.json"

// AccountState is the persisted day-start anchor for one account.
type AccountState struct {
	AccountID              string   `json:"accountId"`
	DayStartBalance        float64  `json:"dayStartBalance"`
	DayStartEquity         float64  `json:"dayStartEquity"`
	DayStartDate           string   `json:"dayStartDate"`
	LastEodTimestamp       int64    `json:"lastEodTimestamp"`
	CrossoverHighWaterMark *float64 `json:"crossoverHighWaterMark,omitempty"`
	HadPositionAtCrossover bool     `json:"hadPositionAtCrossover"`

	breached bool
}

// Result is one daily-limit evaluation.
type Result struct {
	AccountID              string  `json:"accountId"`
	TradingDate            string  `json:"tradingDate"`
	ReferenceBalance       float64 `json:"referenceBalance"`
	DailyLimitPnL          float64 `json:"dailyLimitPnL"`
	CurrentDayPnL          float64 `json:"currentDayPnL"`
	RemainingDailyDrawdown float64 `json:"remainingDailyDrawdown"`
	IsLimitBreached        bool    `json:"isLimitBreached"`
}

// Tracker maintains day-start state per account and evaluates limits.
type Tracker struct {
	store *persist.Store
	bus   *events.Bus
	log   zerolog.Logger

	mu     sync.Mutex
	states map[string]*AccountState
}

// NewTracker restores persisted day-start states.
func NewTracker(store *persist.Store, bus *events.Bus, log zerolog.Logger) *Tracker {
	t := &Tracker{
		store:  store,
		bus:    bus,
		log:    log.With().Str("component", "daily_limit").Logger(),
		states: make(map[string]*AccountState),
	}
	if store != nil {
		var saved []*AccountState
		if _, err := store.Load(statesFile, &saved); err != nil {
			t.log.Warn().Err(err).Msg("Failed to load daily limit states")
		}
		for _, s := range saved {
			t.states[s.AccountID] = s
		}
	}
	return t
}

// tradingDate derives the broker-side calendar date from a snapshot. The
// unix server clock wins, then the textual server time, then local time.
func tradingDate(snap *domain.AccountSnapshot) string {
	if snap.ServerTimeUnix > 0 {
		return time.Unix(snap.ServerTimeUnix, 0).UTC().Format("2006-01-02")
	}
	// Terminal server time prints as "YYYY.MM.DD HH:MM:SS".
	if len(snap.ServerTime) >= 10 {
		d := snap.ServerTime[:10]
		if strings.Count(d, ".") == 2 {
			return strings.ReplaceAll(d, ".", "-")
		}
	}
	return time.Now().Format("2006-01-02")
}

// Evaluate rolls the account over a broker-day boundary when needed, then
// computes the drawdown position against limitPercent. A change in breach
// status emits a DAILY_LIMIT_STATE event.
func (t *Tracker) Evaluate(snap *domain.AccountSnapshot, limitPercent float64) Result {
	date := tradingDate(snap)

	t.mu.Lock()
	state, ok := t.states[snap.AccountID]
	if !ok {
		state = &AccountState{
			AccountID:       snap.AccountID,
			DayStartBalance: snap.Balance,
			DayStartEquity:  snap.Equity,
			DayStartDate:    date,
		}
		t.states[snap.AccountID] = state
	} else if state.DayStartDate != date {
		t.rolloverLocked(state, snap, date)
	}

	reference := state.DayStartBalance
	if state.CrossoverHighWaterMark != nil {
		reference = *state.CrossoverHighWaterMark
	}
	limitPnL := -limitPercent / 100 * reference
	currentPnL := snap.Equity - reference

	result := Result{
		AccountID:              snap.AccountID,
		TradingDate:            state.DayStartDate,
		ReferenceBalance:       reference,
		DailyLimitPnL:          limitPnL,
		CurrentDayPnL:          currentPnL,
		RemainingDailyDrawdown: currentPnL - limitPnL,
		IsLimitBreached:        limitPercent > 0 && currentPnL <= limitPnL,
	}
	changed := result.IsLimitBreached != state.breached
	state.breached = result.IsLimitBreached
	t.mu.Unlock()

	t.persist()
	if changed {
		t.bus.Emit(events.DailyLimitState, "daily_limit", map[string]interface{}{
			"accountId":              result.AccountID,
			"tradingDate":            result.TradingDate,
			"referenceBalance":       result.ReferenceBalance,
			"dailyLimitPnL":          result.DailyLimitPnL,
			"currentDayPnL":          result.CurrentDayPnL,
			"remainingDailyDrawdown": result.RemainingDailyDrawdown,
			"isLimitBreached":        result.IsLimitBreached,
		})
		if result.IsLimitBreached {
			t.log.Warn().
				Str("account_id", result.AccountID).
				Float64("current_day_pnl", result.CurrentDayPnL).
				Float64("daily_limit_pnl", result.DailyLimitPnL).
				Msg("Daily drawdown limit breached")
		}
	}
	return result
}

// rolloverLocked anchors a new broker day. When positions are still open at
// the crossover, floating profit would inflate a plain balance anchor, so
// the larger of balance and equity becomes a high-water mark reference.
func (t *Tracker) rolloverLocked(state *AccountState, snap *domain.AccountSnapshot, date string) {
	state.LastEodTimestamp = time.Now().Unix()
	state.DayStartDate = date
	state.DayStartEquity = snap.Equity
	state.breached = false

	if snap.PositionCount() > 0 {
		hwm := snap.Balance
		if snap.Equity > hwm {
			hwm = snap.Equity
		}
		state.DayStartBalance = hwm
		state.CrossoverHighWaterMark = &hwm
		state.HadPositionAtCrossover = true
		t.log.Info().
			Str("account_id", state.AccountID).
			Str("trading_date", date).
			Float64("high_water_mark", hwm).
			Msg("Day crossover with open positions, high-water mark anchored")
		return
	}

	state.DayStartBalance = snap.Balance
	state.CrossoverHighWaterMark = nil
	state.HadPositionAtCrossover = false
	t.log.Info().
		Str("account_id", state.AccountID).
		Str("trading_date", date).
		Float64("day_start_balance", snap.Balance).
		Msg("Day crossover")
}

// State returns a copy of the stored anchor for an account, or nil.
func (t *Tracker) State(accountID string) *AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[accountID]
	if !ok {
		return nil
	}
	cp := *state
	return &cp
}

// Reset drops the stored anchor so the next evaluation re-seeds it.
func (t *Tracker) Reset(accountID string) {
	t.mu.Lock()
	delete(t.states, accountID)
	t.mu.Unlock()
	t.persist()
}

// snapshotStates copies the states into the on-disk list form, sorted for
// stable output.
func (t *Tracker) snapshotStates() []*AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*AccountState, 0, len(t.states))
	for _, s := range t.states {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (t *Tracker) persist() {
	if t.store == nil {
		return
	}
	t.store.Save(statesFile, t.snapshotStates())
}

// Flush writes the states immediately.
func (t *Tracker) Flush() {
	if t.store == nil {
		return
	}
	t.store.SaveNow(statesFile, t.snapshotStates())
}
