package copier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/persist"
	"github.com/hedgeedge/core/internal/reader"
)

type openCall struct {
	terminalID string
	params     reader.OpenPositionParams
}

type closeCall struct {
	terminalID string
	positionID string
}

// fakeTerminals records every order the engine issues.
type fakeTerminals struct {
	mu         sync.Mutex
	opens      []openCall
	closes     []closeCall
	openResult func(params reader.OpenPositionParams) domain.CommandResult
	snapshots  map[string]*domain.AccountSnapshot
	slaves     map[string]bool
	nextTicket int
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{
		snapshots:  make(map[string]*domain.AccountSnapshot),
		slaves:     make(map[string]bool),
		nextTicket: 500,
	}
}

func (f *fakeTerminals) OpenPosition(terminalID string, params reader.OpenPositionParams) domain.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{terminalID, params})
	if f.openResult != nil {
		return f.openResult(params)
	}
	f.nextTicket++
	return domain.OK(map[string]interface{}{"ticket": fmt.Sprintf("%d", f.nextTicket)})
}

func (f *fakeTerminals) ClosePosition(terminalID, positionID string) domain.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{terminalID, positionID})
	return domain.OK(nil)
}

func (f *fakeTerminals) GetLastSnapshot(terminalID string) *domain.AccountSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[terminalID]
}

func (f *fakeTerminals) IsSlaveTerminal(terminalID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slaves[terminalID]
}

func (f *fakeTerminals) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeTerminals) lastOpen() openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[len(f.opens)-1]
}

func testGroup(followers ...*FollowerConfig) []*CopierGroup {
	return []*CopierGroup{{
		ID:              "g1",
		Name:            "Hedge A",
		Active:          true,
		LeaderAccountID: "leader-acc",
		Followers:       followers,
	}}
}

func defaultFollower() *FollowerConfig {
	return &FollowerConfig{
		ID:            "f1",
		AccountID:     "follower-acc",
		Active:        true,
		LotMultiplier: 2,
	}
}

func newTestEngine(t *testing.T, fake *fakeTerminals) (*Engine, *events.Bus) {
	t.Helper()
	store, err := persist.NewStore(t.TempDir(), zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	bus := events.NewBus(zerolog.Nop())
	e := NewEngine(fake, store, bus, zerolog.Nop())
	e.UpdateAccountMap(map[string]string{
		"leader-acc":   "term-leader",
		"follower-acc": "term-follower",
	})
	return e, bus
}

func leaderOpen(ticket string) map[string]interface{} {
	return map[string]interface{}{
		"id":         ticket,
		"symbol":     "EURUSD",
		"side":       "BUY",
		"volumeLots": 0.5,
		"magic":      float64(0),
		"stopLoss":   1.05,
		"takeProfit": 1.2,
	}
}

func TestCopyReversesSizesAndTags(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))

	require.Equal(t, 1, fake.openCount())
	call := fake.lastOpen()
	assert.Equal(t, "term-follower", call.terminalID)
	assert.Equal(t, domain.SideSell, call.params.Side, "hedge must reverse the leader side")
	assert.Equal(t, 1.0, call.params.Volume, "0.5 lots times multiplier 2")
	assert.Equal(t, "EURUSD", call.params.Symbol)
	assert.Equal(t, "HE Copy 100", call.params.Comment)
	require.NotNil(t, call.params.Magic)
	assert.Equal(t, CopyMagic, *call.params.Magic)
	require.NotNil(t, call.params.StopLoss)
	require.NotNil(t, call.params.TakeProfit)
	assert.Zero(t, *call.params.StopLoss, "leader SL must not carry over")
	assert.Zero(t, *call.params.TakeProfit, "leader TP must not carry over")

	corrs := e.Correlations()
	require.Len(t, corrs["100"], 1)
	assert.Equal(t, "f1", corrs["100"][0].FollowerID)
	assert.Equal(t, "501", corrs["100"][0].FollowerTicket)
}

func TestDuplicateOpenCopiedOnce(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))
	e.PositionOpened("term-leader", leaderOpen("100"))

	assert.Equal(t, 1, fake.openCount())
}

func TestFiltersBlockCopy(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)

	blocked := defaultFollower()
	blocked.SymbolBlacklist = []string{"EURUSD"}
	e.UpdateGroups(testGroup(blocked))
	e.PositionOpened("term-leader", leaderOpen("100"))
	assert.Zero(t, fake.openCount(), "blacklisted symbol must not copy")

	magicFiltered := defaultFollower()
	magicFiltered.MagicWhitelist = []int{777}
	e.UpdateGroups(testGroup(magicFiltered))
	e.PositionOpened("term-leader", leaderOpen("101"))
	assert.Zero(t, fake.openCount(), "magic outside whitelist must not copy")
}

func TestOwnCopiesNotReCopied(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)

	f := defaultFollower()
	f.MagicBlacklist = []int{CopyMagic}
	e.UpdateGroups(testGroup(f))

	open := leaderOpen("100")
	open["magic"] = float64(CopyMagic)
	e.PositionOpened("term-leader", open)

	assert.Zero(t, fake.openCount())
}

func TestInactiveAndSlaveFollowersSkipped(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)

	inactive := defaultFollower()
	inactive.Active = false
	e.UpdateGroups(testGroup(inactive))
	e.PositionOpened("term-leader", leaderOpen("100"))
	assert.Zero(t, fake.openCount())

	fake.slaves["term-follower"] = true
	e.UpdateGroups(testGroup(defaultFollower()))
	e.PositionOpened("term-leader", leaderOpen("101"))
	assert.Zero(t, fake.openCount(), "slave-hosted follower cannot receive orders")
}

func TestGlobalSwitch(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.SetGlobalEnabled(false)
	e.PositionOpened("term-leader", leaderOpen("100"))
	assert.Zero(t, fake.openCount())

	e.SetGlobalEnabled(true)
	e.PositionOpened("term-leader", leaderOpen("100"))
	assert.Equal(t, 1, fake.openCount())
}

func TestCircuitBreaker(t *testing.T) {
	fake := newFakeTerminals()
	fake.openResult = func(reader.OpenPositionParams) domain.CommandResult {
		return domain.Fail("market closed")
	}
	e, bus := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	var copyErrors []map[string]interface{}
	bus.Subscribe(events.CopyError, func(ev *events.Event) {
		copyErrors = append(copyErrors, ev.Data)
	})

	for i := 0; i < 3; i++ {
		e.PositionOpened("term-leader", leaderOpen(fmt.Sprintf("%d", 100+i)))
	}
	assert.Equal(t, 3, fake.openCount())
	require.Len(t, copyErrors, 3)
	assert.Equal(t, false, copyErrors[0]["circuitBreakerActive"])
	assert.Equal(t, true, copyErrors[2]["circuitBreakerActive"])

	// Tripped breaker blocks further attempts without touching the terminal.
	e.PositionOpened("term-leader", leaderOpen("200"))
	assert.Equal(t, 3, fake.openCount())

	fake.openResult = nil
	e.ResetCircuitBreaker("f1")
	e.PositionOpened("term-leader", leaderOpen("201"))
	assert.Equal(t, 4, fake.openCount())
}

func TestLeaderCloseUnwindsHedge(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))
	require.Equal(t, 1, fake.openCount())
	followerTicket := e.Correlations()["100"][0].FollowerTicket

	// Follower snapshot carries the hedge's floating result at close time.
	fake.snapshots["term-follower"] = &domain.AccountSnapshot{
		Positions: []domain.Position{{
			ID:         followerTicket,
			Symbol:     "EURUSD",
			Profit:     12.5,
			Swap:       -1.5,
			Commission: -1.0,
		}},
	}

	e.PositionClosed("term-leader", map[string]interface{}{
		"id":     "100",
		"symbol": "EURUSD",
	})

	fake.mu.Lock()
	closes := append([]closeCall(nil), fake.closes...)
	fake.mu.Unlock()
	require.Len(t, closes, 1)
	assert.Equal(t, "term-follower", closes[0].terminalID)
	assert.Equal(t, followerTicket, closes[0].positionID)

	assert.Empty(t, e.Correlations()["100"], "correlation must be dropped after unwind")

	stats := e.GetGroupStats()
	require.Len(t, stats, 1)
	assert.InDelta(t, 10.0, stats[0].Followers["f1"].TotalProfit, 1e-9)
}

func TestAutonomousFollowerCloseCredited(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionClosed("term-follower", map[string]interface{}{
		"id":         "900",
		"symbol":     "EURUSD",
		"entry":      "OUT",
		"profit":     5.0,
		"swap":       -0.5,
		"commission": -0.5,
	})

	stats := e.GetGroupStats()
	require.Len(t, stats, 1)
	assert.InDelta(t, 4.0, stats[0].Followers["f1"].TotalProfit, 1e-9)
	assert.Empty(t, fake.closes, "no orders issued for an autonomous close")
}

func TestStatsAccumulate(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))
	e.PositionOpened("term-leader", leaderOpen("101"))

	st := e.GetGroupStats()[0].Followers["f1"]
	assert.Equal(t, 2, st.TradesTotal)
	assert.Equal(t, 2, st.TradesToday)
	assert.Equal(t, 1.0, st.SuccessRate)

	fake.openResult = func(reader.OpenPositionParams) domain.CommandResult {
		return domain.Fail("rejected")
	}
	e.PositionOpened("term-leader", leaderOpen("102"))

	st = e.GetGroupStats()[0].Followers["f1"]
	assert.Equal(t, 1, st.FailedCopies)
	assert.InDelta(t, 2.0/3.0, st.SuccessRate, 1e-9)
}

func TestActivityLogNewestFirst(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))
	e.PositionOpened("term-leader", leaderOpen("101"))

	log := e.GetActivityLog(1)
	require.Len(t, log, 1)
	assert.Equal(t, "open", log[0].Type)

	all := e.GetActivityLog(0)
	assert.Len(t, all, 2)
}

func TestHedgePnLByLeader(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	e.PositionOpened("term-leader", leaderOpen("100"))
	fake.snapshots["term-follower"] = &domain.AccountSnapshot{
		Positions: []domain.Position{
			{ID: "501", Profit: 7.0, Swap: -1.0},
			{ID: "502", Profit: 2.0},
		},
	}

	pnl := e.GetHedgePnLByLeader()
	assert.InDelta(t, 8.0, pnl["leader-acc"], 1e-9)
}

func TestCorrelationsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewStore(dir, zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())
	fake := newFakeTerminals()

	e := NewEngine(fake, store, bus, zerolog.Nop())
	e.UpdateAccountMap(map[string]string{"leader-acc": "term-leader", "follower-acc": "term-follower"})
	e.UpdateGroups(testGroup(defaultFollower()))
	e.PositionOpened("term-leader", leaderOpen("100"))
	e.Shutdown()
	store.Close()

	store2, err := persist.NewStore(dir, zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	defer store2.Close()
	e2 := NewEngine(fake, store2, bus, zerolog.Nop())

	corrs := e2.Correlations()
	require.Len(t, corrs["100"], 1)
	assert.Equal(t, "f1", corrs["100"][0].FollowerID)
}

func TestReverseModeEnforced(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)

	f := defaultFollower()
	f.ReverseMode = false
	e.UpdateGroups(testGroup(f))

	e.PositionOpened("term-leader", leaderOpen("100"))
	require.Equal(t, 1, fake.openCount())
	assert.Equal(t, domain.SideSell, fake.lastOpen().params.Side)
}

func TestConcurrentOpensPersistSafely(t *testing.T) {
	fake := newFakeTerminals()
	e, _ := newTestEngine(t, fake)
	e.UpdateGroups(testGroup(defaultFollower()))

	// Every open schedules a persist that marshals correlations and stats
	// while the other goroutines keep mutating them.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(ticket int) {
			defer wg.Done()
			e.PositionOpened("term-leader", leaderOpen(fmt.Sprintf("%d", ticket)))
		}(1000 + i)
	}
	wg.Wait()
	e.Shutdown()

	assert.Equal(t, 20, fake.openCount())
	assert.Len(t, e.Correlations(), 20)
}
