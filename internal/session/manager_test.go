package session

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/persist"
)

func newTestManager(t *testing.T) (*Manager, *persist.Store) {
	t.Helper()
	store, err := persist.NewStore(t.TempDir(), zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	bus := events.NewBus(zerolog.Nop())
	return NewManager(store, bus, zerolog.Nop()), store
}

func snapshot(balance, equity float64) *domain.AccountSnapshot {
	return &domain.AccountSnapshot{Balance: balance, Equity: equity, FloatingPnL: equity - balance}
}

func TestStatusMachine(t *testing.T) {
	m, _ := newTestManager(t)

	s := m.Connect("acc-1", ConnectOptions{
		Platform:      domain.PlatformMT,
		Role:          domain.RoleMaster,
		AutoReconnect: true,
		Credentials:   &Credentials{Login: "1001", Password: "secret", Broker: "B", Server: "S"},
	})
	assert.Equal(t, StatusConnecting, s.Status)

	// First metric exchange connects.
	m.UpdateMetrics("acc-1", snapshot(1000, 1010))
	assert.Equal(t, StatusConnected, m.Get("acc-1").Status)

	m.MarkDisconnected("acc-1", "socket receive failed")
	got := m.Get("acc-1")
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Equal(t, "socket receive failed", got.StatusReason)

	// Auto-reconnect match brings it back.
	m.UpdateMetrics("acc-1", snapshot(1000, 1000))
	assert.Equal(t, StatusConnected, m.Get("acc-1").Status)

	m.MarkError("acc-1", "transport error")
	assert.Equal(t, StatusError, m.Get("acc-1").Status)

	m.ArchiveDisconnect("acc-1")
	assert.Nil(t, m.Get("acc-1"))
}

func TestCredentialPreservation(t *testing.T) {
	m, _ := newTestManager(t)

	m.Connect("keep", ConnectOptions{
		AutoReconnect: true,
		Credentials:   &Credentials{Login: "1", Password: "pw"},
	})
	m.Connect("drop", ConnectOptions{
		AutoReconnect: false,
		Credentials:   &Credentials{Login: "2", Password: "pw"},
	})

	m.MarkDisconnected("keep", "gone")
	m.MarkDisconnected("drop", "gone")

	assert.NotNil(t, m.Credentials("keep"))
	assert.Nil(t, m.Credentials("drop"))
}

func TestSanitizeNeverExposesPassword(t *testing.T) {
	m, _ := newTestManager(t)

	m.Connect("acc-1", ConnectOptions{
		Credentials: &Credentials{Login: "1001", Password: "hunter2", Broker: "BrokerX", Server: "Live-1"},
	})

	view := m.Sanitize("acc-1")
	require.NotNil(t, view)
	assert.Equal(t, "1001", view["mt5Login"])
	assert.Equal(t, "BrokerX", view["broker"])
	assert.Equal(t, "Live-1", view["server"])

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	// The session projection itself marshals without credentials too.
	raw, err = json.Marshal(m.Get("acc-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestDeduplicationPrefersUserSession(t *testing.T) {
	m, _ := newTestManager(t)

	m.Connect(AutoKey("1001"), ConnectOptions{
		Credentials: &Credentials{Login: "1001"},
	})
	require.NotNil(t, m.Get(AutoKey("1001")))
	assert.True(t, m.Get(AutoKey("1001")).AutoDiscovered)

	m.Connect("user-uuid-1", ConnectOptions{
		Credentials: &Credentials{Login: "1001"},
	})

	assert.Nil(t, m.Get(AutoKey("1001")))
	require.NotNil(t, m.Get("user-uuid-1"))
	assert.False(t, m.Get("user-uuid-1").AutoDiscovered)
}

func TestPersistedSessionsAreMinimal(t *testing.T) {
	m, store := newTestManager(t)

	m.Connect("acc-1", ConnectOptions{
		Platform:    domain.PlatformMT,
		Role:        domain.RoleMaster,
		Credentials: &Credentials{Login: "1001", Password: "hunter2", Server: "Live-1"},
	})
	m.UpdateMetrics("acc-1", snapshot(1000, 1000))
	store.Flush()

	raw, err := os.ReadFile(store.Path("sessions.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "balance")

	var saved []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "acc-1", saved[0]["accountId"])
	assert.Equal(t, "1001", saved[0]["login"])
}

func TestRestoreAsDisconnected(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewStore(dir, zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())

	m := NewManager(store, bus, zerolog.Nop())
	m.Connect("acc-1", ConnectOptions{Platform: domain.PlatformMT, Credentials: &Credentials{Login: "1001"}})
	m.UpdateMetrics("acc-1", snapshot(1, 1))
	store.Close()

	store2, err := persist.NewStore(dir, zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	defer store2.Close()
	m2 := NewManager(store2, bus, zerolog.Nop())

	got := m2.Get("acc-1")
	require.NotNil(t, got)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Equal(t, "1001", got.Login)
	assert.Nil(t, m2.Credentials("acc-1"))
}

func TestCheckStaleness(t *testing.T) {
	m, _ := newTestManager(t)

	m.Connect("fresh", ConnectOptions{Credentials: &Credentials{Login: "1"}})
	m.UpdateMetrics("fresh", snapshot(1, 1))
	m.AttachTerminal("fresh", "t1")

	m.Connect("stale", ConnectOptions{Credentials: &Credentials{Login: "2"}})
	m.UpdateMetrics("stale", snapshot(1, 1))
	m.AttachTerminal("stale", "t2")

	// Age the stale session's heartbeat past the threshold.
	m.mu.Lock()
	m.sessions["stale"].LastHeartbeat = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	probed := map[string]bool{}
	m.CheckStaleness(func(terminalID string) bool {
		probed[terminalID] = true
		return false
	})

	assert.True(t, probed["t2"])
	assert.False(t, probed["t1"], "fresh session must not be probed")
	assert.Equal(t, StatusDisconnected, m.Get("stale").Status)
	assert.Equal(t, StatusConnected, m.Get("fresh").Status)
}

func TestChangeEventsCarryTransitionValues(t *testing.T) {
	store, err := persist.NewStore(t.TempDir(), zerolog.Nop(), persist.WithDebounce(0))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	bus := events.NewBus(zerolog.Nop())
	m := NewManager(store, bus, zerolog.Nop())

	var payloads []map[string]interface{}
	bus.Subscribe(events.SessionChanged, func(e *events.Event) {
		payloads = append(payloads, e.Data)
	})

	live := m.Connect("acc-1", ConnectOptions{Platform: domain.PlatformMT, AutoReconnect: true})
	m.UpdateMetrics("acc-1", snapshot(100, 100))
	m.MarkDisconnected("acc-1", "terminal disconnected")

	// The live record keeps changing after each emit; the events must have
	// captured the values at transition time, not the record.
	live.Status = StatusError
	live.StatusReason = "later"

	require.Len(t, payloads, 3)
	assert.Equal(t, string(StatusConnecting), payloads[0]["status"])
	assert.Equal(t, string(StatusConnected), payloads[1]["status"])
	assert.Equal(t, string(StatusDisconnected), payloads[2]["status"])
	assert.Equal(t, "terminal disconnected", payloads[2]["reason"])
}
