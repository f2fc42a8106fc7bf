package reader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/ports"
)

// fakeTerminal simulates a terminal-side agent: a PUB socket streaming
// frames and a REP socket answering the command protocol.
type fakeTerminal struct {
	t           *testing.T
	pub         *zmq.Socket
	dataPort    int
	commandPort int

	mu        sync.Mutex
	positions []map[string]interface{}

	stop chan struct{}
	done chan struct{}
}

func wildcardPort(t *testing.T, sock *zmq.Socket) int {
	t.Helper()
	require.NoError(t, sock.Bind("tcp://127.0.0.1:*"))
	endpoint, err := sock.GetLastEndpoint()
	require.NoError(t, err)
	idx := strings.LastIndex(endpoint, ":")
	port, err := strconv.Atoi(endpoint[idx+1:])
	require.NoError(t, err)
	return port
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	ft := &fakeTerminal{t: t, stop: make(chan struct{}), done: make(chan struct{})}

	pub, err := zmq.NewSocket(zmq.PUB)
	require.NoError(t, err)
	ft.pub = pub
	ft.dataPort = wildcardPort(t, pub)

	rep, err := zmq.NewSocket(zmq.REP)
	require.NoError(t, err)
	require.NoError(t, rep.SetRcvtimeo(100*time.Millisecond))
	ft.commandPort = wildcardPort(t, rep)

	go ft.serveCommands(rep)
	t.Cleanup(ft.close)
	return ft
}

func (ft *fakeTerminal) close() {
	select {
	case <-ft.stop:
	default:
		close(ft.stop)
	}
	<-ft.done
	ft.pub.Close()
}

func (ft *fakeTerminal) setPositions(list []map[string]interface{}) {
	ft.mu.Lock()
	ft.positions = list
	ft.mu.Unlock()
}

func (ft *fakeTerminal) publish(frame string) {
	_, err := ft.pub.SendMessage(frame)
	require.NoError(ft.t, err)
}

func (ft *fakeTerminal) serveCommands(rep *zmq.Socket) {
	defer close(ft.done)
	defer rep.Close()
	for {
		select {
		case <-ft.stop:
			return
		default:
		}
		msg, err := rep.RecvMessage(0)
		if err != nil {
			continue
		}
		var req map[string]interface{}
		if err := json.Unmarshal([]byte(msg[0]), &req); err != nil {
			continue
		}
		action, _ := req["action"].(string)

		resp := map[string]interface{}{"success": true}
		switch action {
		case "STATUS", "GET_ACCOUNT":
			ft.mu.Lock()
			resp["login"] = "7001"
			resp["balance"] = 2500.0
			resp["equity"] = 2500.0
			resp["positions"] = ft.positions
			ft.mu.Unlock()
		case "PING":
			resp["pong"] = true
		case "GET_HISTORY":
			resp["deals"] = []interface{}{}
		}
		out, _ := json.Marshal(resp)
		if _, err := rep.SendMessage(string(out)); err != nil {
			return
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) record(e *events.Event) {
	r.mu.Lock()
	r.evts = append(r.evts, *e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evts {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func writeMasterRegistration(t *testing.T, dir, login string, ft *fakeTerminal) {
	t.Helper()
	content := fmt.Sprintf(`{"login":%q,"dataPort":%d,"commandPort":%d}`, login, ft.dataPort, ft.commandPort)
	require.NoError(t, os.WriteFile(filepath.Join(dir, login+".json"), []byte(content), 0644))
}

func writeSlaveRegistration(t *testing.T, dir, login string, ft *fakeTerminal) {
	t.Helper()
	content := fmt.Sprintf(`{"login":%q,"commandPort":%d,"role":"slave"}`, login, ft.commandPort)
	require.NoError(t, os.WriteFile(filepath.Join(dir, login+".json"), []byte(content), 0644))
}

func newTestReader(t *testing.T, dir string) (*Reader, *recorder) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.SubscribeAll(rec.record)

	pm := ports.NewManager(zerolog.Nop(), ports.WithProbeTimeout(200*time.Millisecond))
	r := New(Config{
		RegistrationDir:   dir,
		CommandTimeout:    time.Second,
		ReconnectInterval: 100 * time.Millisecond,
		ScanCacheTTL:      2 * time.Second,
		PubWaitTimeout:    500 * time.Millisecond,
		SlavePollInterval: 100 * time.Millisecond,
		HistoryDelay:      50 * time.Millisecond,
	}, pm, nil, bus, zerolog.Nop())
	t.Cleanup(r.Shutdown)
	return r, rec
}

func TestScanConnectsMaster(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	writeMasterRegistration(t, dir, "7001", ft)

	r, rec := newTestReader(t, dir)

	connected := r.ScanAndConnect(true)
	require.Equal(t, []string{"7001"}, connected)

	assert.True(t, r.IsTerminalConnected("7001"))
	assert.NotEmpty(t, rec.ofType(events.TerminalConnected))

	// The synthetic connect built a snapshot from STATUS.
	snap := r.GetLastSnapshot("7001")
	require.NotNil(t, snap)
	assert.Equal(t, "7001", snap.AccountID)
	assert.Equal(t, 2500.0, snap.Balance)
}

func TestScanCacheServesRepeatCalls(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	writeMasterRegistration(t, dir, "7001", ft)

	r, _ := newTestReader(t, dir)

	first := r.ScanAndConnect(true)
	start := time.Now()
	second := r.ScanAndConnect(false)
	assert.Equal(t, first, second)
	// A cached answer must not pay probe or PUB-wait costs.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestMasterPubStreamEvents(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	writeMasterRegistration(t, dir, "7001", ft)

	r, rec := newTestReader(t, dir)
	require.NotEmpty(t, r.ScanAndConnect(true))

	// Give the slow-joiner SUB a moment, then stream an open.
	time.Sleep(300 * time.Millisecond)
	ft.publish(`EVENT|{"type":"POSITION_OPENED","accountId":"7001","data":{"id":"55","symbol":"EURUSD","type":"BUY","volume":0.1}}`)

	require.Eventually(t, func() bool {
		return len(rec.ofType(events.PositionOpened)) > 0
	}, 3*time.Second, 50*time.Millisecond)

	got := rec.ofType(events.PositionOpened)[0]
	assert.Equal(t, "7001", got.TerminalID)
	assert.Equal(t, "55", got.Data["id"])
}

func TestSlaveConnectAndPollDiff(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	ft.setPositions([]map[string]interface{}{
		{"id": "90", "symbol": "EURUSD", "type": "BUY", "volume": 0.1},
	})
	writeSlaveRegistration(t, dir, "7001", ft)

	r, rec := newTestReader(t, dir)

	connected := r.ScanAndConnect(true)
	require.Equal(t, []string{"7001"}, connected)
	assert.True(t, r.IsSlaveTerminal("7001"))
	require.NotEmpty(t, rec.ofType(events.TerminalConnected))

	// Dropping the position must surface as a synthetic close on a later poll.
	ft.setPositions(nil)
	require.Eventually(t, func() bool {
		return len(rec.ofType(events.PositionClosed)) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "90", rec.ofType(events.PositionClosed)[0].Data["id"])
}

func TestSendCommandRouting(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	writeMasterRegistration(t, dir, "7001", ft)

	r, _ := newTestReader(t, dir)
	require.NotEmpty(t, r.ScanAndConnect(true))

	res := r.Ping("7001")
	require.True(t, res.Success)
	assert.Equal(t, true, res.Payload["pong"])

	res = r.Ping("missing")
	require.False(t, res.Success)
	assert.Equal(t, "Terminal not connected", res.Error)
}

func TestSafeDisconnectReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	ft := newFakeTerminal(t)
	writeMasterRegistration(t, dir, "7001", ft)

	r, _ := newTestReader(t, dir)
	require.NotEmpty(t, r.ScanAndConnect(true))
	require.True(t, r.portMgr.IsAllocated(ft.dataPort))

	r.SafeDisconnect("7001")

	assert.Empty(t, r.TerminalIDs())
	assert.False(t, r.portMgr.IsAllocated(ft.dataPort))
	assert.False(t, r.portMgr.IsAllocated(ft.commandPort))
	assert.Nil(t, r.GetLastSnapshot("7001"))

	res := r.Ping("7001")
	assert.False(t, res.Success)
}

func TestScanSkipsDeadCandidates(t *testing.T) {
	dir := t.TempDir()
	content := `{"login":"9999","dataPort":51899,"commandPort":51900}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "9999.json"), []byte(content), 0644))

	r, _ := newTestReader(t, dir)
	assert.Empty(t, r.ScanAndConnect(true))
}

func TestConcurrentScansShareOneResult(t *testing.T) {
	dir := t.TempDir()
	r, _ := newTestReader(t, dir)

	// Hold the scan lock so the caller below parks exactly where a
	// concurrent scan would.
	release, err := r.portMgr.AcquireScanLock()
	require.NoError(t, err)

	done := make(chan []string, 1)
	go func() { done <- r.ScanAndConnect(false) }()

	// While the waiter is parked, the lock holder finishes its scan and
	// publishes a result. The waiter must adopt it instead of scanning the
	// empty registration dir itself.
	time.Sleep(100 * time.Millisecond)
	r.scanMu.Lock()
	r.scanResult = []string{"7001"}
	r.scanAt = time.Now()
	r.scanMu.Unlock()
	release()

	select {
	case got := <-done:
		assert.Equal(t, []string{"7001"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("scan call never returned")
	}
}
