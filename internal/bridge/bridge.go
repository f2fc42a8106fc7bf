// Package bridge implements the ZeroMQ side of terminal connectivity: a SUB
// socket for the event stream, a REQ socket with a FIFO command queue, frame
// parsing with legacy normalization and position diffing for peers that do
// not push their own events.
package bridge

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
)

// Mode selects which sockets the bridge owns. Masters stream events over a
// SUB socket; slaves only answer commands and are polled for liveness.
type Mode string

const (
	ModeMaster Mode = "master"
	ModeSlave  Mode = "slave"
)

const (
	// aliveWindow is the maximum silence before a connected bridge is
	// considered dead.
	aliveWindow = 15 * time.Second

	// subReceiveTimeout bounds each SUB receive so the loop can observe
	// shutdown.
	subReceiveTimeout = time.Second

	subscribeHWM = 1000

	defaultCommandTimeout    = 5 * time.Second
	defaultReconnectInterval = 5 * time.Second
)

// Config describes one terminal connection.
type Config struct {
	TerminalID        string
	Host              string
	DataPort          int
	CommandPort       int
	Mode              Mode
	EventDriven       bool
	CurveEnabled      bool
	CurveServerKey    string
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
}

// Bridge connects to one terminal-side agent over ZeroMQ.
type Bridge struct {
	cfg  Config
	bus  *events.Bus
	log  zerolog.Logger
	cmdQ *commandQueue

	mu            sync.Mutex
	subConnected  bool
	snapshot      *domain.AccountSnapshot
	lastMessageAt time.Time
	seenSnapshot  bool
	started       bool
	stopped       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a bridge. Start must be called before use.
func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Bridge {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeMaster
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	curve := curveSettings{enabled: cfg.CurveEnabled, serverKey: cfg.CurveServerKey}
	blog := log.With().
		Str("component", "zmq_bridge").
		Str("terminal_id", cfg.TerminalID).
		Str("mode", string(cfg.Mode)).
		Logger()

	if cfg.CurveEnabled && cfg.CurveServerKey == "" {
		blog.Warn().Msg("CURVE enabled without a server key, starting unencrypted")
		curve.enabled = false
	}

	endpoint := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.CommandPort)
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		log:    blog,
		cmdQ:   newCommandQueue(endpoint, cfg.CommandTimeout, curve, blog),
		stopCh: make(chan struct{}),
	}
}

// TerminalID returns the terminal this bridge serves.
func (b *Bridge) TerminalID() string {
	return b.cfg.TerminalID
}

// Mode returns the bridge mode.
func (b *Bridge) Mode() Mode {
	return b.cfg.Mode
}

// Start dials the command socket and, for masters, connects the SUB socket
// and launches the receive loop.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	b.cmdQ.start()

	if b.cfg.Mode == ModeSlave {
		b.log.Info().Int("command_port", b.cfg.CommandPort).Msg("Slave bridge started")
		return nil
	}

	sock, err := b.connectSub()
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.receiveLoop(sock)

	b.log.Info().
		Int("data_port", b.cfg.DataPort).
		Int("command_port", b.cfg.CommandPort).
		Msg("Master bridge started")
	return nil
}

// Stop shuts the bridge down. Pending commands fail with a stopped result.
// Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.cmdQ.stop()
	b.wg.Wait()
	b.log.Info().Msg("Bridge stopped")
}

// IsConnected reports socket-level connectivity: masters need both the SUB
// and REQ sockets, slaves only the REQ socket.
func (b *Bridge) IsConnected() bool {
	if b.cfg.Mode == ModeSlave {
		return b.cmdQ.isConnected()
	}
	b.mu.Lock()
	sub := b.subConnected
	b.mu.Unlock()
	return sub && b.cmdQ.isConnected()
}

// IsAlive reports connectivity plus recent traffic: something must have been
// heard from the peer within the alive window.
func (b *Bridge) IsAlive() bool {
	if !b.IsConnected() {
		return false
	}
	b.mu.Lock()
	last := b.lastMessageAt
	b.mu.Unlock()
	return !last.IsZero() && time.Since(last) < aliveWindow
}

// MarkAlive records peer activity. Slaves have no event stream, so their
// poller calls this after each successful STATUS reply.
func (b *Bridge) MarkAlive() {
	b.mu.Lock()
	b.lastMessageAt = time.Now()
	b.mu.Unlock()
}

// LastSnapshot returns the cached account snapshot, or nil before the first
// connect frame.
func (b *Bridge) LastSnapshot() *domain.AccountSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// SetSnapshot replaces the cached snapshot. Used by the slave poller, which
// builds snapshots from STATUS replies instead of a SUB stream.
func (b *Bridge) SetSnapshot(s *domain.AccountSnapshot) {
	b.mu.Lock()
	b.snapshot = s
	b.mu.Unlock()
}

// SendCommand performs one REQ round-trip. Concurrent callers are serialized
// in FIFO order with one request in flight at a time.
func (b *Bridge) SendCommand(action string, params map[string]interface{}) domain.CommandResult {
	payload := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["action"] = action
	return b.cmdQ.submit(payload)
}

// Command wrappers for the closed terminal command set.

func (b *Bridge) Ping() domain.CommandResult {
	return b.SendCommand("PING", nil)
}

func (b *Bridge) Status() domain.CommandResult {
	return b.SendCommand("STATUS", nil)
}

func (b *Bridge) GetAccount() domain.CommandResult {
	return b.SendCommand("GET_ACCOUNT", nil)
}

func (b *Bridge) Pause() domain.CommandResult {
	return b.SendCommand("PAUSE", nil)
}

func (b *Bridge) Resume() domain.CommandResult {
	return b.SendCommand("RESUME", nil)
}

func (b *Bridge) CloseAll() domain.CommandResult {
	return b.SendCommand("CLOSE_ALL", nil)
}

func (b *Bridge) ClosePosition(positionID string) domain.CommandResult {
	return b.SendCommand("CLOSE_POSITION", map[string]interface{}{"positionId": positionID})
}

func (b *Bridge) OpenPosition(params map[string]interface{}) domain.CommandResult {
	return b.SendCommand("OPEN_POSITION", params)
}

func (b *Bridge) ModifyPosition(ticket string, sl, tp *float64) domain.CommandResult {
	params := map[string]interface{}{"ticket": ticket}
	if sl != nil {
		params["sl"] = *sl
	}
	if tp != nil {
		params["tp"] = *tp
	}
	return b.SendCommand("MODIFY_POSITION", params)
}

func (b *Bridge) GetConfig() domain.CommandResult {
	return b.SendCommand("CONFIG", nil)
}

func (b *Bridge) SetConfig(params map[string]interface{}) domain.CommandResult {
	return b.SendCommand("SET_CONFIG", map[string]interface{}{"params": params})
}

func (b *Bridge) GetHistory(days int) domain.CommandResult {
	return b.SendCommand("GET_HISTORY", map[string]interface{}{"days": days})
}

// connectSub creates and connects the SUB socket. The receive loop owns the
// returned socket and closes it on exit.
func (b *Bridge) connectSub() (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	setup := func() error {
		if err := sock.SetRcvhwm(subscribeHWM); err != nil {
			return err
		}
		if err := sock.SetLinger(0); err != nil {
			return err
		}
		if err := sock.SetRcvtimeo(subReceiveTimeout); err != nil {
			return err
		}
		if b.cfg.CurveEnabled && b.cfg.CurveServerKey != "" {
			if err := applyCurve(sock, b.cfg.CurveServerKey); err != nil {
				return fmt.Errorf("failed to configure CURVE: %w", err)
			}
		}
		endpoint := fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.DataPort)
		if err := sock.Connect(endpoint); err != nil {
			return fmt.Errorf("failed to connect %s: %w", endpoint, err)
		}
		for _, prefix := range []string{TopicEvent + "|", TopicSnapshot + "|", ""} {
			if err := sock.SetSubscribe(prefix); err != nil {
				return err
			}
		}
		return nil
	}
	if err := setup(); err != nil {
		_ = sock.Close()
		return nil, err
	}

	b.mu.Lock()
	b.subConnected = true
	b.mu.Unlock()
	return sock, nil
}

// receiveLoop drains the SUB socket until shutdown or a socket-level error.
// Receive timeouts are normal; any other error tears the socket down and
// schedules a reconnect.
func (b *Bridge) receiveLoop(sock *zmq.Socket) {
	defer b.wg.Done()
	defer sock.Close()

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		msg, err := sock.RecvMessage(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			b.log.Warn().Err(err).Msg("SUB receive failed, scheduling reconnect")
			b.mu.Lock()
			b.subConnected = false
			b.mu.Unlock()
			b.bus.EmitForTerminal(events.TerminalError, "zmq_bridge", b.cfg.TerminalID,
				map[string]interface{}{"error": err.Error()})
			b.scheduleReconnect()
			return
		}
		b.handleFrame(strings.Join(msg, ""))
	}
}

// scheduleReconnect waits out the reconnect interval, then recreates both
// sockets and restarts the receive loop. Failures reschedule.
func (b *Bridge) scheduleReconnect() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.stopCh:
			return
		case <-time.After(b.cfg.ReconnectInterval):
		}

		b.cmdQ.reset()
		sock, err := b.connectSub()
		if err != nil {
			b.log.Warn().Err(err).Msg("Reconnect failed, retrying")
			b.scheduleReconnect()
			return
		}
		b.log.Info().Msg("Bridge reconnected")
		b.wg.Add(1)
		go b.receiveLoop(sock)
	}()
}

// handleFrame parses, normalizes and dispatches one SUB frame. Parse errors
// drop the frame; nothing here may panic the receive loop.
func (b *Bridge) handleFrame(raw string) {
	frame, err := ParseFrame(raw)
	if err != nil {
		b.log.Debug().Err(err).Msg("Dropping unparseable frame")
		return
	}

	evType, ok := b.normalize(frame)
	if !ok {
		b.log.Debug().Str("type", frame.Type).Msg("Dropping frame with unknown type")
		return
	}

	b.MarkAlive()
	payload := frame.Payload()

	switch evType {
	case events.Connected:
		snap := domain.SnapshotFromMap(payload)
		b.mu.Lock()
		b.snapshot = snap
		b.mu.Unlock()
		b.emit(events.Connected, payload)

	case events.AccountUpdate:
		b.handleAccountUpdate(payload)

	case events.Heartbeat:
		b.mu.Lock()
		if b.snapshot == nil {
			b.snapshot = domain.SnapshotFromMap(payload)
		} else {
			b.snapshot.MergeHeartbeat(payload)
		}
		b.mu.Unlock()
		b.emit(events.Heartbeat, payload)

	case events.Disconnected:
		b.emit(events.Disconnected, payload)

	default:
		b.emit(evType, payload)
	}
}

// normalize maps a frame's wire type to an event type, applying the legacy
// rules: the first SNAPSHOT per bridge lifetime is a CONNECTED, later ones
// are ACCOUNT_UPDATEs, and GOODBYE means DISCONNECTED.
func (b *Bridge) normalize(frame *Frame) (events.EventType, bool) {
	t := frame.Type
	if t == "" && frame.Topic == TopicSnapshot {
		t = "SNAPSHOT"
	}

	switch t {
	case "SNAPSHOT":
		b.mu.Lock()
		first := !b.seenSnapshot
		b.seenSnapshot = true
		b.mu.Unlock()
		if first {
			return events.Connected, true
		}
		return events.AccountUpdate, true
	case "GOODBYE":
		return events.Disconnected, true
	case string(events.Connected):
		b.mu.Lock()
		b.seenSnapshot = true
		b.mu.Unlock()
		return events.Connected, true
	}

	evType := events.EventType(t)
	if events.IsTerminalEvent(evType) {
		return evType, true
	}
	return "", false
}

// handleAccountUpdate replaces the cached snapshot and, for peers that do
// not push their own position events, diffs the position list to synthesize
// POSITION_OPENED and POSITION_CLOSED.
func (b *Bridge) handleAccountUpdate(payload map[string]interface{}) {
	snap := domain.SnapshotFromMap(payload)

	b.mu.Lock()
	previous := b.snapshot
	b.snapshot = snap
	b.mu.Unlock()

	if !b.cfg.EventDriven && previous != nil {
		diff := DiffPositions(previous.Positions, snap.Positions)
		for _, p := range diff.Closed {
			b.emit(events.PositionClosed, ClosedPositionData(p))
		}
		for _, p := range diff.Opened {
			b.emit(events.PositionOpened, OpenedPositionData(p))
		}
	}

	b.emit(events.AccountUpdate, payload)
}

func (b *Bridge) emit(evType events.EventType, data map[string]interface{}) {
	b.bus.EmitForTerminal(evType, "zmq_bridge", b.cfg.TerminalID, data)
}

// OpenedPositionData builds the payload of a synthetic POSITION_OPENED.
func OpenedPositionData(p domain.Position) map[string]interface{} {
	return positionData(p, p.Profit)
}

// ClosedPositionData builds the payload of a synthetic POSITION_CLOSED. The
// reported profit is the realized composite (profit + swap + commission).
func ClosedPositionData(p domain.Position) map[string]interface{} {
	return positionData(p, p.RealizedProfit())
}

func positionData(p domain.Position, profit float64) map[string]interface{} {
	data := map[string]interface{}{
		"id":         p.ID,
		"ticket":     p.ID,
		"symbol":     p.Symbol,
		"side":       string(p.Side),
		"volume":     p.Volume,
		"volumeLots": p.VolumeLots,
		"entryPrice": p.EntryPrice,
		"profit":     profit,
		"swap":       p.Swap,
		"commission": p.Commission,
		"openTime":   p.OpenTime,
		"comment":    p.Comment,
	}
	if p.StopLoss != nil {
		data["stopLoss"] = *p.StopLoss
	}
	if p.TakeProfit != nil {
		data["takeProfit"] = *p.TakeProfit
	}
	return data
}
