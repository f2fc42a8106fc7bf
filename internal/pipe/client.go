// Package pipe implements the named-pipe transport used by cTrader-family
// terminals: a data pipe streaming newline-delimited JSON frames and a
// command pipe with a strict one-at-a-time request/response discipline.
package pipe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
)

const (
	// maxFrameBuffer caps the data-pipe read buffer. A frame that grows past
	// this without a newline is garbage; the buffer is cleared and reading
	// continues.
	maxFrameBuffer = 1 << 20

	aliveWindow = 15 * time.Second

	defaultCommandTimeout    = 5 * time.Second
	defaultReconnectInterval = 5 * time.Second
	dialTimeout              = 3 * time.Second
)

// Config describes one pipe-connected terminal.
type Config struct {
	TerminalID        string
	DataPipe          string
	CommandPipe       string
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
}

// Client connects to one terminal over a pair of named pipes.
type Client struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu            sync.Mutex
	connected     bool
	snapshot      *domain.AccountSnapshot
	lastMessageAt time.Time
	seenSnapshot  bool
	started       bool
	stopped       bool

	cmdMu     sync.Mutex
	cmdConn   net.Conn
	cmdReader *bufio.Reader

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pipe client. Start must be called before use.
func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return &Client{
		cfg: cfg,
		bus: bus,
		log: log.With().
			Str("component", "pipe_client").
			Str("terminal_id", cfg.TerminalID).
			Logger(),
		stopCh: make(chan struct{}),
	}
}

// TerminalID returns the terminal this client serves.
func (c *Client) TerminalID() string {
	return c.cfg.TerminalID
}

// Start dials the data pipe and launches the read loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("pipe client already started")
	}
	c.started = true
	c.mu.Unlock()

	conn, err := dialPipe(c.cfg.DataPipe, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to open data pipe %s: %w", c.cfg.DataPipe, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.log.Info().Str("data_pipe", c.cfg.DataPipe).Msg("Pipe client started")
	return nil
}

// Stop shuts the client down. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.closeCommandConn()
	c.wg.Wait()
	c.log.Info().Msg("Pipe client stopped")
}

// IsConnected reports whether the data pipe is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAlive reports connectivity plus traffic inside the alive window.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.lastMessageAt.IsZero() && time.Since(c.lastMessageAt) < aliveWindow
}

// MarkAlive records peer activity.
func (c *Client) MarkAlive() {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
}

// LastSnapshot returns the cached account snapshot, or nil.
func (c *Client) LastSnapshot() *domain.AccountSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// SendCommand writes one JSON line to the command pipe and reads one JSON
// line back. Callers are serialized; exactly one command is in flight.
func (c *Client) SendCommand(action string, params map[string]interface{}) domain.CommandResult {
	payload := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["action"] = action

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Fail(fmt.Sprintf("failed to encode command: %v", err))
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	conn := c.commandConn()
	if conn == nil {
		return domain.Fail("pipe closed")
	}

	deadline := time.Now().Add(c.cfg.CommandTimeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(append(data, '\n')); err != nil {
		c.dropCommandConn(conn)
		return domain.Fail("pipe closed")
	}

	line, err := c.cmdReader.ReadBytes('\n')
	if err != nil {
		c.dropCommandConn(conn)
		if strings.Contains(err.Error(), "timeout") {
			return domain.Fail("command timed out")
		}
		return domain.Fail("pipe closed")
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(line), &m); err != nil {
		return domain.Fail(fmt.Sprintf("malformed command response: %v", err))
	}
	success, _ := m["success"].(bool)
	if !success {
		errMsg, _ := m["error"].(string)
		if errMsg == "" {
			errMsg = "command rejected"
		}
		res := domain.Fail(errMsg)
		res.Payload = m
		return res
	}
	return domain.OK(m)
}

// commandConn returns the cached command connection, dialing on demand.
// Callers hold cmdMu.
func (c *Client) commandConn() net.Conn {
	if c.cmdConn != nil {
		return c.cmdConn
	}
	conn, err := dialPipe(c.cfg.CommandPipe, dialTimeout)
	if err != nil {
		c.log.Warn().Err(err).Str("command_pipe", c.cfg.CommandPipe).Msg("Failed to open command pipe")
		return nil
	}
	c.cmdConn = conn
	c.cmdReader = bufio.NewReader(conn)
	return conn
}

// dropCommandConn discards a broken command connection. Callers hold cmdMu.
func (c *Client) dropCommandConn(conn net.Conn) {
	_ = conn.Close()
	if c.cmdConn == conn {
		c.cmdConn = nil
		c.cmdReader = nil
	}
}

func (c *Client) closeCommandConn() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.cmdConn != nil {
		_ = c.cmdConn.Close()
		c.cmdConn = nil
		c.cmdReader = nil
	}
}

// readLoop drains newline-delimited frames off the data pipe. A close or
// read error marks the client disconnected and schedules a reconnect.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = c.drainFrames(buf)
			if len(buf) > maxFrameBuffer {
				c.log.Warn().Int("bytes", len(buf)).Msg("Data pipe buffer overflow, clearing")
				buf = buf[:0]
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.handleDisconnect(err)
			return
		}
	}
}

// drainFrames processes every complete line in buf and returns the
// remainder.
func (c *Client) drainFrames(buf []byte) []byte {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		if len(line) > 0 {
			c.handleFrame(line)
		}
	}
}

// handleFrame dispatches one data-pipe frame: a LICENSE_STATUS, a GOODBYE or
// an account snapshot. Parse failures drop the frame.
func (c *Client) handleFrame(line []byte) {
	var m map[string]interface{}
	if err := json.Unmarshal(line, &m); err != nil {
		c.log.Debug().Err(err).Msg("Dropping unparseable pipe frame")
		return
	}

	c.MarkAlive()
	msgType, _ := m["type"].(string)

	switch strings.ToUpper(msgType) {
	case "LICENSE_STATUS":
		c.mu.Lock()
		if c.snapshot != nil {
			if valid, ok := m["isLicenseValid"].(bool); ok {
				c.snapshot.IsLicenseValid = valid
			}
		}
		c.mu.Unlock()
		c.emit(events.AccountUpdate, m)

	case "GOODBYE":
		c.emit(events.Disconnected, m)

	default:
		// Anything else is an account snapshot frame.
		snap := domain.SnapshotFromMap(m)
		snap.Platform = domain.PlatformCT

		c.mu.Lock()
		first := !c.seenSnapshot
		c.seenSnapshot = true
		c.snapshot = snap
		c.mu.Unlock()

		if first {
			c.emit(events.Connected, m)
		} else {
			c.emit(events.AccountUpdate, m)
		}
	}
}

// handleDisconnect marks the client down, fails the command channel and
// schedules a reconnect.
func (c *Client) handleDisconnect(err error) {
	c.log.Warn().Err(err).Msg("Data pipe closed, scheduling reconnect")

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.closeCommandConn()
	c.emit(events.Disconnected, map[string]interface{}{"error": err.Error()})
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		conn, err := dialPipe(c.cfg.DataPipe, dialTimeout)
		if err != nil {
			c.log.Debug().Err(err).Msg("Data pipe reconnect failed, retrying")
			c.scheduleReconnect()
			return
		}

		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

		c.log.Info().Msg("Data pipe reconnected")
		c.wg.Add(1)
		go c.readLoop(conn)
	}()
}

func (c *Client) emit(evType events.EventType, data map[string]interface{}) {
	c.bus.EmitForTerminal(evType, "pipe_client", c.cfg.TerminalID, data)
}
