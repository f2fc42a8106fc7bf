// Package control implements the per-terminal control channel: a bound PAIR
// socket whose mere connection tells the terminal-side agent the desktop app
// is alive. OS-level socket teardown on app exit surfaces to the peer
// immediately, so the agent never has to poll.
package control

import (
	"encoding/json"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/events"
)

// ChannelState is the lifecycle state of one control channel.
type ChannelState string

const (
	StateStarting  ChannelState = "starting"
	StateConnected ChannelState = "connected"
	StateError     ChannelState = "error"
	StateClosed    ChannelState = "closed"
)

const (
	// enableResendInterval guards against the agent missing the initial
	// ENABLE during a first-connect race.
	enableResendInterval = 30 * time.Second

	receiveTimeout = time.Second
)

// Channel is one bound PAIR socket serving one terminal.
type Channel struct {
	terminalID  string
	port        int
	sessionID   string
	licenseHint string
	appVersion  string

	bus *events.Bus
	log zerolog.Logger

	mu    sync.Mutex
	state ChannelState

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Server owns all control channels, one per connected terminal.
type Server struct {
	appVersion string
	bus        *events.Bus
	log        zerolog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewServer creates a control server.
func NewServer(appVersion string, bus *events.Bus, log zerolog.Logger) *Server {
	return &Server{
		appVersion: appVersion,
		bus:        bus,
		log:        log.With().Str("component", "control_server").Logger(),
		channels:   make(map[string]*Channel),
	}
}

// Open binds a PAIR socket on port for the terminal and starts its loop.
// A bind failure marks the channel errored and is not retried: a collision
// means another instance already owns the port.
func (s *Server) Open(terminalID string, port int, licenseHint string) (*Channel, error) {
	s.mu.Lock()
	if existing, ok := s.channels[terminalID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	ch := &Channel{
		terminalID:  terminalID,
		port:        port,
		sessionID:   uuid.New().String(),
		licenseHint: licenseHint,
		appVersion:  s.appVersion,
		bus:         s.bus,
		log: s.log.With().
			Str("terminal_id", terminalID).
			Int("control_port", port).
			Logger(),
		state:  StateStarting,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.channels[terminalID] = ch
	s.mu.Unlock()

	sock, err := ch.bind()
	if err != nil {
		ch.setState(StateError)
		s.mu.Lock()
		delete(s.channels, terminalID)
		s.mu.Unlock()
		return nil, err
	}

	go ch.run(sock)
	return ch, nil
}

// Close shuts down the channel for one terminal. A DISABLE frame goes out
// best-effort before the socket closes.
func (s *Server) Close(terminalID string) {
	s.mu.Lock()
	ch, ok := s.channels[terminalID]
	if ok {
		delete(s.channels, terminalID)
	}
	s.mu.Unlock()
	if ok {
		ch.close()
	}
}

// CloseAll shuts down every channel.
func (s *Server) CloseAll() {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
}

// State returns the channel state for a terminal, or StateClosed when no
// channel exists.
func (s *Server) State(terminalID string) ChannelState {
	s.mu.Lock()
	ch, ok := s.channels[terminalID]
	s.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return ch.State()
}

// SessionID returns the session identifier of a terminal's channel.
func (s *Server) SessionID(terminalID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[terminalID]; ok {
		return ch.sessionID
	}
	return ""
}

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session identifier issued at bind time.
func (c *Channel) SessionID() string {
	return c.sessionID
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) bind() (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, fmt.Errorf("failed to create PAIR socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetRcvtimeo(receiveTimeout); err != nil {
		_ = sock.Close()
		return nil, err
	}
	// PAIR sends block while no peer is connected; a bounded send timeout
	// keeps the ENABLE resend from wedging the loop.
	if err := sock.SetSndtimeo(time.Second); err != nil {
		_ = sock.Close()
		return nil, err
	}
	endpoint := fmt.Sprintf("tcp://127.0.0.1:%d", c.port)
	if err := sock.Bind(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to bind control port %d: %w", c.port, err)
	}
	return sock, nil
}

// run owns the socket: it sends the initial ENABLE, re-sends it on a timer,
// processes inbound frames and sends a best-effort DISABLE on shutdown.
func (c *Channel) run(sock *zmq.Socket) {
	defer close(c.done)
	defer sock.Close()

	c.sendEnable(sock)
	lastEnable := time.Now()

	for {
		select {
		case <-c.stopCh:
			c.sendDisable(sock, "shutdown")
			c.setState(StateClosed)
			return
		default:
		}

		if time.Since(lastEnable) >= enableResendInterval {
			c.sendEnable(sock)
			lastEnable = time.Now()
		}

		msg, err := sock.RecvMessage(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			select {
			case <-c.stopCh:
				c.sendDisable(sock, "shutdown")
				c.setState(StateClosed)
				return
			default:
			}
			c.log.Warn().Err(err).Msg("Control channel receive failed")
			c.setState(StateError)
			c.bus.EmitForTerminal(events.ControlLost, "control_server", c.terminalID,
				map[string]interface{}{"error": err.Error()})
			return
		}
		for _, part := range msg {
			c.handleFrame(part)
		}
	}
}

// handleFrame processes one inbound control frame. Non-JSON input is
// ignored; the agent side is allowed to send junk during startup.
func (c *Channel) handleFrame(raw string) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return
	}
	action, _ := m["action"].(string)
	switch action {
	case "ACK", "CONNECTED":
		c.mu.Lock()
		already := c.state == StateConnected
		c.state = StateConnected
		c.mu.Unlock()
		if !already {
			c.log.Info().Msg("Control channel acknowledged")
			c.bus.EmitForTerminal(events.ControlEnabled, "control_server", c.terminalID,
				map[string]interface{}{"sessionId": c.sessionID})
		}
	case "HEARTBEAT_ACK":
		// Liveness noise, nothing to do.
	default:
		c.log.Debug().Str("action", action).Msg("Ignoring unknown control frame")
	}
}

func (c *Channel) sendEnable(sock *zmq.Socket) {
	frame := map[string]interface{}{
		"action":      "ENABLE",
		"sessionId":   c.sessionID,
		"issuedAt":    time.Now().Unix(),
		"licenseHint": c.licenseHint,
		"appVersion":  c.appVersion,
		"terminalId":  c.terminalID,
	}
	data, _ := json.Marshal(frame)
	if _, err := sock.SendMessage(string(data)); err != nil {
		c.log.Debug().Err(err).Msg("ENABLE send failed")
	}
}

func (c *Channel) sendDisable(sock *zmq.Socket, reason string) {
	data, _ := json.Marshal(map[string]interface{}{
		"action": "DISABLE",
		"reason": reason,
	})
	_ = sock.SetSndtimeo(500 * time.Millisecond)
	if _, err := sock.SendMessage(string(data)); err != nil {
		c.log.Debug().Err(err).Msg("DISABLE send failed")
	}
}

func (c *Channel) close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}
