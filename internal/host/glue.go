// Package host keeps the session ledger in step with what the transports
// report: auto-registering discovered terminals, relaying heartbeats,
// probing stale sessions and re-attaching returning accounts.
package host

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/scheduler"
	"github.com/hedgeedge/core/internal/session"
)

const (
	// heartbeatForwardInterval throttles per-account metric pushes so a
	// chatty terminal cannot flood the UI.
	heartbeatForwardInterval = 2 * time.Second

	healthCheckSchedule = "@every 5s"
	refreshSchedule     = "@every 30s"
	discoverySchedule   = "@every 30s"

	// snapshotMaxAge bounds how old a cached snapshot may be before it is
	// too stale to attach a session to.
	snapshotMaxAge = 30 * time.Second
)

// Terminals is the reader surface the glue needs.
type Terminals interface {
	ScanAndConnect(force bool) []string
	TerminalIDs() []string
	GetLastSnapshot(id string) *domain.AccountSnapshot
	IsTerminalAlive(id string) bool
	Ping(id string) domain.CommandResult
}

// Scheduler registers periodic jobs.
type Scheduler interface {
	AddJob(schedule string, job scheduler.Job) error
}

// Glue wires terminal events into the session manager.
type Glue struct {
	terminals Terminals
	sessions  *session.Manager
	bus       *events.Bus
	log       zerolog.Logger

	mu          sync.Mutex
	lastForward map[string]time.Time
}

// New creates the glue.
func New(terminals Terminals, sessions *session.Manager, bus *events.Bus, log zerolog.Logger) *Glue {
	return &Glue{
		terminals:   terminals,
		sessions:    sessions,
		bus:         bus,
		log:         log.With().Str("component", "host_glue").Logger(),
		lastForward: make(map[string]time.Time),
	}
}

// Start subscribes to the terminal event stream and registers the periodic
// jobs.
func (g *Glue) Start(sched Scheduler) error {
	g.bus.Subscribe(events.TerminalConnected, g.onTerminalConnected)
	g.bus.Subscribe(events.TerminalHeartbeat, g.onTerminalHeartbeat)
	g.bus.Subscribe(events.TerminalDisconnected, g.onTerminalDisconnected)

	if sched == nil {
		return nil
	}
	if err := sched.AddJob(healthCheckSchedule, job{"session_health_check", g.runHealthCheck}); err != nil {
		return err
	}
	if err := sched.AddJob(refreshSchedule, job{"account_refresh", g.runAccountRefresh}); err != nil {
		return err
	}
	return sched.AddJob(discoverySchedule, job{"terminal_discovery", g.runDiscovery})
}

type job struct {
	name string
	fn   func() error
}

func (j job) Run() error   { return j.fn() }
func (j job) Name() string { return j.name }

// onTerminalConnected attaches the terminal to its session, creating an
// auto-discovered session when no user session claims the login.
func (g *Glue) onTerminalConnected(e *events.Event) {
	g.adoptTerminal(e.TerminalID)
}

// adoptTerminal resolves the session owning a terminal and syncs metrics.
// A snapshot older than snapshotMaxAge no longer proves the account is
// still live on that terminal, so it cannot back an attachment.
func (g *Glue) adoptTerminal(terminalID string) {
	snap := g.terminals.GetLastSnapshot(terminalID)
	if snap == nil || time.Since(snap.Timestamp) > snapshotMaxAge {
		return
	}
	login := snap.AccountID

	sess := g.sessions.FindByTerminal(terminalID)
	if sess == nil && login != "" {
		sess = g.sessions.FindByLogin(login)
	}
	if sess == nil {
		role := domain.RoleMaster
		sess = g.sessions.Connect(session.AutoKey(login), session.ConnectOptions{
			Platform:      snap.Platform,
			Role:          role,
			AutoReconnect: true,
		})
		g.log.Info().
			Str("terminal_id", terminalID).
			Str("login", login).
			Msg("Auto-registered session for discovered terminal")
	}

	g.sessions.AttachTerminal(sess.AccountID, terminalID)
	g.sessions.UpdateMetrics(sess.AccountID, snap)
}

// onTerminalHeartbeat records liveness always and forwards metrics at most
// once per throttle window.
func (g *Glue) onTerminalHeartbeat(e *events.Event) {
	sess := g.sessions.FindByTerminal(e.TerminalID)
	if sess == nil {
		return
	}
	g.sessions.Heartbeat(sess.AccountID)

	g.mu.Lock()
	last := g.lastForward[sess.AccountID]
	now := time.Now()
	throttled := now.Sub(last) < heartbeatForwardInterval
	if !throttled {
		g.lastForward[sess.AccountID] = now
	}
	g.mu.Unlock()
	if throttled {
		return
	}

	if snap := g.terminals.GetLastSnapshot(e.TerminalID); snap != nil {
		g.sessions.UpdateMetrics(sess.AccountID, snap)
	}
}

func (g *Glue) onTerminalDisconnected(e *events.Event) {
	sess := g.sessions.FindByTerminal(e.TerminalID)
	if sess == nil {
		return
	}
	g.sessions.MarkDisconnected(sess.AccountID, "terminal disconnected")
}

// runHealthCheck probes sessions whose heartbeats went quiet.
func (g *Glue) runHealthCheck() error {
	g.sessions.CheckStaleness(func(terminalID string) bool {
		return g.terminals.Ping(terminalID).Success
	})
	return nil
}

// runAccountRefresh pushes the cached snapshots into the session metrics so
// balances stay current even without terminal events.
func (g *Glue) runAccountRefresh() error {
	for _, id := range g.terminals.TerminalIDs() {
		sess := g.sessions.FindByTerminal(id)
		if sess == nil {
			continue
		}
		if snap := g.terminals.GetLastSnapshot(id); snap != nil {
			g.sessions.UpdateMetrics(sess.AccountID, snap)
		}
	}
	return nil
}

// runDiscovery scans for new terminals and re-attaches returning accounts.
func (g *Glue) runDiscovery() error {
	g.terminals.ScanAndConnect(false)
	for _, id := range g.terminals.TerminalIDs() {
		if !g.terminals.IsTerminalAlive(id) {
			continue
		}
		sess := g.sessions.FindByTerminal(id)
		if sess != nil && sess.Status == session.StatusConnected {
			continue
		}
		g.adoptTerminal(id)
	}
	return nil
}
