// Package reader implements the single public surface for terminal
// messaging: discovery and connection of terminals, the snapshot cache,
// event fan-out towards the host and command routing across the ZMQ and
// pipe transports.
package reader

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/bridge"
	"github.com/hedgeedge/core/internal/control"
	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/pipe"
	"github.com/hedgeedge/core/internal/ports"
)

const (
	defaultScanCacheTTL      = 2 * time.Second
	defaultPubWaitTimeout    = 3 * time.Second
	defaultSlavePollInterval = 5 * time.Second
	defaultHistoryDelay      = 5 * time.Second
	defaultHistoryDays       = 3650
)

// Config tunes discovery and connection behavior.
type Config struct {
	RegistrationDir   string
	Host              string
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
	ScanCacheTTL      time.Duration
	PubWaitTimeout    time.Duration
	SlavePollInterval time.Duration
	HistoryDelay      time.Duration
	HistoryDays       int
}

func (c *Config) fillDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ScanCacheTTL <= 0 {
		c.ScanCacheTTL = defaultScanCacheTTL
	}
	if c.PubWaitTimeout <= 0 {
		c.PubWaitTimeout = defaultPubWaitTimeout
	}
	if c.SlavePollInterval <= 0 {
		c.SlavePollInterval = defaultSlavePollInterval
	}
	if c.HistoryDelay <= 0 {
		c.HistoryDelay = defaultHistoryDelay
	}
	if c.HistoryDays <= 0 {
		c.HistoryDays = defaultHistoryDays
	}
}

// Reader owns every terminal connection. All public methods are safe for
// concurrent use.
type Reader struct {
	cfg     Config
	portMgr *ports.Manager
	ctrl    *control.Server
	bus     *events.Bus
	log     zerolog.Logger

	mu        sync.Mutex
	bridges   map[string]*bridge.Bridge
	pipes     map[string]*pipe.Client
	snapshots map[string]*domain.AccountSnapshot
	pollers   map[string]chan struct{}
	connected map[string]bool // first successful exchange seen

	scanMu     sync.Mutex
	scanResult []string
	scanAt     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a reader. The bus is the host-facing event stream.
func New(cfg Config, portMgr *ports.Manager, ctrl *control.Server, bus *events.Bus, log zerolog.Logger) *Reader {
	cfg.fillDefaults()
	return &Reader{
		cfg:       cfg,
		portMgr:   portMgr,
		ctrl:      ctrl,
		bus:       bus,
		log:       log.With().Str("component", "channel_reader").Logger(),
		bridges:   make(map[string]*bridge.Bridge),
		pipes:     make(map[string]*pipe.Client),
		snapshots: make(map[string]*domain.AccountSnapshot),
		pollers:   make(map[string]chan struct{}),
		connected: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// ScanAndConnect discovers registered terminals, connects the live ones and
// returns the connected terminal IDs. Results are cached for a short window;
// force bypasses the cache. At most one scan runs at a time.
func (r *Reader) ScanAndConnect(force bool) []string {
	if !force {
		if cached, ok := r.cachedScan(); ok {
			return cached
		}
	}

	release, err := r.portMgr.AcquireScanLock()
	if err != nil {
		// Lock holders finished a scan moments ago; serve whatever we have.
		r.scanMu.Lock()
		cached := append([]string(nil), r.scanResult...)
		r.scanMu.Unlock()
		return cached
	}
	defer release()

	// A concurrent caller may have completed a scan while we waited on the
	// lock; its result is fresh enough.
	if !force {
		if cached, ok := r.cachedScan(); ok {
			return cached
		}
	}

	result := r.scan()

	r.scanMu.Lock()
	r.scanResult = result
	r.scanAt = time.Now()
	r.scanMu.Unlock()
	return result
}

// cachedScan returns the last scan result while it is inside the cache
// window. A fresh empty result counts; scanAt distinguishes "never scanned"
// from "scanned and found nothing".
func (r *Reader) cachedScan() ([]string, bool) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	if r.scanAt.IsZero() || time.Since(r.scanAt) >= r.cfg.ScanCacheTTL {
		return nil, false
	}
	return append([]string(nil), r.scanResult...), true
}

// scan runs one full discovery pass. Callers hold the scan lock.
func (r *Reader) scan() []string {
	r.portMgr.CleanStaleRegistrations(r.cfg.RegistrationDir)
	regs := r.portMgr.ReadRegistrations(r.cfg.RegistrationDir)

	var masters, slaves []*domain.EARegistration
	for _, v := range regs {
		if v.Registration.IsSlave() {
			slaves = append(slaves, v.Registration)
		} else {
			masters = append(masters, v.Registration)
		}
	}

	// With no registration files at all, fall back to the known port grid.
	if len(masters) == 0 && len(slaves) == 0 {
		for _, data := range ports.KnownDataPorts() {
			masters = append(masters, &domain.EARegistration{
				Login:       fmt.Sprintf("port-%d", data),
				DataPort:    data,
				CommandPort: data + 1,
			})
		}
	}

	var connectedIDs []string
	masters = r.filterAlreadyConnected(masters, &connectedIDs)
	slaves = r.filterAlreadyConnected(slaves, &connectedIDs)

	masters = r.dropDeadCandidates(masters, false)
	slaves = r.dropDeadCandidates(slaves, true)

	for _, reg := range masters {
		if id, ok := r.connectMaster(reg); ok {
			connectedIDs = append(connectedIDs, id)
		}
	}
	for _, reg := range slaves {
		if id, ok := r.connectSlave(reg); ok {
			connectedIDs = append(connectedIDs, id)
		}
	}
	return connectedIDs
}

// filterAlreadyConnected removes candidates whose bridge is already alive
// (kept as connected) and tears down bridges that have a socket open but
// have gone silent.
func (r *Reader) filterAlreadyConnected(regs []*domain.EARegistration, connectedIDs *[]string) []*domain.EARegistration {
	var remaining []*domain.EARegistration
	for _, reg := range regs {
		r.mu.Lock()
		b := r.bridges[reg.Login]
		r.mu.Unlock()
		if b == nil {
			remaining = append(remaining, reg)
			continue
		}
		if b.IsAlive() {
			*connectedIDs = append(*connectedIDs, reg.Login)
			continue
		}
		// Socket open but silent: stale, reconnect from scratch.
		r.log.Info().Str("terminal_id", reg.Login).Msg("Disconnecting stale bridge before reconnect")
		r.SafeDisconnect(reg.Login)
		remaining = append(remaining, reg)
	}
	return remaining
}

// dropDeadCandidates TCP-probes all candidates in parallel and keeps the
// live ones.
func (r *Reader) dropDeadCandidates(regs []*domain.EARegistration, slave bool) []*domain.EARegistration {
	if len(regs) == 0 {
		return nil
	}
	candidates := make([]int, len(regs))
	for i, reg := range regs {
		if slave {
			candidates[i] = reg.CommandPort
		} else {
			candidates[i] = reg.DataPort
		}
	}
	results := r.portMgr.DiscoverLivePorts(candidates)

	var live []*domain.EARegistration
	for i, res := range results {
		if res.Alive {
			live = append(live, regs[i])
		} else {
			r.log.Debug().
				Str("login", regs[i].Login).
				Int("port", res.Port).
				Msg("Candidate port dead, skipping")
		}
	}
	return live
}

// connectMaster allocates ports, starts a master bridge and waits for proof
// of life: a PUB event inside the wait window, or a successful PING plus a
// STATUS-built synthetic CONNECTED.
func (r *Reader) connectMaster(reg *domain.EARegistration) (string, bool) {
	id := reg.Login

	if conflict := r.portMgr.Allocate(reg.DataPort, ports.OwnerZmqData, id); conflict != nil {
		r.emitConflict(id, conflict)
		return "", false
	}
	if conflict := r.portMgr.Allocate(reg.CommandPort, ports.OwnerZmqCommand, id); conflict != nil {
		r.portMgr.Release(reg.DataPort)
		r.emitConflict(id, conflict)
		return "", false
	}

	internal := events.NewBus(r.log)
	b := bridge.New(bridge.Config{
		TerminalID:        id,
		Host:              r.cfg.Host,
		DataPort:          reg.DataPort,
		CommandPort:       reg.CommandPort,
		Mode:              bridge.ModeMaster,
		CurveEnabled:      reg.CurveEnabled,
		CurveServerKey:    reg.CurvePublicKey,
		CommandTimeout:    r.cfg.CommandTimeout,
		ReconnectInterval: r.cfg.ReconnectInterval,
	}, internal, r.log)

	sawEvent := make(chan struct{}, 1)
	internal.SubscribeAll(func(e *events.Event) {
		select {
		case sawEvent <- struct{}{}:
		default:
		}
		r.handleTerminalEvent(e)
	})

	if err := b.Start(); err != nil {
		r.log.Warn().Err(err).Str("terminal_id", id).Msg("Failed to start master bridge")
		r.portMgr.ReleaseByLabel(id)
		return "", false
	}

	r.mu.Lock()
	r.bridges[id] = b
	r.mu.Unlock()

	select {
	case <-sawEvent:
	case <-time.After(r.cfg.PubWaitTimeout):
		// No PUB traffic. Fall back to the command channel.
		if res := b.Ping(); !res.Success {
			r.log.Info().Str("terminal_id", id).Msg("Terminal silent and PING failed, disconnecting")
			r.SafeDisconnect(id)
			return "", false
		}
		status := b.Status()
		if !status.Success {
			r.SafeDisconnect(id)
			return "", false
		}
		r.injectSyntheticConnected(b, status.Payload)
	}

	r.portMgr.MarkVerified(reg.DataPort)
	r.portMgr.MarkVerified(reg.CommandPort)
	r.openControlChannel(reg)
	return id, true
}

// connectSlave allocates the command port, starts a command-only bridge,
// validates it with a STATUS and schedules polling.
func (r *Reader) connectSlave(reg *domain.EARegistration) (string, bool) {
	id := reg.Login

	if conflict := r.portMgr.Allocate(reg.CommandPort, ports.OwnerZmqCommand, id); conflict != nil {
		r.emitConflict(id, conflict)
		return "", false
	}

	internal := events.NewBus(r.log)
	internal.SubscribeAll(r.handleTerminalEvent)
	b := bridge.New(bridge.Config{
		TerminalID:        id,
		Host:              r.cfg.Host,
		CommandPort:       reg.CommandPort,
		Mode:              bridge.ModeSlave,
		CurveEnabled:      reg.CurveEnabled,
		CurveServerKey:    reg.CurvePublicKey,
		CommandTimeout:    r.cfg.CommandTimeout,
		ReconnectInterval: r.cfg.ReconnectInterval,
	}, internal, r.log)

	if err := b.Start(); err != nil {
		r.portMgr.ReleaseByLabel(id)
		return "", false
	}

	status := b.Status()
	if !status.Success {
		r.log.Info().Str("terminal_id", id).Msg("Slave STATUS failed, disconnecting")
		b.Stop()
		r.portMgr.ReleaseByLabel(id)
		return "", false
	}

	b.MarkAlive()
	r.mu.Lock()
	r.bridges[id] = b
	r.mu.Unlock()

	r.applySlaveStatus(b, status.Payload, true)
	r.portMgr.MarkVerified(reg.CommandPort)
	r.startSlavePoller(id, b)
	r.openControlChannel(reg)
	return id, true
}

// injectSyntheticConnected builds a snapshot from a STATUS payload and runs
// the regular connected fan-out for a terminal whose PUB stream is silent.
func (r *Reader) injectSyntheticConnected(b *bridge.Bridge, payload map[string]interface{}) {
	data := statusData(payload)
	snap := domain.SnapshotFromMap(data)
	b.SetSnapshot(snap)
	b.MarkAlive()
	r.handleTerminalEvent(&events.Event{
		Type:       events.Connected,
		Timestamp:  time.Now(),
		TerminalID: b.TerminalID(),
		Module:     "channel_reader",
		Data:       data,
	})
}

// statusData unwraps a STATUS reply: some agents nest the account state
// under "data", others return it at the top level.
func statusData(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		return data
	}
	return payload
}

// openControlChannel binds the liveness PAIR socket for a terminal.
func (r *Reader) openControlChannel(reg *domain.EARegistration) {
	if r.ctrl == nil {
		return
	}
	port := reg.EffectiveControlPort()
	if _, err := r.ctrl.Open(reg.Login, port, ""); err != nil {
		r.log.Warn().Err(err).
			Str("terminal_id", reg.Login).
			Int("control_port", port).
			Msg("Control channel unavailable")
	}
}

func (r *Reader) emitConflict(id string, conflict *ports.Conflict) {
	r.log.Warn().Err(conflict).Str("terminal_id", id).Msg("Port conflict during connect")
	r.bus.EmitForTerminal(events.PortConflict, "channel_reader", id, map[string]interface{}{
		"port":   conflict.Port,
		"heldBy": conflict.HeldBy,
	})
}

// SafeDisconnect tears down one terminal. Every step runs even when an
// earlier one fails: poller cancelled, client stopped, maps cleaned, ports
// released, scan cache invalidated.
func (r *Reader) SafeDisconnect(id string) {
	r.mu.Lock()
	if stop, ok := r.pollers[id]; ok {
		close(stop)
		delete(r.pollers, id)
	}
	b := r.bridges[id]
	p := r.pipes[id]
	delete(r.bridges, id)
	delete(r.pipes, id)
	delete(r.snapshots, id)
	delete(r.connected, id)
	r.mu.Unlock()

	if b != nil {
		b.Stop()
	}
	if p != nil {
		p.Stop()
	}
	if r.ctrl != nil {
		r.ctrl.Close(id)
	}
	r.portMgr.ReleaseByLabel(id)

	r.scanMu.Lock()
	r.scanResult = nil
	r.scanMu.Unlock()
}

// Connect starts a master bridge for an explicitly supplied registration,
// bypassing discovery. The registration's login becomes the terminal ID.
func (r *Reader) Connect(reg *domain.EARegistration) error {
	if reg == nil || reg.Login == "" {
		return fmt.Errorf("registration requires a login")
	}
	if reg.DataPort == 0 {
		return fmt.Errorf("master registration requires a data port")
	}
	if r.IsTerminalConnected(reg.Login) {
		return nil
	}
	if _, ok := r.connectMaster(reg); !ok {
		return fmt.Errorf("terminal %s did not respond on ports %d/%d",
			reg.Login, reg.DataPort, reg.CommandPort)
	}
	r.scanMu.Lock()
	r.scanResult = nil
	r.scanMu.Unlock()
	return nil
}

// ConnectSlave starts a command-only bridge for an explicit registration.
func (r *Reader) ConnectSlave(reg *domain.EARegistration) error {
	if reg == nil || reg.Login == "" {
		return fmt.Errorf("registration requires a login")
	}
	if reg.CommandPort == 0 {
		return fmt.Errorf("slave registration requires a command port")
	}
	if r.IsTerminalConnected(reg.Login) {
		return nil
	}
	reg.Role = domain.RoleSlave
	if _, ok := r.connectSlave(reg); !ok {
		return fmt.Errorf("terminal %s did not respond on port %d",
			reg.Login, reg.CommandPort)
	}
	r.scanMu.Lock()
	r.scanResult = nil
	r.scanMu.Unlock()
	return nil
}

// ConnectPipe attaches a pipe-transport terminal.
func (r *Reader) ConnectPipe(id, dataPipe, commandPipe string) error {
	internal := events.NewBus(r.log)
	internal.SubscribeAll(r.handleTerminalEvent)
	c := pipe.New(pipe.Config{
		TerminalID:        id,
		DataPipe:          dataPipe,
		CommandPipe:       commandPipe,
		CommandTimeout:    r.cfg.CommandTimeout,
		ReconnectInterval: r.cfg.ReconnectInterval,
	}, internal, r.log)

	if err := c.Start(); err != nil {
		return err
	}
	r.mu.Lock()
	r.pipes[id] = c
	r.mu.Unlock()
	return nil
}

// TerminalIDs returns the IDs of all attached terminals.
func (r *Reader) TerminalIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.bridges)+len(r.pipes))
	for id := range r.bridges {
		ids = append(ids, id)
	}
	for id := range r.pipes {
		ids = append(ids, id)
	}
	return ids
}

// GetLastSnapshot returns the cached snapshot for a terminal, or nil.
func (r *Reader) GetLastSnapshot(id string) *domain.AccountSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[id]
}

// IsTerminalConnected reports socket-level connectivity.
func (r *Reader) IsTerminalConnected(id string) bool {
	r.mu.Lock()
	b := r.bridges[id]
	p := r.pipes[id]
	r.mu.Unlock()
	if b != nil {
		return b.IsConnected()
	}
	if p != nil {
		return p.IsConnected()
	}
	return false
}

// IsTerminalAlive reports connectivity with recent traffic.
func (r *Reader) IsTerminalAlive(id string) bool {
	r.mu.Lock()
	b := r.bridges[id]
	p := r.pipes[id]
	r.mu.Unlock()
	if b != nil {
		return b.IsAlive()
	}
	if p != nil {
		return p.IsAlive()
	}
	return false
}

// IsSlaveTerminal reports whether the terminal runs in slave mode.
func (r *Reader) IsSlaveTerminal(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bridges[id]
	return b != nil && b.Mode() == bridge.ModeSlave
}

// Shutdown disconnects every terminal in parallel and waits for completion.
func (r *Reader) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	ids := r.TerminalIDs()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.SafeDisconnect(id)
		}(id)
	}
	wg.Wait()
	r.wg.Wait()
	r.log.Info().Int("terminals", len(ids)).Msg("Channel reader shut down")
}
