// Package ports provides centralized port governance: validation, TCP-level
// liveness probing, an allocation registry, the discovery scan mutex and
// registration-file staleness cleanup.
package ports

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Design-fixed port ranges. ZMQ data ports step by 10 so that each terminal
// gets a data/command/control triple with headroom.
const (
	ZmqDataPortMin  = 51810
	ZmqDataPortMax  = 51840
	ZmqDataPortStep = 10

	ProxyPortMin = 9089
	ProxyPortMax = 9099

	AgentMTPort = 5101
	AgentCTPort = 5102
)

// Owner identifies the subsystem a port is allocated to.
type Owner string

const (
	OwnerZmqData         Owner = "zmq-data"
	OwnerZmqCommand      Owner = "zmq-command"
	OwnerWebRequestProxy Owner = "webrequest-proxy"
	OwnerAgentMT         Owner = "agent-mt"
	OwnerAgentCT         Owner = "agent-ct"
)

// Allocation records one registry entry. At most one allocation exists per
// port.
type Allocation struct {
	Port        int       `json:"port"`
	Owner       Owner     `json:"owner"`
	Label       string    `json:"label"`
	AllocatedAt time.Time `json:"allocatedAt"`
	Verified    bool      `json:"verified"`
}

// Conflict describes a rejected allocation attempt.
type Conflict struct {
	Port          int
	RequestedBy   string
	HeldBy        string
	HeldSince     time.Time
	RequestedRole Owner
	HeldRole      Owner
}

// Error implements the error interface so conflicts can be logged uniformly.
func (c *Conflict) Error() string {
	return fmt.Sprintf("port %d requested by %s already held by %s (%s)",
		c.Port, c.RequestedBy, c.HeldBy, c.HeldRole)
}

// Manager is the process-wide port registry. All mutation goes through
// Allocate / Release / MarkVerified; the scan mutex serializes discovery.
type Manager struct {
	mu          sync.Mutex
	allocations map[int]*Allocation

	scanLock         chan struct{}
	scanMutexTimeout time.Duration
	probeTimeout     time.Duration

	log zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbeTimeout overrides the TCP probe timeout (default 50 ms).
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.probeTimeout = d }
}

// WithScanMutexTimeout overrides the scan lock wait (default 30 s).
func WithScanMutexTimeout(d time.Duration) Option {
	return func(m *Manager) { m.scanMutexTimeout = d }
}

// NewManager creates a new port manager.
func NewManager(log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		allocations:      make(map[int]*Allocation),
		scanLock:         make(chan struct{}, 1),
		scanMutexTimeout: 30 * time.Second,
		probeTimeout:     50 * time.Millisecond,
		log:              log.With().Str("component", "port_manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsValidPort reports whether p is a usable TCP port.
func IsValidPort(p int) bool {
	return p > 1024 && p <= 65535
}

// IsValidZmqDataPort reports whether p is one of the design-fixed ZMQ data
// ports (51810, 51820, ... 51840).
func IsValidZmqDataPort(p int) bool {
	if p < ZmqDataPortMin || p > ZmqDataPortMax {
		return false
	}
	return (p-ZmqDataPortMin)%ZmqDataPortStep == 0
}

// IsValidZmqPortPair reports whether the data/command ports are both valid
// and command sits directly above data.
func IsValidZmqPortPair(data, command int) bool {
	return IsValidZmqDataPort(data) && command == data+1
}

// KnownDataPorts returns the design-fixed ZMQ data port candidates.
func KnownDataPorts() []int {
	var out []int
	for p := ZmqDataPortMin; p <= ZmqDataPortMax; p += ZmqDataPortStep {
		out = append(out, p)
	}
	return out
}

// Allocate inserts a registry entry. A non-nil Conflict is returned iff the
// port is already held; the registry is never retried on behalf of the
// caller.
func (m *Manager) Allocate(port int, owner Owner, label string) *Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.allocations[port]; ok {
		conflict := &Conflict{
			Port:          port,
			RequestedBy:   label,
			HeldBy:        existing.Label,
			HeldSince:     existing.AllocatedAt,
			RequestedRole: owner,
			HeldRole:      existing.Owner,
		}
		m.log.Warn().
			Int("port", port).
			Str("requested_by", label).
			Str("held_by", existing.Label).
			Msg("Port allocation conflict")
		return conflict
	}

	m.allocations[port] = &Allocation{
		Port:        port,
		Owner:       owner,
		Label:       label,
		AllocatedAt: time.Now(),
	}
	m.log.Debug().Int("port", port).Str("owner", string(owner)).Str("label", label).Msg("Port allocated")
	return nil
}

// Release removes a registry entry. Releasing an unknown port is a no-op.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocations[port]; ok {
		delete(m.allocations, port)
		m.log.Debug().Int("port", port).Msg("Port released")
	}
}

// ReleaseByLabel removes every allocation held under label. Idempotent.
func (m *Manager) ReleaseByLabel(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, alloc := range m.allocations {
		if alloc.Label == label {
			delete(m.allocations, port)
			m.log.Debug().Int("port", port).Str("label", label).Msg("Port released by label")
		}
	}
}

// MarkVerified flags a port once a responding peer has been observed on it.
func (m *Manager) MarkVerified(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alloc, ok := m.allocations[port]; ok {
		alloc.Verified = true
	}
}

// IsAllocated reports whether the port is currently held.
func (m *Manager) IsAllocated(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.allocations[port]
	return ok
}

// Allocations returns a copy of the registry for inspection.
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, alloc := range m.allocations {
		out = append(out, *alloc)
	}
	return out
}

// AcquireScanLock takes the discovery scan mutex, waiting up to the scan
// mutex timeout. The returned release function must be called exactly once;
// a nil release with an error means the lock could not be acquired and the
// caller should proceed with stale data.
func (m *Manager) AcquireScanLock() (func(), error) {
	select {
	case m.scanLock <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-m.scanLock })
		}, nil
	case <-time.After(m.scanMutexTimeout):
		m.log.Warn().Dur("timeout", m.scanMutexTimeout).Msg("Scan lock acquisition timed out")
		return nil, fmt.Errorf("scan lock not acquired within %s", m.scanMutexTimeout)
	}
}

// DetectStartupConflicts runs a pair-wise collision check across the
// configured subsystems and logs warnings. Collisions here indicate a
// misconfiguration, not a fatal condition.
func (m *Manager) DetectStartupConflicts(knownPorts map[string]int) {
	seen := make(map[int]string, len(knownPorts))
	for name, port := range knownPorts {
		if other, ok := seen[port]; ok {
			m.log.Warn().
				Int("port", port).
				Str("subsystem", name).
				Str("conflicts_with", other).
				Msg("Startup port collision detected")
			continue
		}
		seen[port] = name
	}
}
