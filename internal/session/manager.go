// Package session maps terminal IDs to account sessions, tracks their
// status machine and keeps the host-facing projections sanitized: raw
// credentials never cross the UI boundary and passwords are never persisted.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hedgeedge/core/internal/domain"
	"github.com/hedgeedge/core/internal/events"
	"github.com/hedgeedge/core/internal/persist"
)

// Status is the lifecycle state of one account session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusRemoved      Status = "removed"
)

// sessionsFile is the persisted sessions document.
const sessionsFile = "sessions.json"

// stalenessThreshold is the heartbeat gap after which a connected session is
// suspected dead and gets a verification probe.
const stalenessThreshold = 15 * time.Second

// Credentials is the sensitive connection material. It is never marshaled
// as part of a session.
type Credentials struct {
	Login    string
	Password string
	Broker   string
	Server   string
}

// Session is one account's state. The JSON shape is the sanitized
// projection; credentials are held separately and excluded.
type Session struct {
	AccountID      string          `json:"accountId"`
	TerminalID     string          `json:"terminalId,omitempty"`
	Platform       domain.Platform `json:"platform"`
	Role           domain.Role     `json:"role"`
	Status         Status          `json:"status"`
	StatusReason   string          `json:"statusReason,omitempty"`
	Login          string          `json:"login"`
	Broker         string          `json:"broker,omitempty"`
	Server         string          `json:"server,omitempty"`
	AutoReconnect  bool            `json:"autoReconnect"`
	AutoDiscovered bool            `json:"autoDiscovered"`
	LastConnected  time.Time       `json:"lastConnected,omitempty"`
	LastHeartbeat  time.Time       `json:"lastHeartbeat,omitempty"`

	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	FloatingPnL float64 `json:"floatingPnL"`
	Positions   int     `json:"positions"`

	credentials *Credentials
}

// persistedSession is the minimal non-sensitive record written to disk.
type persistedSession struct {
	AccountID     string          `json:"accountId"`
	Platform      domain.Platform `json:"platform"`
	Role          domain.Role     `json:"role"`
	Login         string          `json:"login"`
	Server        string          `json:"server,omitempty"`
	LastConnected time.Time       `json:"lastConnected,omitempty"`
}

// ConnectOptions parameterize a new session.
type ConnectOptions struct {
	Platform      domain.Platform
	Role          domain.Role
	AutoReconnect bool
	Credentials   *Credentials
}

// Manager holds all sessions.
type Manager struct {
	bus   *events.Bus
	store *persist.Store
	log   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager and restores persisted sessions as
// disconnected entries.
func NewManager(store *persist.Store, bus *events.Bus, log zerolog.Logger) *Manager {
	m := &Manager{
		bus:      bus,
		store:    store,
		log:      log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	var saved []persistedSession
	found, err := m.store.Load(sessionsFile, &saved)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to load persisted sessions")
		return
	}
	if !found {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range saved {
		m.sessions[ps.AccountID] = &Session{
			AccountID:     ps.AccountID,
			Platform:      ps.Platform,
			Role:          ps.Role,
			Login:         ps.Login,
			Server:        ps.Server,
			LastConnected: ps.LastConnected,
			Status:        StatusDisconnected,
		}
	}
	m.log.Info().Int("sessions", len(saved)).Msg("Restored persisted sessions")
}

// Connect registers (or revives) a session in connecting state. When a user
// keyed entry arrives for a login an auto-discovered session already holds,
// the auto entry is dropped in favor of the user entry.
func (m *Manager) Connect(accountID string, opts ConnectOptions) *Session {
	m.mu.Lock()

	login := ""
	if opts.Credentials != nil {
		login = opts.Credentials.Login
	}

	// Deduplicate against auto-discovered sessions holding the same login.
	if login != "" && !isAutoKey(accountID) {
		for id, s := range m.sessions {
			if s.AutoDiscovered && s.Login == login && id != accountID {
				delete(m.sessions, id)
				m.log.Info().
					Str("auto_id", id).
					Str("account_id", accountID).
					Msg("Replaced auto-discovered session with user session")
			}
		}
	}

	s, ok := m.sessions[accountID]
	if !ok {
		s = &Session{AccountID: accountID}
		m.sessions[accountID] = s
	}
	s.Platform = opts.Platform
	s.Role = opts.Role
	s.Status = StatusConnecting
	s.StatusReason = ""
	s.AutoReconnect = opts.AutoReconnect
	s.AutoDiscovered = isAutoKey(accountID)
	if opts.Credentials != nil {
		s.credentials = opts.Credentials
		s.Login = opts.Credentials.Login
		s.Broker = opts.Credentials.Broker
		s.Server = opts.Credentials.Server
	}
	status, reason := s.Status, s.StatusReason
	m.mu.Unlock()

	m.persistSessions()
	m.emitChanged(accountID, status, reason)
	return s
}

// AutoKey builds the account key for an auto-discovered terminal.
func AutoKey(login string) string {
	return "auto:" + login
}

func isAutoKey(accountID string) bool {
	return strings.HasPrefix(accountID, "auto:")
}

// AttachTerminal binds a terminal to a session.
func (m *Manager) AttachTerminal(accountID, terminalID string) {
	m.mu.Lock()
	if s, ok := m.sessions[accountID]; ok {
		s.TerminalID = terminalID
	}
	m.mu.Unlock()
}

// UpdateMetrics applies a snapshot to the session. The first successful
// metric exchange moves a connecting session to connected.
func (m *Manager) UpdateMetrics(accountID string, snap *domain.AccountSnapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Balance = snap.Balance
	s.Equity = snap.Equity
	s.FloatingPnL = snap.FloatingPnL
	s.Positions = snap.PositionCount()
	s.LastHeartbeat = time.Now()

	transitioned := false
	if s.Status == StatusConnecting || s.Status == StatusDisconnected {
		s.Status = StatusConnected
		s.StatusReason = ""
		s.LastConnected = time.Now()
		transitioned = true
	}
	status, reason := s.Status, s.StatusReason
	m.mu.Unlock()

	if transitioned {
		m.persistSessions()
		m.emitChanged(accountID, status, reason)
	}
}

// Heartbeat records terminal liveness for staleness tracking.
func (m *Manager) Heartbeat(accountID string) {
	m.mu.Lock()
	if s, ok := m.sessions[accountID]; ok {
		s.LastHeartbeat = time.Now()
	}
	m.mu.Unlock()
}

// MarkDisconnected transitions a session to disconnected with a
// human-readable reason. Credentials survive only when the session wants
// auto-reconnect, so login matching still works after a transient loss.
func (m *Manager) MarkDisconnected(accountID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Status = StatusDisconnected
	s.StatusReason = reason
	if !s.AutoReconnect {
		s.credentials = nil
	}
	m.mu.Unlock()

	m.persistSessions()
	m.emitChanged(accountID, StatusDisconnected, reason)
}

// MarkError flags an explicit transport error.
func (m *Manager) MarkError(accountID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Status = StatusError
	s.StatusReason = reason
	m.mu.Unlock()

	m.emitChanged(accountID, StatusError, reason)
}

// ArchiveDisconnect removes a session permanently; no auto-reconnect will
// revive it.
func (m *Manager) ArchiveDisconnect(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if ok {
		s.Status = StatusRemoved
		s.credentials = nil
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	if ok {
		m.persistSessions()
		m.emitChanged(accountID, StatusRemoved, "")
	}
}

// Get returns a copy of the session, or nil.
func (m *Manager) Get(accountID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[accountID]; ok {
		cp := *s
		cp.credentials = nil
		return &cp
	}
	return nil
}

// Credentials returns the stored credentials for reconnect use. Internal
// callers only; never exposed through the sanitized projections.
func (m *Manager) Credentials(accountID string) *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[accountID]; ok && s.credentials != nil {
		cp := *s.credentials
		return &cp
	}
	return nil
}

// FindByLogin returns the session holding the login, or nil.
func (m *Manager) FindByLogin(login string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Login == login {
			cp := *s
			cp.credentials = nil
			return &cp
		}
	}
	return nil
}

// FindByTerminal returns the session bound to a terminal, or nil.
func (m *Manager) FindByTerminal(terminalID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TerminalID == terminalID {
			cp := *s
			cp.credentials = nil
			return &cp
		}
	}
	return nil
}

// Sessions returns sanitized copies of every session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		cp.credentials = nil
		out = append(out, &cp)
	}
	return out
}

// Sanitize builds the UI-facing view of a session. Only the credential
// fields safe to show are included.
func (m *Manager) Sanitize(accountID string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return nil
	}
	out := map[string]interface{}{
		"accountId":    s.AccountID,
		"terminalId":   s.TerminalID,
		"platform":     string(s.Platform),
		"role":         string(s.Role),
		"status":       string(s.Status),
		"statusReason": s.StatusReason,
		"balance":      s.Balance,
		"equity":       s.Equity,
		"floatingPnL":  s.FloatingPnL,
		"positions":    s.Positions,
	}
	if s.credentials != nil {
		out["mt5Login"] = s.credentials.Login
		out["broker"] = s.credentials.Broker
		out["server"] = s.credentials.Server
	} else {
		out["mt5Login"] = s.Login
		out["broker"] = s.Broker
		out["server"] = s.Server
	}
	return out
}

// CheckStaleness sweeps connected sessions whose heartbeat gap exceeds the
// threshold. Each suspect gets one verification probe; failure moves it to
// disconnected.
func (m *Manager) CheckStaleness(probe func(terminalID string) bool) {
	m.mu.Lock()
	var suspects []*Session
	for _, s := range m.sessions {
		if s.Status != StatusConnected {
			continue
		}
		if s.LastHeartbeat.IsZero() || time.Since(s.LastHeartbeat) > stalenessThreshold {
			suspects = append(suspects, s)
		}
	}
	m.mu.Unlock()

	for _, s := range suspects {
		if probe != nil && probe(s.TerminalID) {
			m.Heartbeat(s.AccountID)
			continue
		}
		m.MarkDisconnected(s.AccountID,
			fmt.Sprintf("no heartbeat for %s and verification probe failed", stalenessThreshold))
	}
}

// persistLocked schedules a debounced write of the non-sensitive session
// records.
func (m *Manager) persistSessions() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	out := make([]persistedSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, persistedSession{
			AccountID:     s.AccountID,
			Platform:      s.Platform,
			Role:          s.Role,
			Login:         s.Login,
			Server:        s.Server,
			LastConnected: s.LastConnected,
		})
	}
	m.mu.Unlock()
	m.store.Save(sessionsFile, out)
}

// emitChanged takes plain values rather than a *Session so callers capture
// the fields under m.mu; the live record may change before handlers run.
func (m *Manager) emitChanged(accountID string, status Status, reason string) {
	m.bus.Emit(events.SessionChanged, "session_manager", map[string]interface{}{
		"accountId": accountID,
		"status":    string(status),
		"reason":    reason,
	})
}
