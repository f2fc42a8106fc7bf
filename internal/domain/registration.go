package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf16"
)

// Role distinguishes full event-stream terminals from command-only ones.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// EARegistration mirrors the registration file the terminal-side agent
// writes on startup. Master registrations carry a data/command port pair;
// slave registrations carry only a command port.
type EARegistration struct {
	Login          string `json:"login"`
	Broker         string `json:"broker"`
	Server         string `json:"server"`
	DataPort       int    `json:"dataPort,omitempty"`
	CommandPort    int    `json:"commandPort"`
	ControlPort    int    `json:"controlPort,omitempty"`
	Role           Role   `json:"role,omitempty"`
	CurveEnabled   bool   `json:"curveEnabled,omitempty"`
	CurvePublicKey string `json:"curvePublicKey,omitempty"`
	Version        string `json:"version,omitempty"`
	StartTime      string `json:"startTime,omitempty"`
	TerminalPath   string `json:"terminalPath,omitempty"`
}

// IsSlave reports whether this is a command-only registration.
func (r *EARegistration) IsSlave() bool {
	return r.Role == RoleSlave
}

// EffectiveControlPort returns the control port, deriving it from the data
// or command port when the file does not carry one.
func (r *EARegistration) EffectiveControlPort() int {
	if r.ControlPort != 0 {
		return r.ControlPort
	}
	if r.IsSlave() {
		return r.CommandPort + 1
	}
	return r.DataPort + 2
}

// Validate checks the structural requirements for the registration's role.
func (r *EARegistration) Validate() error {
	if r.Login == "" {
		return fmt.Errorf("registration missing login")
	}
	if r.CommandPort == 0 {
		return fmt.Errorf("registration %s missing commandPort", r.Login)
	}
	if r.IsSlave() {
		return nil
	}
	if r.DataPort == 0 {
		return fmt.Errorf("registration %s missing dataPort", r.Login)
	}
	return nil
}

// PairAdjacent reports whether the data/command ports follow the expected
// data+1 layout. Non-adjacent pairs are accepted with a warning upstream.
func (r *EARegistration) PairAdjacent() bool {
	if r.IsSlave() {
		return true
	}
	return r.CommandPort == r.DataPort+1
}

// DecodeRegistration parses a registration file. Terminal agents write these
// files with whatever encoding the platform picked: UTF-8, UTF-8 with BOM,
// UTF-16LE or UTF-16BE are all accepted, and embedded NULs are stripped.
func DecodeRegistration(data []byte) (*EARegistration, error) {
	data = normalizeEncoding(data)
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty registration file")
	}

	var reg EARegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration: %w", err)
	}
	if reg.Role == "" {
		reg.Role = RoleMaster
	}
	return &reg, nil
}

// EncodeRegistration serializes a registration as plain UTF-8 JSON.
func EncodeRegistration(reg *EARegistration) ([]byte, error) {
	return json.MarshalIndent(reg, "", "  ")
}

// normalizeEncoding converts BOM-prefixed UTF-16 content to UTF-8 and strips
// BOMs and stray NUL bytes.
func normalizeEncoding(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return utf16Decode(data[2:], false)
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return utf16Decode(data[2:], true)
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		data = data[3:]
	}
	// Strip embedded NULs left behind by sloppy writers.
	return bytes.ReplaceAll(data, []byte{0}, nil)
}

func utf16Decode(data []byte, bigEndian bool) []byte {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		var u uint16
		if bigEndian {
			u = uint16(data[i])<<8 | uint16(data[i+1])
		} else {
			u = uint16(data[i+1])<<8 | uint16(data[i])
		}
		if u == 0 {
			continue
		}
		units = append(units, u)
	}
	return []byte(string(utf16.Decode(units)))
}
