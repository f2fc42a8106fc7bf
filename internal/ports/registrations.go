package ports

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hedgeedge/core/internal/domain"
)

// Registration files older than this whose port no longer answers are
// considered leftovers from a dead terminal.
const staleRegistrationAge = 5 * time.Minute

// ValidationResult classifies one registration file after probing.
type ValidationResult struct {
	Registration *domain.EARegistration
	Path         string
	ModTime      time.Time
	Alive        bool
	Stale        bool
}

// ReadRegistrations loads and decodes every .json registration file in dir.
// Unreadable or malformed files are skipped with a log entry; a bad file
// never aborts discovery.
func (m *Manager) ReadRegistrations(dir string) []ValidationResult {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.log.Debug().Err(err).Str("dir", dir).Msg("Registration directory not readable")
		return nil
	}

	var results []ValidationResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("file", path).Msg("Failed to read registration file")
			continue
		}

		reg, err := domain.DecodeRegistration(data)
		if err != nil {
			m.log.Warn().Err(err).Str("file", path).Msg("Failed to parse registration file")
			continue
		}
		if err := reg.Validate(); err != nil {
			m.log.Warn().Err(err).Str("file", path).Msg("Invalid registration file")
			continue
		}
		if !reg.PairAdjacent() {
			m.log.Warn().
				Str("login", reg.Login).
				Int("data_port", reg.DataPort).
				Int("command_port", reg.CommandPort).
				Msg("Registration port pair is not adjacent")
		}

		results = append(results, ValidationResult{
			Registration: reg,
			Path:         path,
			ModTime:      info.ModTime(),
		})
	}
	return results
}

// ValidateRegistrations probes each registration's data (or command) port
// and classifies it as alive or stale. Stale means the file is older than
// five minutes.
func (m *Manager) ValidateRegistrations(list []ValidationResult) []ValidationResult {
	for i := range list {
		reg := list[i].Registration
		port := reg.DataPort
		if reg.IsSlave() {
			port = reg.CommandPort
		}
		list[i].Alive = m.TCPProbe(port, "")
		list[i].Stale = time.Since(list[i].ModTime) > staleRegistrationAge
	}
	return list
}

// CleanStaleRegistrations deletes registration files that are both stale and
// whose port fails the TCP probe. File-system errors are swallowed; cleanup
// is best-effort.
func (m *Manager) CleanStaleRegistrations(dir string) int {
	validated := m.ValidateRegistrations(m.ReadRegistrations(dir))
	removed := 0
	for _, v := range validated {
		if v.Stale && !v.Alive {
			if err := os.Remove(v.Path); err == nil {
				removed++
				m.log.Info().
					Str("file", v.Path).
					Str("login", v.Registration.Login).
					Msg("Removed stale registration file")
			}
		}
	}
	return removed
}
