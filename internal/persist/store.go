// Package persist implements the JSON state store used for crash-safe
// copier, session and daily-limit state. Each file has exactly one writer;
// writes are debounced and best-effort, so a failed write never affects
// in-memory state.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a dirty file waits before it is flushed.
const DefaultDebounce = 5 * time.Second

// Store writes named JSON documents into a single state directory.
type Store struct {
	dir      string
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string][]byte
	timers  map[string]*time.Timer
	closed  bool

	wg sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce overrides the flush delay. Zero means write immediately.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// NewStore creates the state directory if needed and returns a store
// rooted there.
func NewStore(dir string, log zerolog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		debounce: DefaultDebounce,
		log:      log.With().Str("component", "persist").Logger(),
		pending:  make(map[string][]byte),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a named state file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load reads a named state file into v. It returns false with a nil error
// when the file does not exist yet.
func (s *Store) Load(name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

// Save marshals v and schedules a debounced write. The value is snapshotted
// at call time; later mutations of v do not leak into the pending write.
// Saves arriving while a flush is already scheduled replace the pending
// bytes without resetting the timer, so a hot file still hits disk once per
// debounce window.
func (s *Store) Save(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Str("file", name).Msg("Failed to marshal state")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.pending[name] = data
	if _, scheduled := s.timers[name]; scheduled {
		return
	}
	if s.debounce <= 0 {
		s.flushLocked(name)
		return
	}
	s.wg.Add(1)
	s.timers[name] = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, name)
		s.flushLocked(name)
	})
}

// SaveNow marshals v and writes it without debouncing. Any pending
// debounced write for the same file is superseded.
func (s *Store) SaveNow(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Str("file", name).Msg("Failed to marshal state")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[name]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	s.pending[name] = data
	s.flushLocked(name)
}

// Flush writes every pending document immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	for name := range s.pending {
		s.flushLocked(name)
	}
}

// Close flushes all pending writes and rejects further saves.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for name, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	for name := range s.pending {
		s.flushLocked(name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// flushLocked writes one pending document. Callers hold s.mu. The write goes
// through a temp file and rename so a crash mid-write never leaves a
// truncated state file.
func (s *Store) flushLocked(name string) {
	data, ok := s.pending[name]
	if !ok {
		return
	}
	delete(s.pending, name)

	path := s.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.log.Warn().Err(err).Str("file", name).Msg("Failed to write state file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn().Err(err).Str("file", name).Msg("Failed to replace state file")
		_ = os.Remove(tmp)
		return
	}
	s.log.Debug().Str("file", name).Int("bytes", len(data)).Msg("State file written")
}
