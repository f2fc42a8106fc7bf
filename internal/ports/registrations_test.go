package ports

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistration(t *testing.T, dir, name, content string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
	return path
}

func TestReadRegistrations(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(zerolog.Nop())

	writeRegistration(t, dir, "1001.json",
		`{"login":"1001","dataPort":51810,"commandPort":51811}`, 0)
	writeRegistration(t, dir, "2002.json",
		`{"login":"2002","commandPort":51821,"role":"slave"}`, 0)
	writeRegistration(t, dir, "broken.json", `{not json`, 0)
	writeRegistration(t, dir, "invalid.json", `{"broker":"NoLogin"}`, 0)
	writeRegistration(t, dir, "notes.txt", `ignore me`, 0)

	results := m.ReadRegistrations(dir)
	require.Len(t, results, 2)

	logins := []string{results[0].Registration.Login, results[1].Registration.Login}
	assert.ElementsMatch(t, []string{"1001", "2002"}, logins)
}

func TestReadRegistrations_MissingDir(t *testing.T) {
	m := NewManager(zerolog.Nop())
	assert.Nil(t, m.ReadRegistrations("/nonexistent/path"))
}

func TestValidateRegistrations(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(zerolog.Nop(), WithProbeTimeout(200*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	livePort := ln.Addr().(*net.TCPAddr).Port

	writeRegistration(t, dir, "live.json",
		`{"login":"1001","commandPort":`+strconv.Itoa(livePort)+`,"role":"slave"}`, 0)
	writeRegistration(t, dir, "stale.json",
		`{"login":"2002","commandPort":59999,"role":"slave"}`, 10*time.Minute)

	results := m.ValidateRegistrations(m.ReadRegistrations(dir))
	require.Len(t, results, 2)

	byLogin := map[string]ValidationResult{}
	for _, r := range results {
		byLogin[r.Registration.Login] = r
	}

	assert.True(t, byLogin["1001"].Alive)
	assert.False(t, byLogin["1001"].Stale)
	assert.False(t, byLogin["2002"].Alive)
	assert.True(t, byLogin["2002"].Stale)
}

func TestCleanStaleRegistrations(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(zerolog.Nop(), WithProbeTimeout(100*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	livePort := ln.Addr().(*net.TCPAddr).Port

	// Stale but alive: kept. Stale and dead: removed. Fresh and dead: kept.
	keptAlive := writeRegistration(t, dir, "alive.json",
		`{"login":"1","commandPort":`+strconv.Itoa(livePort)+`,"role":"slave"}`, 10*time.Minute)
	removedPath := writeRegistration(t, dir, "dead.json",
		`{"login":"2","commandPort":59998,"role":"slave"}`, 10*time.Minute)
	keptFresh := writeRegistration(t, dir, "fresh.json",
		`{"login":"3","commandPort":59997,"role":"slave"}`, 0)

	removed := m.CleanStaleRegistrations(dir)
	assert.Equal(t, 1, removed)

	assert.FileExists(t, keptAlive)
	assert.FileExists(t, keptFresh)
	assert.NoFileExists(t, removedPath)
}
