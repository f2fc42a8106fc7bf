package persist

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, WithDebounce(0))

	s.Save("state.json", testState{Count: 3, Names: []string{"a", "b"}})

	var got testState
	found, err := s.Load("state.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testState{Count: 3, Names: []string{"a", "b"}}, got)
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)

	var got testState
	found, err := s.Load("nope.json", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadMalformedFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path("bad.json"), []byte("{not json"), 0644))

	var got testState
	_, err := s.Load("bad.json", &got)
	assert.Error(t, err)
}

func TestDebouncedWrite(t *testing.T) {
	s := newTestStore(t, WithDebounce(50*time.Millisecond))

	s.Save("state.json", testState{Count: 1})
	// Before the window elapses nothing is on disk.
	assert.NoFileExists(t, s.Path("state.json"))

	// A second save inside the window replaces the pending bytes.
	s.Save("state.json", testState{Count: 2})

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.Path("state.json"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	var got testState
	found, err := s.Load("state.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.Count)
}

func TestSaveSnapshotsValue(t *testing.T) {
	s := newTestStore(t, WithDebounce(50*time.Millisecond))

	state := &testState{Count: 1}
	s.Save("state.json", state)
	state.Count = 99

	time.Sleep(100 * time.Millisecond)

	var got testState
	found, err := s.Load("state.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, got.Count)
}

func TestSaveNowSupersedesPending(t *testing.T) {
	s := newTestStore(t, WithDebounce(time.Hour))

	s.Save("state.json", testState{Count: 1})
	s.SaveNow("state.json", testState{Count: 2})

	var got testState
	found, err := s.Load("state.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.Count)
}

func TestCloseFlushesPending(t *testing.T) {
	s, err := NewStore(t.TempDir(), zerolog.Nop(), WithDebounce(time.Hour))
	require.NoError(t, err)

	s.Save("state.json", testState{Count: 7})
	s.Close()

	var got testState
	found, err := s.Load("state.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, got.Count)

	// Saves after Close are dropped.
	s.Save("state.json", testState{Count: 8})
	s.Flush()
	found, err = s.Load("state.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, got.Count)
}
