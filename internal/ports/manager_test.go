package ports

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(zerolog.Nop(), opts...)
}

func TestIsValidPort(t *testing.T) {
	assert.True(t, IsValidPort(51810))
	assert.True(t, IsValidPort(65535))
	assert.False(t, IsValidPort(1024))
	assert.False(t, IsValidPort(0))
	assert.False(t, IsValidPort(70000))
}

func TestIsValidZmqDataPort(t *testing.T) {
	tests := []struct {
		port  int
		valid bool
	}{
		{51810, true},
		{51820, true},
		{51830, true},
		{51840, true},
		{51811, false},
		{51850, false},
		{51800, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidZmqDataPort(tt.port), "port %d", tt.port)
	}
}

func TestIsValidZmqPortPair(t *testing.T) {
	assert.True(t, IsValidZmqPortPair(51810, 51811))
	assert.False(t, IsValidZmqPortPair(51810, 51812))
	assert.False(t, IsValidZmqPortPair(51811, 51812))
}

func TestKnownDataPorts(t *testing.T) {
	assert.Equal(t, []int{51810, 51820, 51830, 51840}, KnownDataPorts())
}

func TestAllocateAndConflict(t *testing.T) {
	m := newTestManager(t)

	conflict := m.Allocate(51810, OwnerZmqData, "terminal-1001")
	require.Nil(t, conflict)
	assert.True(t, m.IsAllocated(51810))

	conflict = m.Allocate(51810, OwnerZmqData, "terminal-2002")
	require.NotNil(t, conflict)
	assert.Equal(t, "terminal-1001", conflict.HeldBy)
	assert.Equal(t, "terminal-2002", conflict.RequestedBy)
	assert.Contains(t, conflict.Error(), "51810")
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.Nil(t, m.Allocate(51810, OwnerZmqData, "t1"))

	m.Release(51810)
	assert.False(t, m.IsAllocated(51810))

	// Double release is a no-op.
	m.Release(51810)
	assert.False(t, m.IsAllocated(51810))
}

func TestReleaseByLabel(t *testing.T) {
	m := newTestManager(t)
	require.Nil(t, m.Allocate(51810, OwnerZmqData, "t1"))
	require.Nil(t, m.Allocate(51811, OwnerZmqCommand, "t1"))
	require.Nil(t, m.Allocate(51820, OwnerZmqData, "t2"))

	m.ReleaseByLabel("t1")

	assert.False(t, m.IsAllocated(51810))
	assert.False(t, m.IsAllocated(51811))
	assert.True(t, m.IsAllocated(51820))

	// Re-allocation under the same label succeeds with no residual entry.
	require.Nil(t, m.Allocate(51810, OwnerZmqData, "t1"))
	require.Nil(t, m.Allocate(51811, OwnerZmqCommand, "t1"))
}

func TestMarkVerified(t *testing.T) {
	m := newTestManager(t)
	require.Nil(t, m.Allocate(51810, OwnerZmqData, "t1"))

	m.MarkVerified(51810)

	allocs := m.Allocations()
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Verified)

	// Verifying an unknown port is a no-op.
	m.MarkVerified(51899)
}

func TestScanLock(t *testing.T) {
	m := newTestManager(t, WithScanMutexTimeout(50*time.Millisecond))

	release, err := m.AcquireScanLock()
	require.NoError(t, err)
	require.NotNil(t, release)

	// Second acquisition times out while the lock is held.
	_, err = m.AcquireScanLock()
	assert.Error(t, err)

	release()
	// Release is safe to call twice.
	release()

	release2, err := m.AcquireScanLock()
	require.NoError(t, err)
	release2()
}

func TestScanLockSerializes(t *testing.T) {
	m := newTestManager(t, WithScanMutexTimeout(2*time.Second))

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.AcquireScanLock()
			if err != nil {
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestTCPProbe(t *testing.T) {
	m := newTestManager(t, WithProbeTimeout(200*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.True(t, m.TCPProbe(port, ""))

	ln.Close()
	assert.False(t, m.TCPProbe(port, ""))
}

func TestIsPortAvailable(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, m.IsPortAvailable(port))

	ln.Close()
	assert.True(t, m.IsPortAvailable(port))
}

func TestFindAvailablePortSkipsRegistry(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	base := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	// Allocate the first candidate so the search must skip it.
	require.Nil(t, m.Allocate(base, OwnerWebRequestProxy, "proxy"))

	found := m.FindAvailablePort(base, base+5)
	assert.NotEqual(t, base, found)
	assert.NotZero(t, found)
}

func TestDiscoverLivePorts(t *testing.T) {
	m := newTestManager(t, WithProbeTimeout(200*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	live := ln.Addr().(*net.TCPAddr).Port

	lnDead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lnDead.Addr().(*net.TCPAddr).Port
	lnDead.Close()

	results := m.DiscoverLivePorts([]int{live, dead})
	require.Len(t, results, 2)
	assert.Equal(t, live, results[0].Port)
	assert.True(t, results[0].Alive)
	assert.Equal(t, dead, results[1].Port)
	assert.False(t, results[1].Alive)
}

func TestDetectStartupConflicts(t *testing.T) {
	m := newTestManager(t)
	// Warns only; must not panic or mutate the registry.
	m.DetectStartupConflicts(map[string]int{
		"zmq-data-1": 51810,
		"proxy":      9089,
		"collider":   51810,
	})
	assert.Empty(t, m.Allocations())
}
