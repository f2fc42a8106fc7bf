package ports

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// ScanResult is the outcome of probing one candidate port.
type ScanResult struct {
	Port  int
	Alive bool
}

// TCPProbe opens a plain TCP connection to host:port with the configured
// probe timeout. It returns true iff the connect succeeds; no protocol
// exchange happens. Probe failures are non-fatal.
func (m *Manager) TCPProbe(port int, host string) bool {
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, m.probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// IsPortAvailable reports whether a listening socket can be bound on port.
func (m *Manager) IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailablePort walks [start, end] and returns the first port that is
// neither allocated in the registry nor bound by another process. Returns 0
// when the range is exhausted.
func (m *Manager) FindAvailablePort(start, end int) int {
	for p := start; p <= end; p++ {
		if m.IsAllocated(p) {
			continue
		}
		if m.IsPortAvailable(p) {
			return p
		}
	}
	return 0
}

// DiscoverLivePorts probes all candidates in parallel and returns one result
// per candidate, in input order.
func (m *Manager) DiscoverLivePorts(candidates []int) []ScanResult {
	results := make([]ScanResult, len(candidates))
	var wg sync.WaitGroup
	for i, port := range candidates {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			results[i] = ScanResult{Port: port, Alive: m.TCPProbe(port, "")}
		}(i, port)
	}
	wg.Wait()
	return results
}

// ProbeTimeout exposes the configured probe timeout for callers that need to
// budget a full scan.
func (m *Manager) ProbeTimeout() time.Duration {
	return m.probeTimeout
}
