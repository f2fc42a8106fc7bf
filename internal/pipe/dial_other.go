//go:build !windows

package pipe

import (
	"net"
	"time"
)

// dialPipe connects to a unix domain socket standing in for the Windows
// named pipe on non-Windows hosts.
func dialPipe(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}
