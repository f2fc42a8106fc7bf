//go:build windows

package pipe

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// dialPipe connects to a Windows named pipe, e.g. \\.\pipe\hedgeedge-ct-data.
func dialPipe(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}
