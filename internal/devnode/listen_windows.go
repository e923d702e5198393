// listen_windows.go publishes the channel as a named pipe using the go-winio
// library.

//go:build windows

package devnode

import (
	"net"
	"os"

	"github.com/Microsoft/go-winio"
)

// worldAccess grants generic access to Everyone.
const worldAccess = "D:P(A;;GA;;;WD)"

// listen creates the named pipe at path. A mode granting access to others
// opens the pipe to every user, matching the 0666 node permission.
func listen(path string, mode os.FileMode) (net.Listener, error) {
	cfg := &winio.PipeConfig{}
	if mode&0o006 != 0 {
		cfg.SecurityDescriptor = worldAccess
	}
	return winio.ListenPipe(path, cfg)
}

// removeEndpoint is a no-op; named pipes vanish with their last handle.
func removeEndpoint(string) error { return nil }
