// Default endpoint location on Unix-like systems: a socket in
// XDG_RUNTIME_DIR when set, otherwise in /tmp.

//go:build !windows

package paths

import (
	"os"
	"path/filepath"
)

// DefaultEndpoint returns the socket path consumers dial by default.
func DefaultEndpoint() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, EndpointName+".sock")
	}
	return filepath.Join("/tmp", EndpointName+".sock")
}
