// Default endpoint location on Windows: a named pipe.

//go:build windows

package paths

// DefaultEndpoint returns the named pipe consumers dial by default.
func DefaultEndpoint() string {
	return `\\.\pipe\` + EndpointName
}
