// dial_windows.go connects to the daemon's named pipe using the go-winio
// library.

//go:build windows

package devclient

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

func dial(ctx context.Context, path string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEndpointNotAvailable, path, err)
	}
	return conn, nil
}
