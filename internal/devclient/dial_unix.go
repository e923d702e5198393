// dial_unix.go connects to the daemon's Unix domain socket.

//go:build !windows

package devclient

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
)

func dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrEndpointNotAvailable, path)
		}
		return nil, err
	}
	return conn, nil
}
