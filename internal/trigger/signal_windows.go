// signal_windows.go: Windows has no user-defined signals to trigger on.

//go:build windows

package trigger

import (
	"context"
	"fmt"
	"log/slog"
)

// Signal is unavailable on Windows.
type Signal struct {
	base
}

// NewSignal always fails on Windows.
func NewSignal(name string, _ int, _ *slog.Logger) (*Signal, error) {
	return nil, fmt.Errorf("%w: signal %q", ErrUnsupported, name)
}

// Run implements [Source].
func (s *Signal) Run(context.Context, Raiser) error {
	return ErrUnsupported
}
