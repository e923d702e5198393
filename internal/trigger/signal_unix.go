// signal_unix.go raises a line each time the process receives a signal.

//go:build !windows

package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"
)

// Signal raises its line on every delivery of a signal.
type Signal struct {
	base
	sig os.Signal
}

// NewSignal returns a source for the named signal.
func NewSignal(name string, line int, log *slog.Logger) (*Signal, error) {
	sig, err := parseSignal(name)
	if err != nil {
		return nil, err
	}
	s := &Signal{sig: sig}
	s.init("signal:"+unix.SignalName(sig), line, log)
	return s, nil
}

// parseSignal accepts "SIGUSR1", "USR1" or "usr1".
func parseSignal(name string) (unix.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("%w: unknown signal %q", ErrInvalidSpec, name)
	}
	return sig, nil
}

// Run implements [Source].
func (s *Signal) Run(ctx context.Context, r Raiser) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, s.sig)
	defer signal.Stop(ch)

	s.log.Info("trigger started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			s.fire(r)
		}
	}
}
