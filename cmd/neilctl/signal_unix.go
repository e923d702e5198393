//go:build !windows

package main

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// sendSignal delivers the named signal ("SIGUSR1" or "usr1") to pid.
func sendSignal(pid int, name string) error {
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return fmt.Errorf("unknown signal %q", name)
	}
	return unix.Kill(pid, sig)
}
