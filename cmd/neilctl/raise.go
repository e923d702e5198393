package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/paths"
	"tools.zach/dev/neildev/internal/trigger"
)

// errNoDaemon is returned when the PID file is missing.
var errNoDaemon = errors.New("daemon not running")

// ///////////////////////////////////////////////
// raise
// ///////////////////////////////////////////////

func newRaiseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Signal the daemon to raise its interrupt line",
		Long:  "Send the daemon the signal its signal trigger listens for (SIGUSR1 by default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("signal")
			pid, err := readPID(dataDir(cmd).PID())
			if err != nil {
				return err
			}
			if err := sendSignal(pid, name); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s (pid %d)\n", name, paths.DaemonName, pid)
			return nil
		},
	}
	cmd.Flags().String("signal", trigger.DefaultSignal, "signal to send")
	return cmd
}

// readPID parses the "PID:TOKEN" file the daemon writes.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: no PID file at %s", errNoDaemon, path)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	head, _, _ := strings.Cut(strings.TrimSpace(string(data)), ":")
	pid, err := strconv.Atoi(head)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", path)
	}
	return pid, nil
}

// ///////////////////////////////////////////////
// logs
// ///////////////////////////////////////////////

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("lines")
			tail, err := logger.ReadTail(dataDir(cmd).Log(), n)
			if err != nil {
				return fmt.Errorf("read log: %w", err)
			}
			if tail != "" {
				fmt.Fprintln(cmd.OutOrStdout(), tail)
			}
			return nil
		},
	}
	cmd.Flags().IntP("lines", "n", 50, "number of lines")
	return cmd
}
