package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tools.zach/dev/neildev/internal/devclient"
	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/waitq"
)

// bufferSize matches the consumer buffer the channel was designed around.
const bufferSize = 64

// ///////////////////////////////////////////////
// read / write
// ///////////////////////////////////////////////

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read [size]",
		Short: "Read the channel payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size := bufferSize
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("invalid size %q", args[0])
				}
				size = n
			}
			return withConn(cmd, func(ctx context.Context, conn *devclient.Conn) error {
				data, err := conn.Read(ctx, size)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
				return nil
			})
		},
	}
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <data>",
		Short: "Write to the channel",
		Long:  "Write data to the channel. Bytes beyond the channel capacity are dropped and the retained count is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd, func(ctx context.Context, conn *devclient.Conn) error {
				n, err := conn.Write(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d of %d bytes\n", n, len(args[0]))
				return nil
			})
		},
	}
}

// ///////////////////////////////////////////////
// poll / wait
// ///////////////////////////////////////////////

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Query readiness once, consuming a pending event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd, func(ctx context.Context, conn *devclient.Conn) error {
				mask, err := conn.Poll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mask)
				return nil
			})
		},
	}
}

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the channel is ready",
		Long:  "Block until an interrupt makes the channel ready, --for elapses, or the command is interrupted. Prints ready, timed_out, or cancelled; only ready exits zero.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("for")
			conn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			outcome, err := conn.Wait(cmd.Context(), wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)
			if outcome != waitq.Ready {
				return fmt.Errorf("wait %s", outcome)
			}
			return nil
		},
	}
	cmd.Flags().Duration("for", 0, "give up after this long (0 waits forever)")
	return cmd
}

// ///////////////////////////////////////////////
// ioctl
// ///////////////////////////////////////////////

// ioctlNames maps command names accepted by neilctl ioctl.
var ioctlNames = map[string]uint32{
	"nop":     device.IoctlNop,
	"waiters": device.IoctlWaiters,
	"handles": device.IoctlHandles,
	"pending": device.IoctlPending,
}

// parseIoctl accepts a command name or a number.
func parseIoctl(s string) (uint32, error) {
	if v, ok := ioctlNames[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown ioctl %q: use nop, waiters, handles, pending, or a number", s)
	}
	return uint32(v), nil
}

func newIoctlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ioctl <cmd> [arg]",
		Short: "Issue a control command",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseIoctl(args[0])
			if err != nil {
				return err
			}
			var arg uint32
			if len(args) == 2 {
				v, err := strconv.ParseUint(args[1], 0, 32)
				if err != nil {
					return fmt.Errorf("invalid arg %q", args[1])
				}
				arg = uint32(v)
			}
			return withConn(cmd, func(ctx context.Context, conn *devclient.Conn) error {
				v, err := conn.Ioctl(ctx, code, arg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
}
