// Package main implements neilctl, the user-space client for the neil-dev
// channel published by the neildev daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/neildev/internal/config"
	"tools.zach/dev/neildev/internal/devclient"
	"tools.zach/dev/neildev/internal/paths"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd returns the neilctl command with every subcommand wired in.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           paths.ClientName,
		Short:         "Talk to the neil-dev channel",
		Long:          "Open the neil-dev channel published by neildev and read, write, poll, wait on, or watch it.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("endpoint", "", "endpoint path (default from config, then the platform default)")
	cmd.PersistentFlags().String("data-dir", paths.DefaultDataDir().Root, "daemon data directory")
	cmd.PersistentFlags().Duration("timeout", 5*time.Second, "dial and request timeout")

	cmd.AddCommand(
		newReadCmd(),
		newWriteCmd(),
		newPollCmd(),
		newWaitCmd(),
		newIoctlCmd(),
		newWatchCmd(),
		newRaiseCmd(),
		newLogsCmd(),
	)
	return cmd
}

// dataDir returns the --data-dir flag as a [paths.DataDir].
func dataDir(cmd *cobra.Command) paths.DataDir {
	root, _ := cmd.Flags().GetString("data-dir")
	return paths.DataDir{Root: root}
}

// endpointFor resolves the endpoint: --endpoint, then the daemon config's
// [endpoint] path, then the platform default.
func endpointFor(cmd *cobra.Command) string {
	if ep, _ := cmd.Flags().GetString("endpoint"); ep != "" {
		return ep
	}
	cfg, err := config.Load(dataDir(cmd).Root)
	if err != nil {
		return paths.DefaultEndpoint()
	}
	return cfg.EndpointPath()
}

// requestTimeout returns the --timeout flag.
func requestTimeout(cmd *cobra.Command) time.Duration {
	d, _ := cmd.Flags().GetDuration("timeout")
	return d
}

// dial opens a session on the resolved endpoint.
func dial(cmd *cobra.Command) (*devclient.Conn, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(cmd))
	defer cancel()
	conn, err := devclient.Dial(ctx, devclient.Config{Path: endpointFor(cmd), Client: paths.ClientName})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", paths.EndpointName, err)
	}
	return conn, nil
}

// withConn dials, runs fn with a request-scoped context, and closes the session.
func withConn(cmd *cobra.Command, fn func(ctx context.Context, conn *devclient.Conn) error) error {
	conn, err := dial(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(cmd))
	defer cancel()
	return fn(ctx, conn)
}
