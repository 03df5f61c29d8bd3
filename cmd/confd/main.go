// Command confd is the central configuration service: it serves the
// session/auth-gated HTTP and WebSocket request pipeline, dispatches
// JSON-RPC calls, runs the Redis-backed message bus and telemetry
// pipeline, and supervises its worker pool through the arbiter.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "confd",
		Short:         "Central configuration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/opsi/confd.conf", "path to the YAML config file")

	root.AddCommand(
		newStartCommand(),
		newStopCommand(),
		newForceStopCommand(),
		newRestartCommand(),
		newReloadCommand(),
		newStatusCommand(),
		newSetupCommand(),
		newLogViewerCommand(),
		newHealthCheckCommand(),
		newBackupCommand(),
		newRestoreCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
