package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "shutdown"},
		Short:   "Stop all tunnels and shut down the daemon",
		Long: `Stops all running frpc processes and shuts down the frpvisor daemon.

The set of running tunnels is kept on disk, so the next daemon start restores
them when recovery is enabled.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP_DAEMON")
			if err != nil {
				slog.Error("Could not connect to daemon. Nothing to stop.")
				os.Exit(1)
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(fmt.Sprintf("Daemon stop verification failed: %v", err))
			}
		},
	}

	return quitCmd
}
