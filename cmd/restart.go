package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewRestartCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart every running tunnel",
		Long: `Stop every running frpc process and start each tunnel again.

Tunnels are restarted from the descriptor and token they were started with, so
no lookup against the upstream API is made.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()
			response, err := daemon.SendCommand("RESTART_ALL")
			if err != nil {
				if !quiet {
					slog.Error("Daemon is not running. Use 'frpvisor start' instead.")
				}
				os.Exit(1)
			}
			if !quiet {
				response.LogMessages()
			}
			if response.Failed() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
