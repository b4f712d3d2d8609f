package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewDisconnectCommand() *cobra.Command {
	disconnectCmd := &cobra.Command{
		Use:               "disconnect <tunnel-id>",
		Aliases:           []string{"d"},
		Short:             "Stop the frpc process for a tunnel",
		Long:              `Stop the frpc process for a tunnel and forget it, so it is neither reconnected nor recovered.`,
		Args:              validTunnelID,
		ValidArgsFunction: activeTunnelCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()
			response, err := daemon.SendCommand("STOP " + args[0])
			if err != nil {
				// This typically means the daemon wasn't running in the first place.
				slog.Error("Could not connect to daemon. Nothing to disconnect.")
				os.Exit(1)
			}
			response.LogMessages()
			if response.Failed() {
				os.Exit(1)
			}
		},
	}

	return disconnectCmd
}
