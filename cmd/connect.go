package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewConnectCommand() *cobra.Command {
	var token string

	connectCmd := &cobra.Command{
		Use:     "connect <tunnel-id>",
		Aliases: []string{"c"},
		Short:   "Start the frpc process for a tunnel",
		Long: `Start the frpc process for a tunnel.

The tunnel descriptor and server connection settings are looked up with the
account token. Without --token the token from the configuration file is used.
Tunnels the daemon already knows can be started again without a token.`,
		Args:              validTunnelID,
		ValidArgsFunction: activeTunnelCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()
			daemon.CheckVersionMismatch()

			command := "START " + args[0]
			if token != "" {
				command += " " + token
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
			if response.Failed() {
				os.Exit(1)
			}
		},
	}
	connectCmd.Flags().StringVarP(&token, "token", "t", "", "account token used to look up the tunnel")

	return connectCmd
}
