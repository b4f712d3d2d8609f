package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewSyncCommand() *cobra.Command {
	var token string

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Start every autostart tunnel of the account",
		Long: `Fetch the tunnels of the account and start the ones marked for autostart
that are not running yet. Without --token the token from the configuration
file is used.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()
			daemon.CheckVersionMismatch()

			command := "SYNC"
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
	syncCmd.Flags().StringVarP(&token, "token", "t", "", "account token used to list tunnels")

	return syncCmd
}
