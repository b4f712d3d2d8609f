package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/core"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the frpvisor daemon",
		Long: `Start the frpvisor daemon in the background.

The daemon supervises frpc processes, reconnects tunnels that die and restores
the tunnels that were running when it last stopped. It keeps running until it
is stopped with 'frpvisor quit'.

If the daemon is already running, this command will report its version.`,
		Aliases: []string{"boot"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err == nil {
				response, _ := daemon.SendCommand("VERSION")
				var info daemon.VersionInfo
				if err := response.DecodeData(&info); err == nil && info.Version != "" {
					slog.Info(fmt.Sprintf("Daemon is already running (version %s)", core.FormatVersion(info.Version)))
					return
				}
				slog.Info("Daemon is already running")
				return
			}

			slog.Info("Starting frpvisor daemon...")
			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				return
			}

			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				return
			}

			slog.Info("Daemon started successfully")
		},
	}
}
