package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:     "daemon",
		Aliases: []string{},
		Hidden:  true,
		Run: func(cmd *cobra.Command, args []string) {
			d, err := daemon.New()
			if err != nil {
				slog.Error("Failed to initialize daemon", "error", err)
				os.Exit(1)
			}
			if err := d.Run(); err != nil {
				slog.Error("Daemon exited with error", "error", err)
				os.Exit(1)
			}
		},
	}

	return daemonCmd
}
