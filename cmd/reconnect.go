package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
	"go.olrik.dev/frpvisor/internal/supervisor"
)

func NewReconnectCommand() *cobra.Command {
	reconnectCmd := &cobra.Command{
		Use:       "reconnect [on|off]",
		Aliases:   []string{"r"},
		Short:     "Show or toggle automatic reconnection of dead tunnels",
		Long:      `Without an argument the current auto-reconnect settings are shown. With on or off the reconnect loop is started or stopped.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		Run: func(cmd *cobra.Command, args []string) {
			command := "RECONNECT"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error("Daemon is not running. Use 'frpvisor start' to start it.")
				os.Exit(1)
			}
			if response.Failed() {
				response.LogMessages()
				os.Exit(1)
			}
			if len(args) == 1 {
				response.LogMessages()
			}

			var status supervisor.ReconnectStatus
			if err := response.DecodeData(&status); err == nil {
				fmt.Print(formatReconnectStatus(status))
			}
		},
	}

	return reconnectCmd
}

func formatReconnectStatus(s supervisor.ReconnectStatus) string {
	state := "disabled"
	if s.Enabled {
		state = "enabled"
		if !s.Monitoring {
			state += " (not monitoring)"
		}
	}
	attempts := strconv.Itoa(s.MaxAttempts)
	if s.MaxAttempts == supervisor.UnboundedAttempts {
		attempts = "unlimited"
	}
	return fmt.Sprintf("Auto-reconnect: %s\n  Interval:     %s\n  Max attempts: %s\n  Retry delay:  %s\n",
		state, s.Interval, attempts, s.RetryDelay)
}
