package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewAutostartCommand() *cobra.Command {
	autostartCmd := &cobra.Command{
		Use:   "autostart [<tunnel-id> on|off]",
		Short: "Show or change which tunnels are started on sync",
		Long: `Without arguments the tunnels marked for autostart are listed.

Tunnels marked for autostart are started by 'frpvisor sync' and when the daemon
boots with an account token configured.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("expected <tunnel-id> on|off")
			}
			return validTunnelID(cmd, args[:1])
		},
		ValidArgsFunction: activeTunnelCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			command := "AUTOSTART_LIST"
			if len(args) == 2 {
				command = "AUTOSTART " + args[0] + " " + args[1]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error("Daemon is not running. Use 'frpvisor start' to start it.")
				os.Exit(1)
			}
			response.LogMessages()
			if response.Failed() {
				os.Exit(1)
			}

			var payload daemon.AutostartPayload
			if err := response.DecodeData(&payload); err == nil && len(payload.Autostart) > 0 {
				ids := make([]string, len(payload.Autostart))
				for i, id := range payload.Autostart {
					ids[i] = fmt.Sprintf("#%d", id)
				}
				fmt.Printf("Autostart: %s\n", strings.Join(ids, ", "))
			}
		},
	}

	return autostartCmd
}
