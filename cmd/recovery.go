package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
	"go.olrik.dev/frpvisor/internal/supervisor"
)

func NewRecoveryCommand() *cobra.Command {
	var recoverNow, clearState bool

	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect or act on the persisted tunnel state",
		Long: `Show the set of tunnels persisted for recovery after a daemon restart.

  --recover  start every persisted tunnel that is not running
  --clear    delete the persisted state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if recoverNow && clearState {
				return fmt.Errorf("--recover and --clear are mutually exclusive")
			}

			command := "RECOVERY_STATUS"
			switch {
			case recoverNow:
				command = "RECOVER"
			case clearState:
				command = "CLEAR_STATE"
			}

			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error("Daemon is not running. Use 'frpvisor start' to start it.")
				os.Exit(1)
			}

			if command != "RECOVERY_STATUS" {
				response.LogMessages()
				if response.Failed() {
					os.Exit(1)
				}
				return nil
			}

			var status supervisor.RecoveryStatus
			if err := response.DecodeData(&status); err != nil {
				return fmt.Errorf("unexpected response from daemon: %w", err)
			}
			if status.Error != "" {
				response.LogMessages()
			}
			fmt.Print(formatRecoveryStatus(status))
			return nil
		},
	}
	recoveryCmd.Flags().BoolVar(&recoverNow, "recover", false, "start the persisted tunnels now")
	recoveryCmd.Flags().BoolVar(&clearState, "clear", false, "delete the persisted state")

	return recoveryCmd
}

func formatRecoveryStatus(s supervisor.RecoveryStatus) string {
	if !s.HasState {
		return "No persisted tunnel state.\n"
	}
	out := fmt.Sprintf("Persisted tunnels: %d\n", s.TunnelCount)
	if s.LastSaved != nil {
		out += fmt.Sprintf("Last saved:        %s\n", humanize.Time(*s.LastSaved))
	}
	return out
}
