package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
	"go.olrik.dev/frpvisor/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"list", "ls"},
		Short:   "Shows a list of all tunnels tracked by the daemon",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("No active tunnels (daemon is not running).")
				return
			}

			var status supervisor.Status
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Unexpected response from daemon: %v", err))
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(formatStatus(status, time.Now()))
			case "json":
				jsonBytes, _ := json.Marshal(status)
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func formatStatus(status supervisor.Status, now time.Time) string {
	var b strings.Builder
	if len(status.ActiveTunnels) == 0 {
		b.WriteString("No tunnels.\n")
		return b.String()
	}

	tunnels := append([]supervisor.TunnelStatus(nil), status.ActiveTunnels...)
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].TunnelID < tunnels[j].TunnelID })

	fmt.Fprintf(&b, "Tunnels (%d):\n", len(tunnels))
	for _, t := range tunnels {
		b.WriteString(formatTunnelLine(t, now))
		b.WriteByte('\n')
	}
	return b.String()
}

// formatTunnelLine renders one tunnel, e.g.
//
//	- #7 web [tcp] 192.168.1.50:8080 (PID: 1234, Up: 3 minutes)
func formatTunnelLine(t supervisor.TunnelStatus, now time.Time) string {
	name := t.Name
	if name == "" {
		name = "-"
	}
	line := fmt.Sprintf("  - #%d %s [%s] %s", t.TunnelID, name, t.Type, t.LocalAddress)

	if !t.IsRunning {
		if t.Attempts > 0 {
			return line + fmt.Sprintf(" (down, %d reconnect %s)", t.Attempts, plural(t.Attempts, "attempt", "attempts"))
		}
		return line + " (down)"
	}

	uptime := strings.TrimSpace(humanize.RelTime(t.StartTime, now, "", ""))
	if t.AdminPort > 0 && !t.AdminReachable {
		return line + fmt.Sprintf(" (PID: %d, Up: %s, admin API unreachable)", t.Pid, uptime)
	}
	return line + fmt.Sprintf(" (PID: %d, Up: %s)", t.Pid, uptime)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
