package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/daemon"
	"go.olrik.dev/frpvisor/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit, tunnelID int
	var last, daemonOnly bool

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show the recorded tunnel lifecycle events",
		Long: `Show the most recent tunnel events (starts, stops, reconnects, evictions) recorded by the daemon, newest first.

  --last    show only the latest event of every tunnel
  --daemon  show daemon start and stop events instead`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if last && daemonOnly {
				return fmt.Errorf("--last and --daemon are mutually exclusive")
			}

			command := fmt.Sprintf("EVENTS %d %d", limit, tunnelID)
			switch {
			case last:
				command = "EVENTS_LAST"
			case daemonOnly:
				command = fmt.Sprintf("DAEMON_EVENTS %d", limit)
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

			if daemonOnly {
				var payload daemon.DaemonEventsPayload
				if err := response.DecodeData(&payload); err != nil {
					return fmt.Errorf("unexpected response from daemon: %w", err)
				}
				fmt.Print(formatDaemonEvents(payload.Events))
				return nil
			}

			var payload daemon.EventsPayload
			if err := response.DecodeData(&payload); err != nil {
				return fmt.Errorf("unexpected response from daemon: %w", err)
			}
			fmt.Print(formatEvents(payload.Events))
			return nil
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "lines", "n", 20, "number of events to show")
	eventsCmd.Flags().IntVar(&tunnelID, "tunnel", 0, "only show events for this tunnel id")
	eventsCmd.Flags().BoolVar(&last, "last", false, "latest event per tunnel")
	eventsCmd.Flags().BoolVar(&daemonOnly, "daemon", false, "daemon lifecycle events")

	return eventsCmd
}

func eventTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatEvents(events []db.TunnelEvent) string {
	if len(events) == 0 {
		return "No events recorded.\n"
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  #%-5d %-14s %s\n", eventTime(e.Timestamp), e.TunnelID, e.EventType, e.Details)
	}
	return b.String()
}

func formatDaemonEvents(events []db.DaemonEvent) string {
	if len(events) == 0 {
		return "No events recorded.\n"
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %-6s %s\n", eventTime(e.Timestamp), e.EventType, e.Details)
	}
	return b.String()
}
