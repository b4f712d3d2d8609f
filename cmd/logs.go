package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/core"
	"go.olrik.dev/frpvisor/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  tunnel    - Tunnel start, stop and liveness
  reconnect - Reconnect loop attempts and evictions
  reaper    - Orphaned frpc processes being killed
  system    - Daemon start/stop, config reload and recovery

Examples:
  frpvisor logs               # Stream INFO and above
  frpvisor logs -d            # Include DEBUG logs
  frpvisor logs -F reconnect  # Filter to the reconnect loop
  frpvisor logs -F 7          # Filter by keyword
  frpvisor logs -n 50         # Show 50 history lines on connect
  frpvisor logs --no-follow   # Print the buffered logs and exit
  frpvisor logs --clear       # Empty the daemon log buffer

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running. Use 'frpvisor start' to start it.")
				os.Exit(1)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")
			noFollow, _ := cmd.Flags().GetBool("no-follow")
			clearLogs, _ := cmd.Flags().GetBool("clear")

			show := func(line string) {
				if !debug && isDebugLog(line) {
					return
				}
				if filter != "" && !matchesFilter(line, filter) {
					return
				}
				if noColor {
					line = stripANSI(line)
				}
				fmt.Print(line)
			}

			if clearLogs {
				response, err := daemon.SendCommand("LOGS_CLEAR")
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to clear logs: %v", err))
					os.Exit(1)
				}
				response.LogMessages()
				return
			}

			if noFollow {
				response, err := daemon.SendCommand(fmt.Sprintf("LOGS %d", lines))
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to fetch logs: %v", err))
					os.Exit(1)
				}
				var payload daemon.LogsPayload
				if err := response.DecodeData(&payload); err != nil {
					slog.Error(fmt.Sprintf("Unexpected response from daemon: %v", err))
					os.Exit(1)
				}
				for _, line := range strings.SplitAfter(payload.Logs, "\n") {
					if line != "" {
						show(line)
					}
				}
				return
			}

			followLogs(lines, show)
		},
	}

	logsCmd.Flags().BoolP("debug", "d", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by keyword (e.g., tunnel, reconnect, reaper, system)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().Bool("no-follow", false, "Print the buffered logs and exit")
	logsCmd.Flags().Bool("clear", false, "Clear the daemon log buffer")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of history lines to show")

	return logsCmd
}

// followLogs streams LOGS_FOLLOW until Ctrl+C, reconnecting without history
// when the daemon restarts.
func followLogs(history int, show func(string)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		conn, err := net.Dial("unix", core.GetSocketPath())
		if err != nil {
			slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
			os.Exit(1)
		}
		if _, err := fmt.Fprintf(conn, "LOGS_FOLLOW %d\n", history); err != nil {
			conn.Close()
			slog.Error(fmt.Sprintf("Failed to send LOGS_FOLLOW command: %v", err))
			os.Exit(1)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				show(scanner.Text() + "\n")
			}
		}()

		select {
		case <-sigChan:
			conn.Close()
			fmt.Println("\nDisconnected from daemon logs.")
			return
		case <-done:
			conn.Close()
		}

		fmt.Println("Connection lost. Reconnecting...")
		if !waitForDaemonSocket(10, 500*time.Millisecond) {
			fmt.Println("Daemon not available. Exiting.")
			return
		}
		history = 0
	}
}

func waitForDaemonSocket(attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		time.Sleep(interval)
		if _, err := daemon.SendCommand("STATUS"); err == nil {
			return true
		}
	}
	return false
}

var (
	ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")
	debugLevel = regexp.MustCompile(`(^|\s)DBG(\s|$)`)
)

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	return debugLevel.MatchString(stripANSI(line))
}

// matchesFilter reports whether line belongs to a category, or contains the
// filter as a case-insensitive keyword.
func matchesFilter(line, filter string) bool {
	text := strings.ToLower(stripANSI(line))
	keywords, ok := logCategories[strings.ToLower(filter)]
	if !ok {
		keywords = []string{strings.ToLower(filter)}
	}
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

var logCategories = map[string][]string{
	"tunnel":    {"tunnel", "frpc"},
	"reconnect": {"reconnect", "evict"},
	"reaper":    {"orphan", "reap"},
	"system":    {"daemon", "config", "recover"},
}

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}
