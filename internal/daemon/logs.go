package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"go.olrik.dev/frpvisor/internal/core"
	"golang.org/x/term"
)

// setupLogging writes daemon logs to stderr and to the log buffer that LOGS
// and LOGS_FOLLOW read from.
func (d *Daemon) setupLogging() {
	multiWriter := io.MultiWriter(os.Stderr, d.logs)

	level := slog.LevelInfo
	if core.Config.Verbose > 0 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	slog.SetDefault(slog.New(handler))
}

// followLogs streams the log buffer to the client until they disconnect
func (d *Daemon) followLogs(conn net.Conn, historyLines int) {
	logChan, history := d.logs.SubscribeWithHistory(historyLines)
	defer d.logs.Unsubscribe(logChan)

	initialMsg := "Connected to frpvisor daemon logs. Press Ctrl+C to exit.\n"
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		slog.Warn(fmt.Sprintf("Failed to send initial message to logs client: %v", err))
		return
	}

	for _, line := range history {
		if _, err := conn.Write([]byte(line)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case line, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(line)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
