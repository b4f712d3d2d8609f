package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	reaper "github.com/ramr/go-reaper"
	"go.olrik.dev/frpvisor/internal/core"
	"go.olrik.dev/frpvisor/internal/db"
	"go.olrik.dev/frpvisor/internal/supervisor"
	"go.olrik.dev/frpvisor/internal/upstream"
)

// Events older than this are pruned when the daemon starts
const eventRetention = 30 * 24 * time.Hour

// Daemon serves the IPC socket and owns the tunnel supervisor.
type Daemon struct {
	sup           *supervisor.Supervisor
	logs          *supervisor.LogBuffer
	metrics       *supervisor.Metrics
	database      *db.DB // Database for event history, nil when it failed to open
	dbMu          sync.RWMutex
	listener      net.Listener
	metricsServer *http.Server
	shutdownOnce  sync.Once
	ctx           context.Context // Context for lifecycle management
	cancelFunc    context.CancelFunc
	startTime     time.Time
}

// New builds a daemon from core.Config
func New() (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		logs:       supervisor.NewLogBuffer(core.Config.Logs.History),
		metrics:    supervisor.NewMetrics(),
		ctx:        ctx,
		cancelFunc: cancel,
		startTime:  time.Now(),
	}

	opts := supervisorOptions(core.Config, d.logs, d.metrics)
	opts.Events = d

	sup, err := supervisor.New(opts)
	if err != nil {
		cancel()
		return nil, err
	}
	d.sup = sup
	return d, nil
}

// supervisorOptions maps the daemon configuration onto supervisor options
func supervisorOptions(cfg *core.Configuration, logs *supervisor.LogBuffer, metrics *supervisor.Metrics) supervisor.Options {
	opts := supervisor.Options{
		ConfigDir:      cfg.Frpc.ConfigDir,
		Binary:         cfg.Frpc.Binary,
		ServerPort:     cfg.Frpc.ServerPort,
		DefaultServer:  cfg.Frpc.DefaultServer,
		SystemToken:    cfg.Frpc.SystemToken,
		AdminPortBase:  cfg.Frpc.AdminPortBase,
		StartupTimeout: cfg.Frpc.StartupTimeout,
		StopGrace:      cfg.Frpc.StopGrace,
		ResolveTimeout: cfg.Upstream.Timeout,
		Reconnect:      reconnectSettings(cfg.Reconnect),
		ReaperInterval: cfg.Reaper.Interval,
		RecoveryDelay:  cfg.Recovery.Delay,
		RecoverOnBoot:  cfg.Recovery.Enabled,
		BootToken:      cfg.Upstream.Token,
		State:          supervisor.NewStateStore(core.GetStatePath()),
		Logs:           logs,
		Metrics:        metrics,
	}

	autostart, err := supervisor.LoadAutostart(core.GetAutostartPath())
	if err != nil {
		slog.Warn("Ignoring unreadable autostart file", "error", err)
	}
	opts.Autostart = autostart

	if cfg.Upstream.BaseURL != "" {
		client := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, cfg.Upstream.Retries)
		opts.Resolver = client
		opts.Lister = client
	}
	return opts
}

func reconnectSettings(rc core.ReconnectConfig) supervisor.ReconnectSettings {
	return supervisor.ReconnectSettings{
		Enabled:     rc.Enabled,
		Interval:    rc.Interval,
		MaxAttempts: rc.MaxAttempts,
		RetryDelay:  rc.RetryDelay,
	}
}

// LogTunnelEvent forwards supervisor events to the database
func (d *Daemon) LogTunnelEvent(tunnelID int, eventType, details string) error {
	d.dbMu.RLock()
	defer d.dbMu.RUnlock()
	if d.database == nil {
		return nil
	}
	return d.database.LogTunnelEvent(tunnelID, eventType, details)
}

// Run starts the daemon's main loop. It returns once the daemon has been
// shut down by a signal or a STOP_DAEMON command.
func (d *Daemon) Run() error {
	d.setupLogging()

	// Frpc grandchildren get re-parented to us when running as init in a container
	if core.Config.Reaper.ReapChildren && os.Getpid() == 1 {
		slog.Info("Running as PID 1, reaping orphaned children")
		go reaper.Reap()
	}

	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.dbMu.Lock()
		d.database = database
		d.dbMu.Unlock()
		slog.Info("Database opened", "path", database.Path())

		version := core.FormatVersion(core.Version)
		d.logDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid()))
		if n, err := database.PruneBefore(time.Now().Add(-eventRetention)); err != nil {
			slog.Warn("Failed to prune old events", "error", err)
		} else if n > 0 {
			slog.Debug("Pruned old events", "count", n)
		}
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := listen(socketPath)
	if err != nil {
		d.closeDatabase()
		return err
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	d.sup.Run(d.ctx)
	d.startMetricsServer(core.Config.Metrics.Listen)
	d.watchConfig()

	shutdownChan := make(chan os.Signal, 1)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(hupChan, syscall.SIGHUP)
	defer signal.Stop(shutdownChan)
	defer signal.Stop(hupChan)

	go func() {
		select {
		case <-shutdownChan:
			slog.Info("Shutdown signal received. Stopping all tunnels.")
			d.shutdown()
			d.listener.Close()
		case <-d.ctx.Done():
		}
	}()

	go func() {
		for {
			select {
			case <-hupChan:
				slog.Info("SIGHUP received, reloading configuration")
				if err := d.reloadConfig(); err != nil {
					slog.Debug("Config reload failed", "error", err)
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}

	d.shutdown()
	return nil
}

// listen creates the socket listener, removing a stale socket file left by
// a daemon that did not shut down cleanly.
func listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("daemon is already running")
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if removeErr := os.Remove(socketPath); removeErr != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", removeErr)
	}
	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	// VERSION and STATUS are polled by every client invocation
	if command != "VERSION" && command != "STATUS" {
		if logArgs := maskArgs(command, args); len(logArgs) > 0 {
			slog.Info(fmt.Sprintf("Executing command: %s %v", command, logArgs))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "START":
		if len(args) == 0 {
			response.AddMessage("Usage: START <id> [token]", StatusError)
			break
		}
		token := ""
		if len(args) > 1 {
			token = args[1]
		}
		response = d.startTunnel(args[0], token)
	case "STOP":
		if len(args) == 0 {
			response.AddMessage("Usage: STOP <id>", StatusError)
			break
		}
		response = d.stopTunnel(args[0])
	case "RESTART_ALL":
		response = d.restartAll()
	case "LIST":
		response = d.listTunnels()
	case "STATUS":
		response = d.getStatus()
	case "RECONNECT":
		response = d.setReconnect(args)
	case "AUTOSTART":
		if len(args) < 2 {
			response.AddMessage("Usage: AUTOSTART <id> on|off", StatusError)
			break
		}
		response = d.setAutostart(args[0], args[1])
	case "AUTOSTART_LIST":
		response = d.listAutostart()
	case "SYNC":
		token := ""
		if len(args) > 0 {
			token = args[0]
		}
		response = d.syncTunnels(token)
	case "LOGS":
		response = d.getLogs(parseCount(args, 0, 100))
	case "LOGS_FOLLOW":
		d.followLogs(conn, parseCount(args, 0, 20))
		return // Streams until the client disconnects
	case "LOGS_CLEAR":
		d.sup.ClearLogs()
		response.AddMessage("Logs cleared", StatusInfo)
	case "RECOVERY_STATUS":
		response = d.getRecoveryStatus()
	case "RECOVER":
		response = d.recover()
	case "CLEAR_STATE":
		response = d.clearState()
	case "EVENTS":
		id := 0
		if len(args) > 1 {
			id, _ = strconv.Atoi(args[1])
		}
		response = d.getEvents(parseCount(args, 0, 20), id)
	case "EVENTS_LAST":
		response = d.getLastEvents()
	case "DAEMON_EVENTS":
		response = d.getDaemonEvents(parseCount(args, 0, 20))
	case "VERSION":
		response = d.getVersion()
	case "STOP_DAEMON":
		response = d.stopDaemon()
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Stop command received. Shutting down daemon.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		return
	default:
		response.AddMessage("Unknown command.", StatusError)
	}
	conn.Write([]byte(response.ToJSON()))
}

// maskArgs hides account tokens in the command log
func maskArgs(command string, args []string) []string {
	index := -1
	switch command {
	case "START":
		index = 1 // START <id> <token>
	case "SYNC":
		index = 0 // SYNC <token>
	}
	if index < 0 || len(args) <= index {
		return args
	}
	masked := make([]string, len(args))
	copy(masked, args)
	masked[index] = "[MASKED]"
	return masked
}

// parseCount reads a positive count from args[i], falling back to def
func parseCount(args []string, i, def int) int {
	if len(args) <= i {
		return def
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		tunnelCount := d.sup.TunnelCount()
		d.sup.Shutdown()
		d.stopMetricsServer()

		version := core.FormatVersion(core.Version)
		d.logDaemonEvent("stop", fmt.Sprintf("daemon stopped - version: %s, PID: %d, active tunnels: %d", version, os.Getpid(), tunnelCount))
		d.closeDatabase()
	})
}

// logDaemonEvent records a daemon lifecycle event while the database is open
func (d *Daemon) logDaemonEvent(eventType, details string) {
	d.dbMu.RLock()
	defer d.dbMu.RUnlock()
	if d.database == nil {
		return
	}
	if err := d.database.LogDaemonEvent(eventType, details); err != nil {
		slog.Error("Failed to log daemon event", "event", eventType, "error", err)
	}
}

func (d *Daemon) closeDatabase() {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()
	if d.database == nil {
		return
	}
	if err := d.database.Flush(); err != nil {
		slog.Error("Failed to flush database during shutdown", "error", err)
	}
	if err := d.database.Close(); err != nil {
		slog.Error("Failed to close database during shutdown", "error", err)
	} else {
		slog.Info("Database closed successfully")
	}
	d.database = nil
}
