package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.olrik.dev/frpvisor/internal/core"
	"go.olrik.dev/frpvisor/internal/db"
	"go.olrik.dev/frpvisor/internal/supervisor"
)

// VersionInfo is the payload of VERSION
type VersionInfo struct {
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
}

// LogsPayload is the payload of LOGS
type LogsPayload struct {
	Logs string `json:"logs"`
}

// AutostartPayload is the payload of AUTOSTART and AUTOSTART_LIST
type AutostartPayload struct {
	Autostart []int `json:"autostart"`
}

// EventsPayload is the payload of EVENTS and EVENTS_LAST
type EventsPayload struct {
	Events []db.TunnelEvent `json:"events"`
}

// DaemonEventsPayload is the payload of DAEMON_EVENTS
type DaemonEventsPayload struct {
	Events []db.DaemonEvent `json:"events"`
}

// Upper bound for a single IPC-driven operation, covering lookups, the
// startup observation window and recovery delays.
const operationTimeout = 2 * time.Minute

func (d *Daemon) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(d.ctx, operationTimeout)
}

func parseTunnelID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tunnel id %q", arg)
	}
	return id, nil
}

func (d *Daemon) startTunnel(idArg, token string) Response {
	response := Response{}

	id, err := parseTunnelID(idArg)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}
	if token == "" {
		token = core.Config.Upstream.Token
	}

	ctx, cancel := d.operationContext()
	defer cancel()

	if err := d.sup.StartByID(ctx, id, token); err != nil {
		if errors.Is(err, supervisor.ErrUnknownTunnel) {
			response.AddMessage(fmt.Sprintf("Tunnel %d is not known, pass a token so it can be looked up", id), StatusError)
			return response
		}
		response.AddMessage(err.Error(), StatusError)
		return response
	}
	response.AddMessage(fmt.Sprintf("Tunnel %d started", id), StatusInfo)
	return response
}

func (d *Daemon) stopTunnel(idArg string) Response {
	response := Response{}

	id, err := parseTunnelID(idArg)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}

	if !d.sup.Tracks(id) {
		response.AddMessage(fmt.Sprintf("Tunnel %d is not running", id), StatusInfo)
		return response
	}

	ctx, cancel := d.operationContext()
	defer cancel()

	if err := d.sup.Stop(ctx, id); err != nil {
		response.AddMessage(fmt.Sprintf("Tunnel %d stopped with errors: %v", id, err), StatusWarn)
		return response
	}
	response.AddMessage(fmt.Sprintf("Tunnel %d stopped", id), StatusInfo)
	return response
}

func (d *Daemon) restartAll() Response {
	response := Response{}

	ctx, cancel := d.operationContext()
	defer cancel()

	report := d.sup.RestartAll(ctx)
	response.AddData(report)

	switch {
	case report.StoppedCount == 0:
		response.AddMessage("No tunnels to restart", StatusWarn)
	case len(report.Failed) > 0:
		response.AddMessage(fmt.Sprintf("Restarted %d of %d tunnel(s), failed: %v", report.RestartedCount, report.StoppedCount, report.Failed), StatusWarn)
	default:
		response.AddMessage(fmt.Sprintf("Restarted %d tunnel(s)", report.RestartedCount), StatusInfo)
	}
	return response
}

func (d *Daemon) listTunnels() Response {
	response := Response{}

	statuses := d.sup.ListActive()
	if statuses == nil {
		statuses = []supervisor.TunnelStatus{}
	}
	response.AddData(statuses)

	if len(statuses) == 0 {
		response.AddMessage("No tunnels found", StatusWarn)
		return response
	}
	response.AddMessage("OK", StatusInfo)
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}

	status := d.sup.Status()
	if status.ActiveTunnels == nil {
		status.ActiveTunnels = []supervisor.TunnelStatus{}
	}
	response.AddMessage("OK", StatusInfo)
	response.AddData(status)
	return response
}

func (d *Daemon) setReconnect(args []string) Response {
	response := Response{}

	if len(args) > 0 {
		enabled, err := parseOnOff(args[0])
		if err != nil {
			response.AddMessage(err.Error(), StatusError)
			return response
		}
		d.sup.SetAutoReconnect(enabled)
		response.AddMessage(fmt.Sprintf("Auto-reconnect %s", args[0]), StatusInfo)
	} else {
		response.AddMessage("OK", StatusInfo)
	}

	response.AddData(d.sup.AutoReconnectStatus())
	return response
}

func (d *Daemon) setAutostart(idArg, value string) Response {
	response := Response{}

	id, err := parseTunnelID(idArg)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}
	enabled, err := parseOnOff(value)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}

	if err := d.sup.SetAutostart(id, enabled); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to save autostart setting: %v", err), StatusError)
		return response
	}
	response.AddMessage(fmt.Sprintf("Autostart %s for tunnel %d", value, id), StatusInfo)
	response.AddData(AutostartPayload{Autostart: nonNil(d.sup.AutostartConfig())})
	return response
}

func (d *Daemon) listAutostart() Response {
	response := Response{}
	ids := nonNil(d.sup.AutostartConfig())
	if len(ids) == 0 {
		response.AddMessage("No tunnels marked for autostart", StatusInfo)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(AutostartPayload{Autostart: ids})
	return response
}

func (d *Daemon) syncTunnels(token string) Response {
	response := Response{}
	if token == "" {
		token = core.Config.Upstream.Token
	}

	ctx, cancel := d.operationContext()
	defer cancel()

	report, err := d.sup.Sync(ctx, token)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}
	response.AddData(report)

	status := StatusInfo
	if len(report.Failed) > 0 {
		status = StatusWarn
	}
	response.AddMessage(fmt.Sprintf("Synced %d tunnel(s): %d started, %d failed", report.Tunnels, len(report.Started), len(report.Failed)), status)
	return response
}

func (d *Daemon) getLogs(lines int) Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(LogsPayload{Logs: d.sup.Logs(lines)})
	return response
}

func (d *Daemon) getRecoveryStatus() Response {
	response := Response{}
	status := d.sup.RecoveryStatus()
	if status.Error != "" {
		response.AddMessage(fmt.Sprintf("Persisted state is unreadable: %s", status.Error), StatusWarn)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(status)
	return response
}

func (d *Daemon) recover() Response {
	response := Response{}

	ctx, cancel := d.operationContext()
	defer cancel()

	report := d.sup.Recover(ctx)
	response.AddData(report)

	status := StatusInfo
	if report.Failed > 0 {
		status = StatusWarn
	}
	response.AddMessage(fmt.Sprintf("Recovered %d tunnel(s), %d already running, %d failed", report.Recovered, report.Skipped, report.Failed), status)
	return response
}

func (d *Daemon) clearState() Response {
	response := Response{}
	if err := d.sup.ClearPersistedState(); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to clear persisted state: %v", err), StatusError)
		return response
	}
	response.AddMessage("Persisted state cleared", StatusInfo)
	return response
}

// withDatabase runs fn against the event database, or reports that there is none
func (d *Daemon) withDatabase(fn func(database *db.DB) Response) Response {
	d.dbMu.RLock()
	defer d.dbMu.RUnlock()
	if d.database == nil {
		response := Response{}
		response.AddMessage("Event history is not available", StatusError)
		return response
	}
	return fn(d.database)
}

func (d *Daemon) getEvents(limit, tunnelID int) Response {
	return d.withDatabase(func(database *db.DB) Response {
		return tunnelEventsResponse(database.GetRecentTunnelEvents(tunnelID, limit))
	})
}

func (d *Daemon) getLastEvents() Response {
	return d.withDatabase(func(database *db.DB) Response {
		return tunnelEventsResponse(database.GetLastTunnelEventPerTunnel())
	})
}

func tunnelEventsResponse(events []db.TunnelEvent, err error) Response {
	response := Response{}
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), StatusError)
		return response
	}
	if events == nil {
		events = []db.TunnelEvent{}
	}
	response.AddMessage("OK", StatusInfo)
	response.AddData(EventsPayload{Events: events})
	return response
}

func (d *Daemon) getDaemonEvents(limit int) Response {
	return d.withDatabase(func(database *db.DB) Response {
		response := Response{}
		events, err := database.GetRecentDaemonEvents(limit)
		if err != nil {
			response.AddMessage(fmt.Sprintf("Failed to read daemon events: %v", err), StatusError)
			return response
		}
		if events == nil {
			events = []db.DaemonEvent{}
		}
		response.AddMessage("OK", StatusInfo)
		response.AddData(DaemonEventsPayload{Events: events})
		return response
	})
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(VersionInfo{
		Version: core.Version,
		Pid:     os.Getpid(),
		Uptime:  time.Since(d.startTime).Round(time.Second).String(),
	})
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}

	if count := d.sup.TunnelCount(); count > 0 {
		response.AddMessage(fmt.Sprintf("Stopping daemon and %d tunnel(s)...", count), StatusInfo)
	} else {
		response.AddMessage("Stopping daemon...", StatusInfo)
	}
	return response
}

func parseOnOff(value string) (bool, error) {
	switch value {
	case "on", "true", "1", "enable":
		return true, nil
	case "off", "false", "0", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
