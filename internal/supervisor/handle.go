package supervisor

import (
	"sync/atomic"
	"time"

	"go.olrik.dev/frpvisor/internal/frpc"
)

// Handle tracks one running frpc instance for a tunnel
type Handle struct {
	Tunnel     frpc.Tunnel
	Process    Process
	ConfigPath string
	StartTime  time.Time
	AuthToken  string    // caller token the tunnel was started with
	Auth       frpc.Auth // relay settings the config was rendered with

	attempts atomic.Int32
}

// Attempts is the number of reconnect tries since the last successful start
func (h *Handle) Attempts() int {
	return int(h.attempts.Load())
}

func (h *Handle) pid() int {
	if h.Process == nil {
		return 0
	}
	return h.Process.Pid()
}

// exited reports whether the process has been waited for. Its pid may belong
// to an unrelated process from then on.
func (h *Handle) exited() bool {
	if h.Process == nil {
		return true
	}
	select {
	case <-h.Process.Done():
		return true
	default:
		return false
	}
}

func (h *Handle) alive(live LivenessChecker) bool {
	return !h.exited() && live.IsAlive(h.pid())
}

// handleLiveness answers for the pid of one handle only
type handleLiveness struct {
	h    *Handle
	live LivenessChecker
}

func (hl handleLiveness) IsAlive(pid int) bool {
	return pid == hl.h.pid() && hl.h.alive(hl.live)
}

// TunnelStatus is the externally visible view of a registry entry
type TunnelStatus struct {
	TunnelID     int           `json:"tunnelId"`
	Name         string        `json:"name"`
	Type         frpc.Protocol `json:"type"`
	LocalAddress string        `json:"localAddress"`
	StartTime    time.Time     `json:"startTime"`
	IsRunning    bool          `json:"isRunning"`
	Pid          int           `json:"pid"`
	Attempts     int           `json:"reconnectAttempts"`
	Node         string        `json:"node,omitempty"`

	AdminPort      int  `json:"adminPort,omitempty"`
	AdminReachable bool `json:"adminReachable"`
}

func (h *Handle) status(running bool) TunnelStatus {
	return TunnelStatus{
		TunnelID:     h.Tunnel.ID,
		Name:         h.Tunnel.Name,
		Type:         h.Tunnel.Type,
		LocalAddress: h.Tunnel.LocalAddress(),
		StartTime:    h.StartTime,
		IsRunning:    running,
		Pid:          h.pid(),
		Attempts:     h.Attempts(),
		Node:         h.Tunnel.Node,
		AdminPort:    h.Auth.AdminPort,
	}
}
