package supervisor

import (
	"context"
	"log/slog"

	"go.olrik.dev/frpvisor/internal/frpc"
)

// EventLogger records tunnel lifecycle events, typically in the database
type EventLogger interface {
	LogTunnelEvent(tunnelID int, eventType, details string) error
}

// AuthResolver looks up the relay server and credentials for a tunnel
type AuthResolver interface {
	ResolveAuth(ctx context.Context, token string, t frpc.Tunnel) (frpc.Auth, error)
}

// TunnelLister fetches the tunnels a user owns
type TunnelLister interface {
	ListTunnels(ctx context.Context, token string) ([]frpc.Tunnel, error)
}

func logEvent(events EventLogger, id int, eventType, details string) {
	if events == nil {
		return
	}
	if err := events.LogTunnelEvent(id, eventType, details); err != nil {
		slog.Warn("Failed to record tunnel event", "tunnel", id, "event", eventType, "error", err)
	}
}
