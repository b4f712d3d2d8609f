package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"go.olrik.dev/frpvisor/internal/frpc"
)

// SyncReport summarizes a Sync run
type SyncReport struct {
	Tunnels int   `json:"tunnels"`
	Started []int `json:"started"`
	Failed  []int `json:"failed,omitempty"`
}

// SetAutostart marks tunnel id to be started on sync
func (s *Supervisor) SetAutostart(id int, enabled bool) error {
	if err := s.autostart.Set(id, enabled); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("Autostart %s for tunnel %d", onOff(enabled), id))
	return nil
}

// AutostartConfig returns the ids with autostart enabled
func (s *Supervisor) AutostartConfig() []int {
	return s.autostart.IDs()
}

// Sync fetches the tunnel list for token and starts the autostart tunnels in
// it that have not been considered yet.
func (s *Supervisor) Sync(ctx context.Context, token string) (SyncReport, error) {
	if s.lister == nil {
		return SyncReport{}, fmt.Errorf("no tunnel source configured")
	}
	if token == "" {
		return SyncReport{}, fmt.Errorf("a token is required to sync")
	}

	listCtx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
	tunnels, err := s.lister.ListTunnels(listCtx, token)
	cancel()
	if err != nil {
		return SyncReport{}, fmt.Errorf("failed to fetch tunnel list: %w", err)
	}

	report := SyncReport{Tunnels: len(tunnels)}
	for _, id := range s.ConsiderAutostart(ctx, tunnels, token) {
		if s.registry.Contains(id) {
			report.Started = append(report.Started, id)
		} else {
			report.Failed = append(report.Failed, id)
		}
	}
	return report, nil
}

// ConsiderAutostart starts every tunnel in the list that has autostart
// enabled, is not running and has not been considered since boot. Each id is
// considered at most once until the memo is reset. Returns the ids it tried.
func (s *Supervisor) ConsiderAutostart(ctx context.Context, tunnels []frpc.Tunnel, token string) []int {
	var tried []int
	for _, t := range tunnels {
		if !s.autostart.Contains(t.ID) {
			continue
		}
		if !s.autostart.MarkChecked(t.ID) {
			continue
		}
		if s.registry.Contains(t.ID) {
			continue
		}

		if len(tried) > 0 && !sleepCtx(ctx, s.opts.RecoveryDelay) {
			break
		}
		tried = append(tried, t.ID)
		if err := s.Start(ctx, t, token); err != nil {
			slog.Error("Autostart failed", "tunnel", t.ID, "error", err)
			continue
		}
		slog.Info("Autostarted tunnel", "tunnel", t.ID, "name", t.Name)
	}
	return tried
}
