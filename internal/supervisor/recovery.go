package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RecoveryReport summarizes a Recover run
type RecoveryReport struct {
	Recovered int      `json:"recovered"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	// Token is the first account token found in the persisted set
	Token string `json:"-"`
}

// RecoveryStatus describes the persisted state on disk
type RecoveryStatus struct {
	HasState    bool       `json:"hasState"`
	TunnelCount int        `json:"tunnelCount"`
	LastSaved   *time.Time `json:"lastSaved,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Recover starts every tunnel in the persisted set that is not already
// running, one at a time with RecoveryDelay between them. Unreadable state is
// treated as no state.
func (s *Supervisor) Recover(ctx context.Context) RecoveryReport {
	var report RecoveryReport

	state, err := s.state.Load()
	if err != nil {
		slog.Warn("Ignoring unreadable tunnel state", "error", err)
		return report
	}
	if state == nil || len(state.Tunnels) == 0 {
		slog.Debug("No persisted tunnels to recover")
		return report
	}
	slog.Info(fmt.Sprintf("Recovering %d persisted tunnel(s)", len(state.Tunnels)))

	for i, entry := range state.Tunnels {
		if report.Token == "" {
			report.Token = entry.AuthToken
		}
		if i > 0 && !sleepCtx(ctx, s.opts.RecoveryDelay) {
			break
		}
		if s.registry.Contains(entry.ID) {
			report.Skipped++
			continue
		}

		if err := s.Start(ctx, entry.Config, entry.AuthToken); err != nil {
			slog.Error("Failed to recover tunnel", "tunnel", entry.ID, "error", err)
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Recovered++
	}

	slog.Info("Recovery finished", "recovered", report.Recovered, "skipped", report.Skipped, "failed", report.Failed)
	return report
}

func (s *Supervisor) RecoveryStatus() RecoveryStatus {
	state, err := s.state.Load()
	if err != nil {
		return RecoveryStatus{Error: err.Error()}
	}
	if state == nil {
		return RecoveryStatus{}
	}
	saved := state.Timestamp
	return RecoveryStatus{
		HasState:    true,
		TunnelCount: len(state.Tunnels),
		LastSaved:   &saved,
	}
}

// ClearPersistedState deletes the state file. Running tunnels are untouched
// and the file is written again on the next change.
func (s *Supervisor) ClearPersistedState() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.state.Clear()
}
