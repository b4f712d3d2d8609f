package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UnboundedAttempts disables eviction after failed reconnects
const UnboundedAttempts = -1

// ReconnectSettings controls the reconnect scheduler
type ReconnectSettings struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// ReconnectStatus is reported over IPC
type ReconnectStatus struct {
	Enabled     bool   `json:"enabled"`
	Monitoring  bool   `json:"monitoring"`
	Interval    string `json:"interval"`
	MaxAttempts int    `json:"maxAttempts"`
	RetryDelay  string `json:"retryDelay"`
}

// ReconnectScheduler periodically restarts registry entries whose process has
// died. Entries that fail MaxAttempts times in a row are evicted.
type ReconnectScheduler struct {
	sup *Supervisor

	mu       sync.Mutex
	settings ReconnectSettings
	// configured is the Enabled value last handed in by New or Update, as
	// opposed to a runtime toggle
	configured bool
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func newReconnectScheduler(s *Supervisor, settings ReconnectSettings) *ReconnectScheduler {
	return &ReconnectScheduler{sup: s, settings: settings, configured: settings.Enabled}
}

// Start runs the loop under ctx when reconnects are enabled. Later calls to
// SetEnabled start and stop the loop under the same ctx.
func (rs *ReconnectScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.parent = ctx
	if rs.settings.Enabled {
		rs.startLoopLocked()
	}
}

// Stop halts the loop and waits for an in-progress tick to return
func (rs *ReconnectScheduler) Stop() {
	rs.mu.Lock()
	wait := rs.stopLoopLocked()
	rs.mu.Unlock()
	if wait != nil {
		<-wait
	}
}

// SetEnabled toggles reconnects. Only the loop is affected, registry entries
// are left alone.
func (rs *ReconnectScheduler) SetEnabled(enabled bool) {
	rs.mu.Lock()
	rs.settings.Enabled = enabled
	var wait chan struct{}
	if enabled {
		rs.startLoopLocked()
	} else {
		wait = rs.stopLoopLocked()
	}
	rs.mu.Unlock()

	if wait != nil {
		<-wait
	}
	slog.Info("Auto-reconnect " + onOff(enabled))
}

// Update replaces the settings, restarting the loop when the interval changed.
// A SetEnabled toggle survives unless Enabled differs from the value last
// passed to Update.
func (rs *ReconnectScheduler) Update(settings ReconnectSettings) {
	rs.mu.Lock()
	configured := settings.Enabled
	if configured == rs.configured {
		settings.Enabled = rs.settings.Enabled
	}
	rs.configured = configured
	restart := rs.cancel != nil && settings.Interval != rs.settings.Interval
	rs.settings = settings

	var wait chan struct{}
	if !settings.Enabled || restart {
		wait = rs.stopLoopLocked()
	}
	rs.mu.Unlock()

	if wait != nil {
		<-wait
	}
	if settings.Enabled {
		rs.mu.Lock()
		rs.startLoopLocked()
		rs.mu.Unlock()
	}
}

func (rs *ReconnectScheduler) Enabled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.settings.Enabled
}

func (rs *ReconnectScheduler) Status() ReconnectStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return ReconnectStatus{
		Enabled:     rs.settings.Enabled,
		Monitoring:  rs.cancel != nil,
		Interval:    rs.settings.Interval.String(),
		MaxAttempts: rs.settings.MaxAttempts,
		RetryDelay:  rs.settings.RetryDelay.String(),
	}
}

func (rs *ReconnectScheduler) snapshot() ReconnectSettings {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.settings
}

func (rs *ReconnectScheduler) startLoopLocked() {
	if rs.cancel != nil || rs.parent == nil || rs.settings.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(rs.parent)
	done := make(chan struct{})
	rs.cancel = cancel
	rs.done = done
	go rs.loop(ctx, rs.settings.Interval, done)
}

func (rs *ReconnectScheduler) stopLoopLocked() chan struct{} {
	if rs.cancel == nil {
		return nil
	}
	rs.cancel()
	wait := rs.done
	rs.cancel = nil
	rs.done = nil
	return wait
}

func (rs *ReconnectScheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	slog.Debug("Reconnect monitor started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Reconnect monitor stopped")
			return
		case <-ticker.C:
			rs.Tick(ctx)
		}
	}
}

// Tick checks every registry entry once and tries to reconnect the dead ones,
// one at a time with RetryDelay between them. Returns the number of
// reconnect attempts made.
func (rs *ReconnectScheduler) Tick(ctx context.Context) int {
	settings := rs.snapshot()

	var dead []*Handle
	for _, h := range rs.sup.registry.Snapshot() {
		if !h.alive(rs.sup.liveness) {
			dead = append(dead, h)
		}
	}
	if len(dead) == 0 {
		return 0
	}
	slog.Info(fmt.Sprintf("Found %d dead tunnel(s), reconnecting", len(dead)))

	attempted := 0
	for i, h := range dead {
		if i > 0 && settings.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return attempted
			case <-time.After(settings.RetryDelay):
			}
		}
		if ctx.Err() != nil {
			return attempted
		}
		if rs.sup.reconnect(ctx, h, settings.MaxAttempts) {
			attempted++
		}
	}
	return attempted
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
