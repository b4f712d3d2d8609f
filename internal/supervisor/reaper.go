package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.olrik.dev/frpvisor/internal/frpc"
)

// tunnelProcess is an OS process running one of our rendered configs
type tunnelProcess struct {
	Pid        int
	TunnelID   int
	ConfigPath string
}

// Reaper finds frpc processes started from our config directory that the
// registry does not account for and kills them.
type Reaper struct {
	configDir string
	binary    string
	grace     time.Duration
	registry  *Registry
	locks     *keyedMutex
	liveness  LivenessChecker
	events    EventLogger
	metrics   *Metrics

	// list is swapped in tests
	list func(ctx context.Context) ([]tunnelProcess, error)
}

func newReaper(s *Supervisor) *Reaper {
	r := &Reaper{
		configDir: s.configDir,
		binary:    s.opts.Binary,
		grace:     s.opts.StopGrace,
		registry:  s.registry,
		locks:     &s.locks,
		liveness:  s.liveness,
		events:    s.events,
		metrics:   s.metrics,
	}
	r.list = r.scan
	return r
}

// Sweep kills every tunnel process that is untracked, whose config file is
// gone, or whose pid differs from the tracked one. Ids with an operation in
// flight are skipped. Returns the number of processes killed.
func (r *Reaper) Sweep(ctx context.Context) int {
	procs, err := r.list(ctx)
	if err != nil {
		slog.Warn("Reaper failed to list processes", "error", err)
		return 0
	}

	killed := 0
	for _, p := range procs {
		unlock, ok := r.locks.TryLock(p.TunnelID)
		if !ok {
			slog.Debug("Reaper skipping tunnel with an operation in flight", "tunnel", p.TunnelID, "pid", p.Pid)
			continue
		}
		if reason := r.orphanReason(p); reason != "" {
			if r.kill(p, reason) {
				killed++
			}
		}
		unlock()
	}

	if killed > 0 {
		slog.Info(fmt.Sprintf("Reaped %d orphaned frpc process(es)", killed))
	}
	return killed
}

// SweepTunnel kills every process running tunnel id's config except keepPid.
// The caller must hold the id lock.
func (r *Reaper) SweepTunnel(ctx context.Context, id, keepPid int) int {
	procs, err := r.list(ctx)
	if err != nil {
		slog.Warn("Reaper failed to list processes", "tunnel", id, "error", err)
		return 0
	}

	killed := 0
	for _, p := range procs {
		if p.TunnelID != id || p.Pid == keepPid {
			continue
		}
		if r.kill(p, "leftover instance") {
			killed++
		}
	}
	return killed
}

// Run sweeps every interval until ctx is done
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reaper) orphanReason(p tunnelProcess) string {
	h, ok := r.registry.Get(p.TunnelID)
	if !ok {
		return "not tracked"
	}
	if _, err := os.Stat(p.ConfigPath); errors.Is(err, os.ErrNotExist) {
		return "config file removed"
	}
	if h.exited() {
		return "tracked instance exited"
	}
	if h.pid() != p.Pid {
		return "duplicate instance"
	}
	return ""
}

func (r *Reaper) kill(p tunnelProcess, reason string) bool {
	label := fmt.Sprintf("orphaned frpc for tunnel %d (PID %d)", p.TunnelID, p.Pid)
	slog.Warn("Killing orphaned frpc process", "tunnel", p.TunnelID, "pid", p.Pid, "reason", reason)

	if err := gracefulTerminate(p.Pid, r.grace, label, r.liveness); err != nil {
		slog.Error("Failed to kill orphaned frpc process", "tunnel", p.TunnelID, "pid", p.Pid, "error", err)
		return false
	}
	r.metrics.reapedOrphans(1)
	logEvent(r.events, p.TunnelID, "orphan_reaped", fmt.Sprintf("pid=%d reason=%s", p.Pid, reason))
	return true
}

func (r *Reaper) scan(ctx context.Context) ([]tunnelProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	dir := filepath.Clean(r.configDir)
	var found []tunnelProcess
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		args, err := proc.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		if p, ok := matchTunnelProcess(args, dir, r.binary); ok {
			p.Pid = int(proc.Pid)
			found = append(found, p)
		}
	}
	return found, nil
}

// matchTunnelProcess reports whether args run binary against a tunnel config
// inside dir.
func matchTunnelProcess(args []string, dir, binary string) (tunnelProcess, bool) {
	if binary != "" && !runsBinary(args, binary) {
		return tunnelProcess{}, false
	}
	path, ok := configArg(args)
	if !ok || filepath.Dir(filepath.Clean(path)) != dir {
		return tunnelProcess{}, false
	}
	id, ok := frpc.ParseConfigPath(path)
	if !ok {
		return tunnelProcess{}, false
	}
	return tunnelProcess{TunnelID: id, ConfigPath: path}, true
}

// runsBinary matches argv[0], or argv[1] when the binary is a script started
// through an interpreter.
func runsBinary(args []string, binary string) bool {
	want := filepath.Base(binary)
	for i := 0; i < len(args) && i < 2; i++ {
		if filepath.Base(args[i]) == want {
			return true
		}
	}
	return false
}

func configArg(args []string) (string, bool) {
	for i, arg := range args {
		switch {
		case (arg == "-c" || arg == "--config") && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(arg, "-c="):
			return strings.TrimPrefix(arg, "-c="), true
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config="), true
		}
	}
	return "", false
}
