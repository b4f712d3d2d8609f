// Package supervisor runs one frpc process per tunnel. It renders configs,
// spawns and stops processes, reconnects tunnels whose process died, reaps
// untracked processes and persists the running set across restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.olrik.dev/frpvisor/internal/frpc"
)

// ErrUnknownTunnel is returned when a tunnel id cannot be resolved to a
// descriptor.
var ErrUnknownTunnel = errors.New("unknown tunnel")

// Options configures a Supervisor. Zero values fall back to the defaults
// noted on each field.
type Options struct {
	ConfigDir      string        // required
	Binary         string        // "frpc"
	ServerPort     int           // 7000
	DefaultServer  string        // relay used when neither lookup nor tunnel name one
	SystemToken    string        // relay token used when the lookup fails
	AdminPortBase  int           // 7400, 0 disables admin listeners
	StartupTimeout time.Duration // 5s
	StopGrace      time.Duration // 2s
	ResolveTimeout time.Duration // 10s
	Reconnect      ReconnectSettings
	ReaperInterval time.Duration // 0 disables the periodic sweep
	RecoveryDelay  time.Duration
	RecoverOnBoot  bool
	BootToken      string // token for the boot autostart sync

	Launcher  Launcher        // FrpcLauncher for Binary
	Liveness  LivenessChecker // ProcessTable
	Resolver  AuthResolver
	Lister    TunnelLister
	State     *StateStore
	Autostart *AutostartSet
	Logs      *LogBuffer
	Events    EventLogger
	Metrics   *Metrics
	Admin     AdminProber // FrpcAdmin
}

// Supervisor owns the tunnel registry and every operation that changes it.
// Operations on one tunnel id are serialized, different ids run in parallel.
type Supervisor struct {
	opts      Options
	configDir string

	registry  *Registry
	locks     keyedMutex
	launcher  Launcher
	liveness  LivenessChecker
	resolver  AuthResolver
	lister    TunnelLister
	state     *StateStore
	autostart *AutostartSet
	logs      *LogBuffer
	events    EventLogger
	metrics   *Metrics
	admin     AdminProber
	reaper    *Reaper
	scheduler *ReconnectScheduler

	persistMu  sync.Mutex
	inflightMu sync.Mutex
	inflight   map[int]*inflightOp

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	now          func() time.Time
}

type inflightOp struct {
	cancel context.CancelFunc
}

func New(opts Options) (*Supervisor, error) {
	if opts.ConfigDir == "" {
		return nil, fmt.Errorf("config directory is required")
	}
	dir, err := filepath.Abs(opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if opts.Binary == "" {
		opts.Binary = "frpc"
	}
	if opts.ServerPort == 0 {
		opts.ServerPort = 7000
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Second
	}
	if opts.Liveness == nil {
		opts.Liveness = ProcessTable{}
	}
	if opts.Logs == nil {
		opts.Logs = NewLogBuffer(0)
	}
	if opts.Autostart == nil {
		opts.Autostart, _ = LoadAutostart("")
	}
	if opts.Admin == nil {
		opts.Admin = NewFrpcAdmin(adminProbeTimeout)
	}
	if opts.Launcher == nil {
		opts.Launcher = &FrpcLauncher{
			Binary:         opts.Binary,
			StartupTimeout: opts.StartupTimeout,
			StopGrace:      opts.StopGrace,
			Liveness:       opts.Liveness,
			Output:         opts.Logs,
		}
	}

	s := &Supervisor{
		opts:      opts,
		configDir: dir,
		registry:  NewRegistry(),
		launcher:  opts.Launcher,
		liveness:  opts.Liveness,
		resolver:  opts.Resolver,
		lister:    opts.Lister,
		state:     opts.State,
		autostart: opts.Autostart,
		logs:      opts.Logs,
		events:    opts.Events,
		metrics:   opts.Metrics,
		admin:     opts.Admin,
		inflight:  make(map[int]*inflightOp),
		now:       time.Now,
	}
	s.reaper = newReaper(s)
	s.scheduler = newReconnectScheduler(s, opts.Reconnect)
	return s, nil
}

// ConfigDir is the absolute directory rendered configs are written to
func (s *Supervisor) ConfigDir() string { return s.configDir }

// Tracks reports whether id has a registry entry, dead or alive
func (s *Supervisor) Tracks(id int) bool { return s.registry.Contains(id) }

// TunnelCount is the number of registry entries, without a liveness check
func (s *Supervisor) TunnelCount() int { return s.registry.Len() }

// Run performs the boot sequence and starts the background loops: an
// initial orphan sweep, recovery of the persisted set, the autostart sync
// and then the reconnect and reaper loops. It returns immediately.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if n := s.reaper.Sweep(ctx); n > 0 {
		slog.Info(fmt.Sprintf("Removed %d frpc process(es) left over from a previous run", n))
	}

	s.scheduler.Start(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reaper.Run(ctx, s.opts.ReaperInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.boot(ctx)
	}()
}

func (s *Supervisor) boot(ctx context.Context) {
	var recovered *RecoveryReport
	if s.opts.RecoverOnBoot {
		report := s.Recover(ctx)
		recovered = &report
	}

	token := s.opts.BootToken
	if token == "" && recovered != nil {
		token = recovered.Token
	}
	if token == "" || len(s.autostart.IDs()) == 0 {
		return
	}
	if _, err := s.Sync(ctx, token); err != nil {
		slog.Warn("Boot autostart sync failed", "error", err)
	}
}

// Shutdown stops the background loops and terminates every tunnel process.
// The registry and the persisted state are kept so the next boot can
// recover the same set.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.scheduler.Stop()
		s.cancelAllInflight()
		s.wg.Wait()

		for _, h := range s.registry.Snapshot() {
			unlock := s.locks.Lock(h.Tunnel.ID)
			s.terminate(h)
			os.Remove(h.ConfigPath)
			unlock()
		}
		slog.Info("Supervisor stopped", "tunnels", s.registry.Len())
	})
}

// Start launches tunnel t, replacing any instance already running for the
// same id. token is the caller's account token and is kept for reconnects.
func (s *Supervisor) Start(ctx context.Context, t frpc.Tunnel, token string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	id := t.ID

	s.cancelInflight(id)
	unlock := s.locks.Lock(id)
	defer unlock()

	var cached *frpc.Auth
	if prev, ok := s.registry.Get(id); ok {
		slog.Info("Replacing running instance", "tunnel", id, "pid", prev.pid())
		if prev.AuthToken == token {
			cached = &prev.Auth
		}
		s.retire(ctx, prev)
		s.registry.RemoveIf(id, prev)
	} else {
		s.reaper.SweepTunnel(ctx, id, 0)
	}

	h, err := s.launch(ctx, t, token, cached)
	if err != nil {
		s.metrics.startResult(false)
		s.metrics.setRunning(s.registry.Len())
		s.persist()
		logEvent(s.events, id, "start_failed", err.Error())
		return fmt.Errorf("failed to start tunnel %d: %w", id, err)
	}

	s.registry.Put(h)
	s.persist()
	s.metrics.startResult(true)
	s.metrics.setRunning(s.registry.Len())
	logEvent(s.events, id, "started", fmt.Sprintf("pid=%d server=%s", h.pid(), h.Auth.ServerAddr))
	slog.Info("Tunnel started", "tunnel", id, "name", t.Name, "pid", h.pid(), "local", t.LocalAddress())
	return nil
}

// StartByID starts a tunnel known only by id. The descriptor comes from the
// upstream list for token, then the registry, then the persisted state.
func (s *Supervisor) StartByID(ctx context.Context, id int, token string) error {
	t, err := s.lookup(ctx, id, token)
	if err != nil {
		return err
	}
	if token == "" {
		token = s.knownToken(id)
	}
	return s.Start(ctx, t, token)
}

func (s *Supervisor) lookup(ctx context.Context, id int, token string) (frpc.Tunnel, error) {
	if s.lister != nil && token != "" {
		listCtx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
		tunnels, err := s.lister.ListTunnels(listCtx, token)
		cancel()
		if err != nil {
			slog.Warn("Failed to fetch tunnel list", "error", err)
		}
		for _, t := range tunnels {
			if t.ID == id {
				return t, nil
			}
		}
	}

	if h, ok := s.registry.Get(id); ok {
		return h.Tunnel, nil
	}
	if state, err := s.state.Load(); err == nil && state != nil {
		for _, entry := range state.Tunnels {
			if entry.ID == id {
				return entry.Config, nil
			}
		}
	}
	return frpc.Tunnel{}, fmt.Errorf("%w: %d", ErrUnknownTunnel, id)
}

func (s *Supervisor) knownToken(id int) string {
	if h, ok := s.registry.Get(id); ok {
		return h.AuthToken
	}
	if state, err := s.state.Load(); err == nil && state != nil {
		for _, entry := range state.Tunnels {
			if entry.ID == id {
				return entry.AuthToken
			}
		}
	}
	return ""
}

// Stop terminates tunnel id and forgets it. Stopping a tunnel that is not
// running is a no-op. A reconnect in flight for id is cancelled first.
func (s *Supervisor) Stop(ctx context.Context, id int) error {
	s.cancelInflight(id)
	unlock := s.locks.Lock(id)
	defer unlock()

	h, ok := s.registry.Get(id)
	if !ok {
		return nil
	}

	err := s.retire(ctx, h)
	if rmErr := os.Remove(h.ConfigPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Warn("Failed to remove tunnel config", "tunnel", id, "path", h.ConfigPath, "error", rmErr)
	}
	s.registry.RemoveIf(id, h)
	s.persist()
	s.metrics.setRunning(s.registry.Len())
	logEvent(s.events, id, "stopped", fmt.Sprintf("pid=%d", h.pid()))
	slog.Info("Tunnel stopped", "tunnel", id)
	return err
}

// RestartReport summarizes RestartAll
type RestartReport struct {
	StoppedCount   int   `json:"stoppedCount"`
	RestartedCount int   `json:"restartedCount"`
	Failed         []int `json:"failed,omitempty"`
}

// RestartAll stops every running tunnel and then starts each one again from
// its stored descriptor and token. The autostart memo is reset.
func (s *Supervisor) RestartAll(ctx context.Context) RestartReport {
	var report RestartReport
	handles := s.registry.Snapshot()

	for _, h := range handles {
		if err := s.Stop(ctx, h.Tunnel.ID); err != nil {
			slog.Warn("Error while stopping tunnel for restart", "tunnel", h.Tunnel.ID, "error", err)
		}
		report.StoppedCount++
	}
	s.autostart.ResetChecked()

	for i, h := range handles {
		if i > 0 && !sleepCtx(ctx, s.opts.RecoveryDelay) {
			break
		}
		if err := s.Start(ctx, h.Tunnel, h.AuthToken); err != nil {
			slog.Error("Failed to restart tunnel", "tunnel", h.Tunnel.ID, "error", err)
			report.Failed = append(report.Failed, h.Tunnel.ID)
			continue
		}
		report.RestartedCount++
	}
	return report
}

// ListActive reports every registry entry. With auto-reconnect disabled
// nothing else would clean up dead entries, so they are evicted here and
// left out of the result.
func (s *Supervisor) ListActive() []TunnelStatus {
	reconnecting := s.scheduler.Enabled()

	var out []TunnelStatus
	for _, h := range s.registry.Snapshot() {
		alive := h.alive(s.liveness)
		if !alive && !reconnecting {
			s.evictDead(h)
			continue
		}
		out = append(out, h.status(alive))
	}
	return out
}

func (s *Supervisor) evictDead(h *Handle) {
	id := h.Tunnel.ID
	unlock, ok := s.locks.TryLock(id)
	if !ok {
		return
	}
	defer unlock()

	if !s.registry.RemoveIf(id, h) {
		return
	}
	os.Remove(h.ConfigPath)
	s.persist()
	s.metrics.setRunning(s.registry.Len())
	logEvent(s.events, id, "exited", fmt.Sprintf("pid=%d", h.pid()))
	slog.Info("Removed exited tunnel", "tunnel", id, "pid", h.pid())
}

// Status is the aggregate view reported by STATUS
type Status struct {
	IsRunning     bool           `json:"isRunning"`
	TunnelCount   int            `json:"tunnelCount"`
	ActiveTunnels []TunnelStatus `json:"activeTunnels"`
	ConfigDir     string         `json:"configDir"`
}

// Status lists the registry like ListActive and additionally asks the admin
// API of each running frpc whether it answers. Reconnects only ever look at
// the process itself.
func (s *Supervisor) Status() Status {
	active := s.ListActive()
	s.probeAdmin(active)
	return Status{
		IsRunning:     len(active) > 0,
		TunnelCount:   len(active),
		ActiveTunnels: active,
		ConfigDir:     s.configDir,
	}
}

// SetAutoReconnect toggles the reconnect loop
func (s *Supervisor) SetAutoReconnect(enabled bool) {
	s.scheduler.SetEnabled(enabled)
}

// UpdateReconnect applies new reconnect settings, e.g. after a config reload
func (s *Supervisor) UpdateReconnect(settings ReconnectSettings) {
	s.scheduler.Update(settings)
}

func (s *Supervisor) AutoReconnectStatus() ReconnectStatus {
	return s.scheduler.Status()
}

func (s *Supervisor) Logs(lines int) string {
	return s.logs.Lines(lines)
}

func (s *Supervisor) ClearLogs() {
	s.logs.Clear()
}

// LogBuffer is the buffer frpc output and daemon logs are written to
func (s *Supervisor) LogBuffer() *LogBuffer {
	return s.logs
}

// launch resolves relay settings, renders and writes the config and spawns
// frpc. The config file is removed again when the launch fails.
func (s *Supervisor) launch(ctx context.Context, t frpc.Tunnel, token string, cached *frpc.Auth) (*Handle, error) {
	auth := s.resolveAuth(ctx, t, token, cached)

	data, err := frpc.Render(t, auth)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := frpc.ConfigPath(s.configDir, t.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	proc, err := s.launcher.Launch(ctx, t, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return &Handle{
		Tunnel:     t,
		Process:    proc,
		ConfigPath: path,
		StartTime:  s.now(),
		AuthToken:  token,
		Auth:       auth,
	}, nil
}

// resolveAuth asks the account API for relay settings and falls back to the
// cached or locally derived settings when that fails.
func (s *Supervisor) resolveAuth(ctx context.Context, t frpc.Tunnel, token string, cached *frpc.Auth) frpc.Auth {
	fallback := s.fallbackAuth(t, token, cached)
	if s.resolver == nil || token == "" {
		return fallback
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
	defer cancel()

	auth, err := s.resolver.ResolveAuth(lookupCtx, token, t)
	if err != nil {
		slog.Warn("Relay lookup failed, using fallback settings",
			"tunnel", t.ID, "server", fallback.ServerAddr, "error", err)
		return fallback
	}

	if auth.ServerPort == 0 {
		auth.ServerPort = fallback.ServerPort
	}
	if auth.User == "" {
		auth.User = fallback.User
	}
	if auth.Token == "" {
		auth.Token = fallback.Token
	}
	auth.AdminPort = fallback.AdminPort
	return auth
}

func (s *Supervisor) fallbackAuth(t frpc.Tunnel, token string, cached *frpc.Auth) frpc.Auth {
	if cached != nil && cached.ServerAddr != "" {
		return *cached
	}

	server := t.ServerHost()
	if server == "" {
		server = s.opts.DefaultServer
	}
	return frpc.Auth{
		ServerAddr: server,
		ServerPort: s.opts.ServerPort,
		User:       token,
		Token:      s.opts.SystemToken,
		AdminPort:  s.adminPort(t.ID),
	}
}

func (s *Supervisor) adminPort(id int) int {
	if s.opts.AdminPortBase <= 0 {
		return 0
	}
	return s.opts.AdminPortBase + id%100
}

// retire terminates h and any other instance of its tunnel. The caller holds
// the id lock.
func (s *Supervisor) retire(ctx context.Context, h *Handle) error {
	err := s.terminate(h)
	s.reaper.SweepTunnel(ctx, h.Tunnel.ID, 0)
	return err
}

func (s *Supervisor) terminate(h *Handle) error {
	if h.exited() {
		return nil
	}
	label := fmt.Sprintf("frpc for tunnel %d (PID %d)", h.Tunnel.ID, h.pid())
	return gracefulTerminate(h.pid(), s.opts.StopGrace, label, handleLiveness{h, s.liveness})
}

// persist writes the current registry to the state store
func (s *Supervisor) persist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.state.Save(s.registry.Snapshot()); err != nil {
		slog.Error("Failed to save tunnel state", "error", err)
	}
}

func (s *Supervisor) beginInflight(id int, cancel context.CancelFunc) *inflightOp {
	op := &inflightOp{cancel: cancel}
	s.inflightMu.Lock()
	s.inflight[id] = op
	s.inflightMu.Unlock()
	return op
}

func (s *Supervisor) endInflight(id int, op *inflightOp) {
	s.inflightMu.Lock()
	if s.inflight[id] == op {
		delete(s.inflight, id)
	}
	s.inflightMu.Unlock()
}

func (s *Supervisor) cancelInflight(id int) {
	s.inflightMu.Lock()
	op := s.inflight[id]
	delete(s.inflight, id)
	s.inflightMu.Unlock()
	if op != nil {
		op.cancel()
	}
}

func (s *Supervisor) cancelAllInflight() {
	s.inflightMu.Lock()
	ops := s.inflight
	s.inflight = make(map[int]*inflightOp)
	s.inflightMu.Unlock()
	for _, op := range ops {
		op.cancel()
	}
}

// reconnect makes one attempt to bring h back. It reports false when the
// entry was stopped or replaced before the attempt could run.
func (s *Supervisor) reconnect(parent context.Context, h *Handle, maxAttempts int) bool {
	id := h.Tunnel.ID
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	op := s.beginInflight(id, cancel)
	defer s.endInflight(id, op)

	unlock := s.locks.Lock(id)
	defer unlock()

	if cur, ok := s.registry.Get(id); !ok || cur != h {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	attempt := int(h.attempts.Add(1))
	slog.Info("Reconnecting tunnel", "tunnel", id, "attempt", attempt, "max", maxAttempts)
	s.retire(ctx, h)

	nh, err := s.launch(ctx, h.Tunnel, h.AuthToken, &h.Auth)
	if err == nil {
		s.registry.Put(nh)
		s.persist()
		s.metrics.reconnectResult(true)
		s.metrics.setRunning(s.registry.Len())
		logEvent(s.events, id, "reconnected", fmt.Sprintf("pid=%d attempt=%d", nh.pid(), attempt))
		slog.Info("Tunnel reconnected", "tunnel", id, "pid", nh.pid(), "attempt", attempt)
		return true
	}

	if ctx.Err() != nil {
		slog.Debug("Reconnect interrupted", "tunnel", id)
		return true
	}

	s.metrics.reconnectResult(false)
	logEvent(s.events, id, "reconnect_failed", fmt.Sprintf("attempt=%d error=%v", attempt, err))
	slog.Warn("Reconnect attempt failed", "tunnel", id, "attempt", attempt, "error", err)

	if maxAttempts >= 0 && attempt >= maxAttempts {
		s.registry.RemoveIf(id, h)
		os.Remove(h.ConfigPath)
		s.metrics.evicted()
		s.metrics.setRunning(s.registry.Len())
		logEvent(s.events, id, "abandoned", fmt.Sprintf("attempts=%d", attempt))
		slog.Error("Giving up on tunnel after repeated reconnect failures", "tunnel", id, "attempts", attempt)
	}
	s.persist()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
