package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.olrik.dev/frpvisor/internal/frpc"
	"gopkg.in/ini.v1"
)

func TestStartStop_RealProcess(t *testing.T) {
	events := &eventRecorder{}
	s := newTestSupervisor(t, Options{
		Binary:         writeFakeFrpc(t, confirmingFrpc),
		StartupTimeout: 5 * time.Second,
		Events:         events,
	})
	ctx := context.Background()
	tun := tcpTunnel(1)

	if err := s.Start(ctx, tun, "user-token"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h, ok := s.registry.Get(1)
	if !ok {
		t.Fatal("tunnel not in registry after start")
	}
	if !(ProcessTable{}).IsAlive(h.pid()) {
		t.Fatal("frpc process is not alive")
	}

	info, err := os.Stat(h.ConfigPath)
	if err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}
	if h.ConfigPath != filepath.Join(s.ConfigDir(), "tunnel_1.ini") {
		t.Errorf("unexpected config path %s", h.ConfigPath)
	}

	active := s.ListActive()
	if len(active) != 1 || !active[0].IsRunning || active[0].LocalAddress != "127.0.0.1:8001" {
		t.Fatalf("unexpected active list: %+v", active)
	}
	if !strings.Contains(s.Logs(0), "[tunnel 1] ") {
		t.Error("expected frpc output in the log buffer")
	}

	pid := h.pid()
	if err := s.Stop(ctx, 1); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.registry.Contains(1) {
		t.Error("tunnel still in registry after stop")
	}
	if (ProcessTable{}).IsAlive(pid) {
		t.Error("frpc process still alive after stop")
	}
	if _, err := os.Stat(h.ConfigPath); !os.IsNotExist(err) {
		t.Error("config file not removed after stop")
	}

	state, err := s.state.Load()
	if err != nil || state == nil {
		t.Fatalf("expected persisted state, got %v, %v", state, err)
	}
	if len(state.Tunnels) != 0 {
		t.Errorf("expected empty persisted set, got %d entries", len(state.Tunnels))
	}

	if err := s.Stop(ctx, 1); err != nil {
		t.Errorf("stopping a stopped tunnel should be a no-op, got %v", err)
	}

	got := events.types(1)
	if len(got) < 2 || got[0] != "started" || got[len(got)-1] != "stopped" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestStart_ReplacesRunningInstance(t *testing.T) {
	s := newTestSupervisor(t, Options{Binary: writeFakeFrpc(t, confirmingFrpc)})
	ctx := context.Background()

	if err := s.Start(ctx, tcpTunnel(3), "tok"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	first, _ := s.registry.Get(3)

	if err := s.Start(ctx, tcpTunnel(3), "tok"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	second, _ := s.registry.Get(3)

	if first == second || first.pid() == second.pid() {
		t.Fatal("expected a fresh handle and process")
	}
	if (ProcessTable{}).IsAlive(first.pid()) {
		t.Error("old instance still alive")
	}

	procs, err := s.reaper.scan(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(procs) != 1 || procs[0].Pid != second.pid() {
		t.Errorf("expected exactly the new instance to be running, got %+v", procs)
	}
	if s.registry.Len() != 1 {
		t.Errorf("registry has %d entries, want 1", s.registry.Len())
	}
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr error
	}{
		{
			name:    "failure marker",
			script:  "echo 'login to server failed: authorization failed'\nsleep 30\n",
			wantErr: ErrStartFailed,
		},
		{
			name:    "exits early",
			script:  "echo 'bad config'\nexit 1\n",
			wantErr: ErrStartFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, Options{Binary: writeFakeFrpc(t, tt.script)})

			start := time.Now()
			err := s.Start(context.Background(), tcpTunnel(4), "tok")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if time.Since(start) > 4*time.Second {
				t.Errorf("failure took %v to detect", time.Since(start))
			}
			if s.registry.Contains(4) {
				t.Error("failed tunnel must not be registered")
			}
			if _, err := os.Stat(frpc.ConfigPath(s.ConfigDir(), 4)); !os.IsNotExist(err) {
				t.Error("config file should be removed after a failed start")
			}
		})
	}
}

func TestStart_AssumesRunningWithoutConfirmation(t *testing.T) {
	s := newTestSupervisor(t, Options{
		Binary:         writeFakeFrpc(t, "while true; do sleep 1; done\n"),
		StartupTimeout: 300 * time.Millisecond,
	})

	if err := s.Start(context.Background(), tcpTunnel(5), "tok"); err != nil {
		t.Fatalf("expected silent frpc to be assumed running, got %v", err)
	}
	if !s.registry.Contains(5) {
		t.Error("tunnel not registered")
	}
}

func TestStart_InvalidTunnelSpawnsNothing(t *testing.T) {
	launcher := newStubLauncher(t)
	s := newTestSupervisor(t, Options{Launcher: launcher})

	web := frpc.Tunnel{ID: 6, Name: "web", Type: frpc.ProtocolHTTP, LocalPort: 80}
	err := s.Start(context.Background(), web, "tok")
	if !errors.Is(err, frpc.ErrMissingDomain) {
		t.Fatalf("expected ErrMissingDomain, got %v", err)
	}
	if launcher.launchCount(6) != 0 {
		t.Error("launcher must not run for an invalid tunnel")
	}

	if err := s.Start(context.Background(), frpc.Tunnel{ID: 0, Type: frpc.ProtocolTCP, LocalPort: 1}, "tok"); err == nil {
		t.Error("expected error for tunnel id 0")
	}
}

func TestStart_RelaySettings(t *testing.T) {
	tests := []struct {
		name     string
		resolver AuthResolver
		tunnel   frpc.Tunnel
		want     map[string]string
	}{
		{
			name:     "lookup succeeds",
			resolver: stubResolver{auth: frpc.Auth{ServerAddr: "n1.relay.example", ServerPort: 7001, User: "acct"}},
			tunnel:   tcpTunnel(7),
			want: map[string]string{
				"server_addr": "n1.relay.example",
				"server_port": "7001",
				"user":        "acct",
				"token":       "system-token",
				"admin_port":  "7407",
			},
		},
		{
			name:     "lookup fails, node address used",
			resolver: stubResolver{err: errors.New("offline")},
			tunnel: func() frpc.Tunnel {
				tun := tcpTunnel(8)
				tun.NodeIP = "https://node.example:443"
				return tun
			}(),
			want: map[string]string{
				"server_addr": "node.example",
				"server_port": "7000",
				"user":        "user-token",
				"token":       "system-token",
			},
		},
		{
			name:     "lookup fails, default server used",
			resolver: stubResolver{err: errors.New("offline")},
			tunnel:   tcpTunnel(9),
			want: map[string]string{
				"server_addr": "relay.test",
				"user":        "user-token",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := newStubLauncher(t)
			s := newTestSupervisor(t, Options{Launcher: launcher, Resolver: tt.resolver, AdminPortBase: 7400})

			if err := s.Start(context.Background(), tt.tunnel, "user-token"); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			cfg, err := ini.Load([]byte(launcher.config(tt.tunnel.ID)))
			if err != nil {
				t.Fatalf("rendered config does not parse: %v", err)
			}
			common := cfg.Section("common")
			for key, want := range tt.want {
				if got := common.Key(key).String(); got != want {
					t.Errorf("[common] %s = %q, want %q", key, got, want)
				}
			}
		})
	}
}

func TestStartByID(t *testing.T) {
	launcher := newStubLauncher(t)
	lister := &stubLister{tunnels: []frpc.Tunnel{tcpTunnel(11), tcpTunnel(12)}}
	s := newTestSupervisor(t, Options{Launcher: launcher, Lister: lister})
	ctx := context.Background()

	if err := s.StartByID(ctx, 12, "tok"); err != nil {
		t.Fatalf("StartByID failed: %v", err)
	}
	if !s.registry.Contains(12) {
		t.Error("tunnel 12 not started")
	}

	if err := s.StartByID(ctx, 99, "tok"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("expected ErrUnknownTunnel, got %v", err)
	}

	// Without a token the running descriptor and its token are reused
	if err := s.StartByID(ctx, 12, ""); err != nil {
		t.Fatalf("StartByID from registry failed: %v", err)
	}
	h, _ := s.registry.Get(12)
	if h.AuthToken != "tok" {
		t.Errorf("expected stored token to be reused, got %q", h.AuthToken)
	}
}

func TestListActive_DeadEntries(t *testing.T) {
	launcher := newStubLauncher(t)
	s := newTestSupervisor(t, Options{Launcher: launcher})
	ctx := context.Background()

	for _, id := range []int{1, 2} {
		if err := s.Start(ctx, tcpTunnel(id), "tok"); err != nil {
			t.Fatalf("Start(%d) failed: %v", id, err)
		}
	}
	launcher.proc(1).kill(t)

	// With auto-reconnect on, dead entries stay for the scheduler
	s.scheduler.SetEnabled(true)
	active := s.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 entries, got %+v", active)
	}
	if active[0].TunnelID != 1 || active[0].IsRunning {
		t.Errorf("expected tunnel 1 reported as not running, got %+v", active[0])
	}

	// With auto-reconnect off, dead entries are evicted
	s.scheduler.SetEnabled(false)
	active = s.ListActive()
	if len(active) != 1 || active[0].TunnelID != 2 {
		t.Fatalf("expected only tunnel 2, got %+v", active)
	}
	if s.registry.Contains(1) {
		t.Error("dead tunnel should have been evicted")
	}

	status := s.Status()
	if !status.IsRunning || status.TunnelCount != 1 || status.ConfigDir != s.ConfigDir() {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestRestartAll(t *testing.T) {
	launcher := newStubLauncher(t)
	s := newTestSupervisor(t, Options{Launcher: launcher})
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		if err := s.Start(ctx, tcpTunnel(id), fmt.Sprintf("tok%d", id)); err != nil {
			t.Fatalf("Start(%d) failed: %v", id, err)
		}
	}
	before := map[int]int{}
	for _, h := range s.registry.Snapshot() {
		before[h.Tunnel.ID] = h.pid()
	}

	report := s.RestartAll(ctx)
	if report.StoppedCount != 3 || report.RestartedCount != 3 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, h := range s.registry.Snapshot() {
		if h.pid() == before[h.Tunnel.ID] {
			t.Errorf("tunnel %d kept its old process", h.Tunnel.ID)
		}
		if h.AuthToken != fmt.Sprintf("tok%d", h.Tunnel.ID) {
			t.Errorf("tunnel %d lost its token", h.Tunnel.ID)
		}
	}

	empty := newTestSupervisor(t, Options{Launcher: newStubLauncher(t)})
	if report := empty.RestartAll(ctx); report.StoppedCount != 0 || report.RestartedCount != 0 {
		t.Errorf("expected zero counts, got %+v", report)
	}
}

func TestShutdown_KeepsPersistedState(t *testing.T) {
	launcher := newStubLauncher(t)
	s := newTestSupervisor(t, Options{Launcher: launcher})

	if err := s.Start(context.Background(), tcpTunnel(1), "tok"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pid := launcher.proc(1).Pid()

	s.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return !(ProcessTable{}).IsAlive(pid) }, "process to exit")
	state, err := s.state.Load()
	if err != nil || state == nil || len(state.Tunnels) != 1 || state.Tunnels[0].ID != 1 {
		t.Fatalf("expected persisted state to survive shutdown, got %+v, %v", state, err)
	}
}

func TestMetricsFollowLifecycle(t *testing.T) {
	metrics := NewMetrics()
	s := newTestSupervisor(t, Options{Launcher: newStubLauncher(t), Metrics: metrics})
	ctx := context.Background()

	s.Start(ctx, tcpTunnel(1), "tok")
	s.Start(ctx, tcpTunnel(2), "tok")
	if got := testutil.ToFloat64(metrics.running); got != 2 {
		t.Errorf("running gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.starts.WithLabelValues("success")); got != 2 {
		t.Errorf("successful starts = %v, want 2", got)
	}

	s.Stop(ctx, 1)
	if got := testutil.ToFloat64(metrics.running); got != 1 {
		t.Errorf("running gauge after stop = %v, want 1", got)
	}
}

// exitedProcess has already been waited for while its pid now belongs to an
// unrelated process
type exitedProcess struct {
	pid  int
	done chan struct{}
}

func (p exitedProcess) Pid() int              { return p.pid }
func (p exitedProcess) Done() <-chan struct{} { return p.done }

type fixedLauncher struct {
	proc Process
}

func (l fixedLauncher) Launch(ctx context.Context, t frpc.Tunnel, configPath string) (Process, error) {
	return l.proc, nil
}

func TestExitedProcess_ReusedPidIsLeftAlone(t *testing.T) {
	bystander := startSleeper(t)
	done := make(chan struct{})
	close(done)

	s := newTestSupervisor(t, Options{
		Launcher:  fixedLauncher{proc: exitedProcess{pid: bystander.Pid(), done: done}},
		Reconnect: ReconnectSettings{Enabled: true, Interval: time.Hour, MaxAttempts: 5},
	})
	ctx := context.Background()

	if err := s.Start(ctx, tcpTunnel(1), "tok"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	active := s.ListActive()
	if len(active) != 1 || active[0].IsRunning {
		t.Fatalf("expected one entry reported as down, got %+v", active)
	}
	if n := s.scheduler.Tick(ctx); n != 1 {
		t.Errorf("Tick attempted %d reconnects, want 1", n)
	}

	if err := s.Stop(ctx, 1); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case <-bystander.done:
		t.Fatal("an unrelated process holding the old pid was signalled")
	default:
	}
	if !(ProcessTable{}).IsAlive(bystander.Pid()) {
		t.Fatal("an unrelated process holding the old pid was signalled")
	}
}
