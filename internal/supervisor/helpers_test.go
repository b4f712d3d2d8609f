package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/frpvisor/internal/frpc"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

const confirmingFrpc = `echo "2024/01/01 10:00:00 [I] [service.go:301] login to server success, get run id [abc]"
while true; do sleep 1; done
`

func writeFakeFrpc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frpc")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write fake frpc: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	quietLogger(t)

	dir := t.TempDir()
	if opts.ConfigDir == "" {
		opts.ConfigDir = filepath.Join(dir, "tunnels")
	}
	if opts.State == nil {
		opts.State = NewStateStore(filepath.Join(dir, "tunnel_state.json"))
	}
	if opts.DefaultServer == "" {
		opts.DefaultServer = "relay.test"
	}
	if opts.SystemToken == "" {
		opts.SystemToken = "system-token"
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 500 * time.Millisecond
	}

	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func tcpTunnel(id int) frpc.Tunnel {
	return frpc.Tunnel{
		ID:        id,
		Name:      fmt.Sprintf("svc%d", id),
		Type:      frpc.ProtocolTCP,
		LocalPort: 8000 + id,
		Dorp:      fmt.Sprint(20000 + id),
	}
}

// testProcess is a real sleep process standing in for frpc
type testProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startSleeper(t *testing.T) *testProcess {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sleep: %v", err)
	}
	p := &testProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	t.Cleanup(func() {
		cmd.Process.Kill()
		<-p.done
	})
	return p
}

func (p *testProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *testProcess) Done() <-chan struct{} { return p.done }

func (p *testProcess) kill(t *testing.T) {
	t.Helper()
	p.cmd.Process.Kill()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGKILL")
	}
}

// stubLauncher starts sleep processes, or fails or blocks on demand
type stubLauncher struct {
	t *testing.T

	mu       sync.Mutex
	fail     bool
	block    bool
	entered  chan struct{}
	launches map[int]int
	procs    map[int]*testProcess
	configs  map[int]string
}

func newStubLauncher(t *testing.T) *stubLauncher {
	return &stubLauncher{
		t:        t,
		entered:  make(chan struct{}, 1),
		launches: make(map[int]int),
		procs:    make(map[int]*testProcess),
		configs:  make(map[int]string),
	}
}

func (l *stubLauncher) Launch(ctx context.Context, t frpc.Tunnel, configPath string) (Process, error) {
	l.mu.Lock()
	l.launches[t.ID]++
	data, _ := os.ReadFile(configPath)
	l.configs[t.ID] = string(data)
	fail, block := l.fail, l.block
	l.mu.Unlock()

	if block {
		select {
		case l.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, fmt.Errorf("%w: stub failure", ErrStartFailed)
	}

	p := startSleeper(l.t)
	l.mu.Lock()
	l.procs[t.ID] = p
	l.mu.Unlock()
	return p, nil
}

func (l *stubLauncher) setFail(fail bool) {
	l.mu.Lock()
	l.fail = fail
	l.mu.Unlock()
}

func (l *stubLauncher) setBlock(block bool) {
	l.mu.Lock()
	l.block = block
	l.mu.Unlock()
}

func (l *stubLauncher) launchCount(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[id]
}

func (l *stubLauncher) proc(id int) *testProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

func (l *stubLauncher) config(id int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configs[id]
}

type stubResolver struct {
	auth frpc.Auth
	err  error
}

func (r stubResolver) ResolveAuth(ctx context.Context, token string, t frpc.Tunnel) (frpc.Auth, error) {
	return r.auth, r.err
}

type stubLister struct {
	mu      sync.Mutex
	tunnels []frpc.Tunnel
	calls   int
}

func (l *stubLister) ListTunnels(ctx context.Context, token string) ([]frpc.Tunnel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.tunnels, nil
}

type recordedEvent struct {
	id        int
	eventType string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) LogTunnelEvent(id int, eventType, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{id, eventType})
	return nil
}

func (r *eventRecorder) types(id int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.id == id {
			out = append(out, e.eventType)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
