package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/go-linereader"
	"go.olrik.dev/frpvisor/internal/frpc"
)

// ErrStartFailed is returned when frpc reports a startup failure or exits
// before confirming that it is up.
var ErrStartFailed = errors.New("frpc failed to start")

// Process is a spawned frpc instance
type Process interface {
	Pid() int
	// Done is closed once the process has exited and been waited for
	Done() <-chan struct{}
}

// Launcher spawns frpc for a rendered config file and waits for it to come up
type Launcher interface {
	Launch(ctx context.Context, t frpc.Tunnel, configPath string) (Process, error)
}

type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *childProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *childProcess) Done() <-chan struct{} { return p.done }

// FrpcLauncher runs the frpc binary in its own process group and watches its
// output for startup markers.
type FrpcLauncher struct {
	Binary         string
	StartupTimeout time.Duration
	StopGrace      time.Duration
	Liveness       LivenessChecker
	// Output receives every line frpc prints, prefixed with the tunnel id
	Output io.Writer
}

const outputTailLines = 10

func (l *FrpcLauncher) Launch(ctx context.Context, t frpc.Tunnel, configPath string) (Process, error) {
	cmd := exec.Command(l.Binary, "-c", configPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", l.Binary, err)
	}
	slog.Debug("Spawned frpc", "tunnel", t.ID, "pid", cmd.Process.Pid, "config", configPath)

	p := &childProcess{cmd: cmd, done: make(chan struct{})}
	startup := make(chan error, 1)
	go l.watch(p, t, linereader.New(stdout), linereader.New(stderr), startup)

	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-startup:
		if err != nil {
			l.discard(p, t)
			return nil, err
		}
		return p, nil

	case <-timer.C:
		select {
		case err := <-startup:
			if err != nil {
				l.discard(p, t)
				return nil, err
			}
			return p, nil
		default:
		}
		slog.Warn("No startup confirmation from frpc, assuming it is running",
			"tunnel", t.ID, "pid", p.Pid(), "timeout", timeout)
		return p, nil

	case <-ctx.Done():
		l.discard(p, t)
		return nil, ctx.Err()
	}
}

// watch forwards output until both streams close, then reaps the process.
// Exactly one value is sent on startup.
func (l *FrpcLauncher) watch(p *childProcess, t frpc.Tunnel, stdout, stderr *linereader.Reader, startup chan<- error) {
	var outCh, errCh <-chan string = stdout.Ch, stderr.Ch
	proxy := t.ProxyName()
	decided := false
	var tail []string

	for outCh != nil || errCh != nil {
		var line string
		var ok bool
		select {
		case line, ok = <-outCh:
			if !ok {
				outCh = nil
				continue
			}
		case line, ok = <-errCh:
			if !ok {
				errCh = nil
				continue
			}
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		l.emit(t.ID, line)

		if decided {
			continue
		}
		tail = append(tail, strings.TrimSpace(line))
		if len(tail) > outputTailLines {
			tail = tail[1:]
		}
		switch frpc.Classify(line, proxy) {
		case frpc.OutcomeSuccess:
			slog.Debug("frpc confirmed startup", "tunnel", t.ID, "line", line)
			startup <- nil
			decided = true
		case frpc.OutcomeFailure:
			startup <- fmt.Errorf("%w: %s", ErrStartFailed, strings.TrimSpace(line))
			decided = true
		}
	}

	p.err = p.cmd.Wait()
	close(p.done)
	slog.Debug("frpc exited", "tunnel", t.ID, "pid", p.Pid(), "status", p.err)

	if !decided {
		detail := strings.Join(tail, " | ")
		if detail == "" {
			detail = "no output"
		}
		startup <- fmt.Errorf("%w: exited before confirming startup (%v): %s", ErrStartFailed, p.err, detail)
	}
}

func (l *FrpcLauncher) emit(id int, line string) {
	if l.Output == nil {
		return
	}
	fmt.Fprintf(l.Output, "[tunnel %d] %s\n", id, strings.TrimRight(line, "\r\n"))
}

func (l *FrpcLauncher) discard(p *childProcess, t frpc.Tunnel) {
	label := fmt.Sprintf("frpc for tunnel %d (PID %d)", t.ID, p.Pid())
	if err := gracefulTerminate(p.Pid(), l.StopGrace, label, l.liveness()); err != nil {
		slog.Warn("Failed to terminate frpc after failed start", "tunnel", t.ID, "error", err)
	}
}

func (l *FrpcLauncher) liveness() LivenessChecker {
	if l.Liveness == nil {
		return ProcessTable{}
	}
	return l.Liveness
}
