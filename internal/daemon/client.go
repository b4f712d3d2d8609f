package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.olrik.dev/frpvisor/internal/core"
)

const (
	daemonStartTimeout = 5 * time.Second
	daemonStopTimeout  = 15 * time.Second
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// EnsureDaemonIsRunning starts the daemon when it is not answering yet
func EnsureDaemonIsRunning() {
	if _, err := SendCommand("STATUS"); err == nil {
		return
	}

	slog.Info("Daemon not running. Starting it now...")
	cmd, err := StartDaemon()
	if err != nil {
		slog.Error(fmt.Sprintf("Fatal: Could not start daemon process: %v", err))
		os.Exit(1)
	}
	if err := WaitForDaemon(cmd); err != nil {
		slog.Error(fmt.Sprintf("Fatal: %v", err))
		os.Exit(1)
	}
	slog.Info("Daemon is ready.")
}

// StartDaemon launches the daemon detached from the current session. Its
// stderr goes to a temporary file so WaitForDaemon can report a crash.
func StartDaemon() (*exec.Cmd, error) {
	stderrFile, err := os.CreateTemp("", "frpvisor-daemon-stderr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr capture file: %w", err)
	}

	cmd := exec.Command(os.Args[0], "daemon", "--config-path", core.Config.ConfigPath)
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		os.Remove(stderrFile.Name())
		return nil, fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	return cmd, nil
}

// WaitForDaemon waits until the daemon started by cmd answers on the socket.
// It fails early with the captured stderr when the process exits first.
func WaitForDaemon(cmd *exec.Cmd) error {
	stderrPath := ""
	if f, ok := cmd.Stderr.(*os.File); ok {
		stderrPath = f.Name()
		defer func() {
			f.Close()
			os.Remove(stderrPath)
		}()
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(daemonStartTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			msg := fmt.Sprintf("daemon crashed during startup (%v)", err)
			if stderr := readCapturedStderr(stderrPath); stderr != "" {
				msg += ": " + stderr
			}
			return fmt.Errorf("%s", msg)
		case <-deadline:
			return fmt.Errorf("daemon did not become ready within %s", daemonStartTimeout)
		case <-ticker.C:
			if _, err := SendCommand("STATUS"); err == nil {
				return nil
			}
		}
	}
}

func readCapturedStderr(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WaitForDaemonStop waits for the socket to stop answering
func WaitForDaemonStop() error {
	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if _, err := SendCommand("STATUS"); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon still running after %s", daemonStopTimeout)
}

// CheckVersionMismatch warns when the running daemon is a different build
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var info VersionInfo
	if err := response.DecodeData(&info); err != nil || info.Version == "" {
		return
	}
	if info.Version != core.Version {
		slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon with 'frpvisor quit && frpvisor start'.",
			core.FormatVersion(core.Version), core.FormatVersion(info.Version)))
	}
}
