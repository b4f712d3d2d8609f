package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// gracefulTerminate sends SIGTERM, waits up to timeout for the process to go
// away and then sends SIGKILL. When pid leads its own process group the whole
// group is signalled.
func gracefulTerminate(pid int, timeout time.Duration, label string, live LivenessChecker) error {
	if pid <= 0 || !live.IsAlive(pid) {
		return nil
	}

	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}

	if err := unix.Kill(target, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "error", err)
		return forceKill(pid, target, label, live)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !live.IsAlive(pid) {
			slog.Debug(fmt.Sprintf("Process %s terminated gracefully", label))
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout))
	return forceKill(pid, target, label, live)
}

func forceKill(pid, target int, label string, live LivenessChecker) error {
	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill %s: %w", label, err)
	}

	for i := 0; i < 20; i++ {
		if !live.IsAlive(pid) {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	slog.Error(fmt.Sprintf("Process %s survived SIGKILL", label))
	return fmt.Errorf("process %s survived SIGKILL", label)
}
