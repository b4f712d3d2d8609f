package supervisor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// LivenessChecker reports whether a pid refers to a live, non-zombie process
type LivenessChecker interface {
	IsAlive(pid int) bool
}

// ProcessTable answers liveness from the operating system's process table
type ProcessTable struct{}

func (ProcessTable) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		// Exists but status is unreadable, e.g. another user's process
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
