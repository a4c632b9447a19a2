//go:build linux

package communicator

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// applySched configures the calling OS thread. The caller must hold
// runtime.LockOSThread.
func applySched(cfg SchedConfig, period time.Duration) error {
	if cfg.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return fmt.Errorf("mlockall: %w", err)
		}
	}

	if cfg.CPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cfg.CPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("set cpu affinity %d: %w", cfg.CPU, err)
		}
	}

	attr := unix.SchedAttr{}
	switch cfg.Policy {
	case SchedInherit:
		return nil
	case SchedOther:
		attr.Policy = unix.SCHED_NORMAL
	case SchedFIFO:
		attr.Policy = unix.SCHED_FIFO
		attr.Priority = uint32(cfg.Priority)
	case SchedRR:
		attr.Policy = unix.SCHED_RR
		attr.Priority = uint32(cfg.Priority)
	case SchedDeadline:
		attr.Policy = unix.SCHED_DEADLINE
		attr.Runtime = uint64(cfg.Runtime.Nanoseconds())
		attr.Deadline = uint64(cfg.Deadline.Nanoseconds())
		attr.Period = uint64(period.Nanoseconds())
	default:
		return fmt.Errorf("unsupported scheduling policy %q", cfg.Policy)
	}

	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr %s: %w", cfg.Policy, err)
	}
	return nil
}
