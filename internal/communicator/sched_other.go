//go:build !linux

package communicator

import (
	"fmt"
	"time"
)

func applySched(cfg SchedConfig, _ time.Duration) error {
	if cfg.Policy == SchedInherit && cfg.CPU < 0 && !cfg.LockMemory {
		return nil
	}
	return fmt.Errorf("real-time scheduling is only supported on linux")
}
