package communicator

import (
	"fmt"
	"strings"
	"time"
)

// SchedPolicy is the scheduling class of the cyclic thread.
type SchedPolicy string

const (
	SchedFIFO     SchedPolicy = "fifo"
	SchedRR       SchedPolicy = "rr"
	SchedDeadline SchedPolicy = "deadline"
	SchedOther    SchedPolicy = "other"
	// SchedInherit leaves the thread with the process defaults.
	SchedInherit SchedPolicy = "inherit"
)

// ParseSchedPolicy converts a configuration string into a SchedPolicy.
func ParseSchedPolicy(input string) (SchedPolicy, error) {
	switch p := SchedPolicy(strings.ToLower(strings.TrimSpace(input))); p {
	case SchedFIFO, SchedRR, SchedDeadline, SchedOther, SchedInherit:
		return p, nil
	case "normal":
		return SchedOther, nil
	default:
		return "", fmt.Errorf("unsupported scheduling policy %q", input)
	}
}

// SchedConfig describes the real-time setup of the cyclic thread.
type SchedConfig struct {
	Policy   SchedPolicy
	Priority int
	// Runtime and Deadline apply to SchedDeadline; its period is the cycle period.
	Runtime  time.Duration
	Deadline time.Duration
	// CPU pins the thread to one CPU; negative leaves affinity alone.
	CPU        int
	LockMemory bool
}

// Validate checks the settings against the cycle period.
func (c SchedConfig) Validate(period time.Duration) error {
	switch c.Policy {
	case SchedFIFO, SchedRR:
		if c.Priority < 1 || c.Priority > 99 {
			return fmt.Errorf("%s priority must be within 1..99, got %d", c.Policy, c.Priority)
		}
	case SchedDeadline:
		if c.Runtime <= 0 || c.Deadline <= 0 {
			return fmt.Errorf("deadline scheduling needs runtime and deadline")
		}
		if c.Runtime > c.Deadline || c.Deadline > period {
			return fmt.Errorf("deadline scheduling needs runtime <= deadline <= period (%s <= %s <= %s)", c.Runtime, c.Deadline, period)
		}
	case SchedOther, SchedInherit:
	default:
		return fmt.Errorf("unsupported scheduling policy %q", c.Policy)
	}
	return nil
}
