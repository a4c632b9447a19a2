// Package cycle schedules the fixed-period communication loop on absolute
// monotonic deadlines.
package cycle

import (
	"fmt"
	"time"
)

// Clock exposes a monotonic nanosecond time base and an absolute sleep.
type Clock interface {
	// Now returns the current monotonic time in nanoseconds.
	Now() int64
	// SleepUntil blocks until the monotonic clock reaches deadline.
	SleepUntil(deadline int64) error
}

// Timing tracks the absolute wakeup instants of a fixed-period loop.
type Timing struct {
	period int64
	start  int64
	next   int64
	runFor int64
	cycles uint64
}

// NewTiming anchors a schedule at start. runFor <= 0 means unbounded.
func NewTiming(period, runFor time.Duration, start int64) (*Timing, error) {
	if period <= 0 {
		return nil, fmt.Errorf("cycle period must be > 0")
	}
	if runFor < 0 {
		runFor = 0
	}
	return &Timing{
		period: period.Nanoseconds(),
		start:  start,
		next:   start,
		runFor: runFor.Nanoseconds(),
	}, nil
}

// Advance moves the schedule forward by exactly one period and returns the
// new wakeup instant. It never consults the current time.
func (t *Timing) Advance() int64 {
	t.next += t.period
	t.cycles++
	return t.next
}

// Next returns the most recently scheduled wakeup instant.
func (t *Timing) Next() int64 {
	return t.next
}

// Cycles returns how many wakeups have been scheduled.
func (t *Timing) Cycles() uint64 {
	return t.cycles
}

// Period returns the fixed cycle period.
func (t *Timing) Period() time.Duration {
	return time.Duration(t.period)
}

// Deadline returns the absolute end of a bounded run.
func (t *Timing) Deadline() (int64, bool) {
	if t.runFor == 0 {
		return 0, false
	}
	return t.start + t.runFor, true
}

// Expired reports whether the scheduled cycle time has covered the run duration.
func (t *Timing) Expired() bool {
	deadline, ok := t.Deadline()
	return ok && t.next >= deadline
}

// Frequency returns the loop rate in whole cycles per second.
func Frequency(period time.Duration) int {
	if period <= 0 {
		return 0
	}
	return int(time.Second / period)
}
