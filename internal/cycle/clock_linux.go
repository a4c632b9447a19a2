//go:build linux

package cycle

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC and sleeps with TIMER_ABSTIME so that
// scheduling jitter never accumulates into the wakeup sequence.
type MonotonicClock struct{}

// NewSystemClock returns the platform clock used by the real-time loop.
func NewSystemClock() Clock {
	return MonotonicClock{}
}

// Now returns CLOCK_MONOTONIC in nanoseconds.
func (MonotonicClock) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// SleepUntil performs an absolute clock_nanosleep. Interrupted or early
// returns sleep again until the deadline has passed.
func (c MonotonicClock) SleepUntil(deadline int64) error {
	ts := unix.NsecToTimespec(deadline)
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("clock_nanosleep: %w", err)
		}
		if c.Now() >= deadline {
			return nil
		}
	}
}
