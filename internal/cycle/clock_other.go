//go:build !linux

package cycle

import "time"

// MonotonicClock falls back to the Go runtime monotonic clock on platforms
// without clock_nanosleep. Wakeups are best effort.
type MonotonicClock struct {
	epoch time.Time
}

// NewSystemClock returns the platform clock used by the real-time loop.
func NewSystemClock() Clock {
	return &MonotonicClock{epoch: time.Now()}
}

// Now returns nanoseconds elapsed since the clock was created.
func (c *MonotonicClock) Now() int64 {
	return time.Since(c.epoch).Nanoseconds()
}

// SleepUntil sleeps until deadline, re-checking after early wakeups.
func (c *MonotonicClock) SleepUntil(deadline int64) error {
	for {
		remaining := deadline - c.Now()
		if remaining <= 0 {
			return nil
		}
		time.Sleep(time.Duration(remaining))
	}
}
