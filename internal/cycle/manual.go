package cycle

import (
	"sync"
	"time"
)

// ManualClock is a deterministic Clock. Sleeping jumps straight to the
// deadline plus an optional injected latency, so loops run as fast as the
// CPU allows while still observing a consistent time base.
type ManualClock struct {
	mu       sync.Mutex
	now      int64
	latency  func(cycle uint64) time.Duration
	sleeps   uint64
	failWith error
	failAt   uint64
	throttle time.Duration
}

// NewManualClock starts a manual clock at the given instant.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current simulated instant.
func (m *ManualClock) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward, simulating work inside a cycle.
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d.Nanoseconds()
	m.mu.Unlock()
}

// SetLatency installs a wakeup latency generator keyed by sleep count.
func (m *ManualClock) SetLatency(fn func(cycle uint64) time.Duration) {
	m.mu.Lock()
	m.latency = fn
	m.mu.Unlock()
}

// SetThrottle makes every sleep also block for d of real time.
func (m *ManualClock) SetThrottle(d time.Duration) {
	m.mu.Lock()
	m.throttle = d
	m.mu.Unlock()
}

// FailAfter makes the n-th and every later sleep return err.
func (m *ManualClock) FailAfter(n uint64, err error) {
	m.mu.Lock()
	m.failAt = n
	m.failWith = err
	m.mu.Unlock()
}

// Sleeps returns how many times SleepUntil was called.
func (m *ManualClock) Sleeps() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeps
}

// SleepUntil jumps to deadline (if it lies ahead) plus injected latency.
func (m *ManualClock) SleepUntil(deadline int64) error {
	m.mu.Lock()
	m.sleeps++
	if m.failWith != nil && m.sleeps >= m.failAt {
		err := m.failWith
		m.mu.Unlock()
		return err
	}
	if deadline > m.now {
		m.now = deadline
	}
	if m.latency != nil {
		m.now += m.latency(m.sleeps).Nanoseconds()
	}
	throttle := m.throttle
	m.mu.Unlock()

	if throttle > 0 {
		time.Sleep(throttle)
	}
	return nil
}
