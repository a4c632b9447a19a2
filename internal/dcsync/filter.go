// Package dcsync keeps the application time base aligned with the bus
// reference clock.
package dcsync

import (
	"fmt"
	"time"
)

const (
	// DefaultWindow is the number of cycles averaged before the adjustment moves.
	DefaultWindow = 1000
	// DefaultMaxAdjust bounds the per-cycle correction (0.1% of a 1ms cycle).
	DefaultMaxAdjust = 1000
)

// State is the drift filter state. It is owned by a single Filter.
type State struct {
	TimeBase   int64  `json:"time_base_ns"`
	Diff       int32  `json:"diff_ns"`
	PrevDiff   int32  `json:"prev_diff_ns"`
	DiffTotal  int64  `json:"diff_total_ns"`
	DeltaTotal int64  `json:"delta_total_ns"`
	Index      int    `json:"filter_index"`
	Adjust     int64  `json:"adjust_ns"`
	Started    bool   `json:"started"`
	StartCycle uint64 `json:"start_cycle"`
}

// Filter turns raw reference diffs into a bounded correction of the local
// time base: windowed average of the drift plus a unit nudge towards zero
// offset every cycle.
type Filter struct {
	period    int64
	window    int
	maxAdjust int64
	cycles    uint64
	state     State
}

// NewFilter builds a drift filter for the given cycle period.
func NewFilter(period time.Duration, window int, maxAdjust int64) (*Filter, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be > 0")
	}
	if window <= 0 {
		return nil, fmt.Errorf("filter window must be > 0")
	}
	if maxAdjust <= 0 {
		return nil, fmt.Errorf("max adjustment must be > 0")
	}
	return &Filter{
		period:    period.Nanoseconds(),
		window:    window,
		maxAdjust: maxAdjust,
	}, nil
}

// Step feeds one raw diff. It reports true on the cycle the filter starts.
func (f *Filter) Step(diff int32) bool {
	st := &f.state
	cycle := f.cycles
	f.cycles++

	// Drift comes from the un-normalised diff.
	delta := diff - st.PrevDiff
	st.PrevDiff = diff
	st.Diff = normalize(diff, f.period)

	if !st.Started {
		if st.Diff == 0 {
			return false
		}
		st.Started = true
		st.StartCycle = cycle
		return true
	}

	st.DiffTotal += int64(st.Diff)
	st.DeltaTotal += int64(delta)
	st.Index++

	if st.Index >= f.window {
		w := int64(f.window)
		st.Adjust += (st.DeltaTotal + w/2) / w
		st.Adjust += sign(st.DiffTotal / w)

		if st.Adjust < -f.maxAdjust {
			st.Adjust = -f.maxAdjust
		}
		if st.Adjust > f.maxAdjust {
			st.Adjust = f.maxAdjust
		}

		st.DiffTotal = 0
		st.DeltaTotal = 0
		st.Index = 0
	}

	st.TimeBase += st.Adjust + sign(int64(st.Diff))
	return false
}

// State returns a copy of the filter state.
func (f *Filter) State() State {
	return f.state
}

// TimeBase returns the offset subtracted from the raw clock.
func (f *Filter) TimeBase() int64 {
	return f.state.TimeBase
}

// normalize maps diff into [-period/2, period/2).
func normalize(diff int32, period int64) int32 {
	half := period / 2
	v := (int64(diff) + half) % period
	if v < 0 {
		v += period
	}
	return int32(v - half)
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
