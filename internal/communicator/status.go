package communicator

import (
	"time"

	"github.com/skobkin/ethercomm/internal/dcsync"
	"github.com/skobkin/ethercomm/internal/stats"
	"github.com/skobkin/ethercomm/internal/transport"
)

// Status is a point-in-time view for the control plane. Every field comes
// from atomics, so reading it never touches the cyclic thread.
type Status struct {
	State       string                  `json:"state"`
	RunID       string                  `json:"run_id,omitempty"`
	PeriodNS    int64                   `json:"period_ns"`
	Cycles      uint64                  `json:"cycles"`
	Sends       uint64                  `json:"sends"`
	Publishes   uint64                  `json:"publishes"`
	Degraded    uint64                  `json:"domain_degraded_cycles"`
	Lost        uint64                  `json:"domain_lost_cycles"`
	CopyErrors  uint64                  `json:"copy_errors"`
	StageErrors uint64                  `json:"stage_errors"`
	Domain      *DomainView             `json:"domain,omitempty"`
	Master      *transport.MasterStatus `json:"master,omitempty"`
	Clock       *dcsync.Snapshot        `json:"clock,omitempty"`
	Stats       stats.Summary           `json:"stats"`
	Uptime      time.Duration           `json:"-"`
	UptimeSec   float64                 `json:"uptime_seconds"`
}

// DomainView is the last reported domain status.
type DomainView struct {
	State          string `json:"state"`
	WorkingCounter uint16 `json:"working_counter"`
	Expected       uint16 `json:"expected_working_counter"`
}

// Status returns the current counters and diagnostics.
func (c *Communicator) Status() Status {
	state := c.life.current()
	st := Status{
		State:       state.String(),
		PeriodNS:    c.opts.Period.Nanoseconds(),
		Cycles:      c.metrics.cycles.Load(),
		Sends:       c.metrics.sends.Load(),
		Publishes:   c.metrics.publishes.Load(),
		Degraded:    c.metrics.degraded.Load(),
		Lost:        c.metrics.lost.Load(),
		CopyErrors:  c.metrics.copyErrors.Load(),
		StageErrors: c.metrics.stageErrors.Load(),
		Master:      c.metrics.master.Load(),
		Clock:       c.metrics.clock.Load(),
	}
	if d := c.metrics.domain.Load(); d != nil {
		st.Domain = &DomainView{State: d.State.String(), WorkingCounter: d.WorkingCounter, Expected: d.Expected}
	}
	// Fields written before a lifecycle transition are safe to read once
	// the transition is observed.
	if state >= StateInitialized {
		st.Stats = c.recorder.Summary()
	}
	if state >= StateRunning {
		st.RunID = c.runID
	}
	if started := c.metrics.startedAt.Load(); started != 0 {
		st.Uptime = time.Duration(c.clock.Now() - started)
		st.UptimeSec = st.Uptime.Seconds()
	}
	return st
}
