package communicator

import (
	"fmt"

	"github.com/skobkin/ethercomm/internal/cycle"
	"github.com/skobkin/ethercomm/internal/stats"
	"github.com/skobkin/ethercomm/internal/transport"
)

// stagedOutputs is an immutable snapshot indexed by device index. A nil
// entry leaves that device's outputs untouched.
type stagedOutputs struct {
	outputs [][]byte
}

func (s *stagedOutputs) with(idx int, data []byte) *stagedOutputs {
	next := &stagedOutputs{outputs: make([][]byte, len(s.outputs))}
	copy(next.outputs, s.outputs)
	next.outputs[idx] = data
	return next
}

// loop is the cyclic thread body. It returns nil after cancellation or a
// finished bounded run.
func (c *Communicator) loop() error {
	timing, err := cycle.NewTiming(c.opts.Period, c.opts.RunFor, c.clock.Now())
	if err != nil {
		return c.flushStats(err)
	}
	c.metrics.startedAt.Store(timing.Next())

	diagEvery := uint64(1)
	if n := cycle.Frequency(c.opts.Period) / c.opts.StatsRateHz; n > 1 {
		diagEvery = uint64(n)
	}

	var (
		n        uint64
		lastWake = timing.Next()
	)
	for {
		if c.gate.checkpoint() {
			break
		}

		deadline := timing.Advance()
		if err := c.clock.SleepUntil(deadline); err != nil {
			return c.flushStats(fmt.Errorf("wait for cycle %d: %w", n, err))
		}
		wake := c.clock.Now()

		c.exchange(n, n%diagEvery == 0)

		end := c.clock.Now()
		c.recorder.Observe(stats.Sample{
			Latency: wake - deadline,
			Period:  wake - lastWake,
			Exec:    end - wake,
		})
		lastWake = wake
		n++
		c.metrics.cycles.Store(n)

		if timing.Expired() {
			break
		}
	}

	return c.flushStats(nil)
}

// exchange runs one cycle. The order of the steps is fixed: the clock sync
// sits between queueing and sending the frame.
func (c *Communicator) exchange(n uint64, diagnostics bool) {
	c.bus.Receive()
	domain := c.bus.MaterializeDomain()
	c.observeDomain(c.bus.DomainState())

	if diagnostics {
		c.recorder.NextWindow()
		c.observeMaster(c.bus.MasterState())
		snap := c.dc.Snapshot()
		c.metrics.clock.Store(&snap)
	}

	c.applyStaged(domain)
	if err := c.arena.CopyFromDomain(domain); err != nil {
		if c.metrics.copyErrors.Add(1) == 1 {
			c.logger.Error("copy process data", "err", err)
		}
	}

	c.bus.QueueDomain()
	c.dc.Sync()
	c.bus.Send()
	c.metrics.sends.Add(1)

	c.publisher.Publish(n, c.arena.Inputs(), c.arena.Outputs())
	c.metrics.publishes.Add(1)

	c.dc.Update()
}

func (c *Communicator) applyStaged(domain []byte) {
	st := c.staged.Load()
	if st == nil {
		return
	}
	for i, data := range st.outputs {
		if data == nil {
			continue
		}
		if err := c.arena.WriteDomainOutput(domain, i, data); err != nil {
			if c.metrics.stageErrors.Add(1) == 1 {
				c.logger.Error("apply staged outputs", "device_index", i, "err", err)
			}
		}
	}
}

func (c *Communicator) observeDomain(st transport.DomainStatus) {
	switch st.State {
	case transport.DomainDegraded:
		c.metrics.degraded.Add(1)
	case transport.DomainLost:
		c.metrics.lost.Add(1)
	}

	prev := c.metrics.domain.Load()
	if prev != nil && *prev == st {
		return
	}
	c.metrics.domain.Store(&st)

	if prev == nil || prev.State != st.State {
		attrs := []any{"state", st.State.String(), "working_counter", st.WorkingCounter, "expected", st.Expected}
		if st.State == transport.DomainOK {
			c.logger.Info("domain state", attrs...)
		} else {
			c.logger.Warn("domain state", attrs...)
		}
	}
}

func (c *Communicator) observeMaster(st transport.MasterStatus) {
	prev := c.metrics.master.Load()
	if prev != nil && *prev == st {
		return
	}
	c.metrics.master.Store(&st)

	attrs := []any{"responding", st.RespondingDevices, "al_states", fmt.Sprintf("0x%02x", st.ALStates), "link_up", st.LinkUp}
	if !st.LinkUp || st.RespondingDevices != c.arena.Devices() {
		c.logger.Warn("master state", attrs...)
		return
	}
	c.logger.Info("master state", attrs...)
}
