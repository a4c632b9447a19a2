// Package communicator runs the cyclic real-time exchange with the fieldbus:
// one dedicated, locked OS thread that waits for each absolute cycle
// deadline, exchanges process data, keeps the distributed clock aligned and
// publishes the bytes it moved.
package communicator

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/ethercomm/internal/cycle"
	"github.com/skobkin/ethercomm/internal/dcsync"
	"github.com/skobkin/ethercomm/internal/device"
	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/publish"
	"github.com/skobkin/ethercomm/internal/stats"
	"github.com/skobkin/ethercomm/internal/transport"
)

// DefaultDiagnosticsHz is the rate of the low-frequency diagnostics.
const DefaultDiagnosticsHz = 10

// Options configures a Communicator.
type Options struct {
	Period time.Duration
	// RunFor bounds the run; zero runs until Stop.
	RunFor time.Duration

	DCMode       dcsync.Mode
	FilterWindow int
	MaxAdjust    int64

	Sched SchedConfig

	StatsMode    stats.Mode
	StatsRateHz  int
	StatsHorizon time.Duration
	StatsLog     string
}

// Communicator owns every piece of state touched by the cyclic loop.
type Communicator struct {
	opts      Options
	bus       transport.Transport
	clock     cycle.Clock
	publisher *publish.Publisher
	logger    *slog.Logger

	life lifecycle
	gate cancelGate
	mu   sync.Mutex

	reg      *device.Registration
	arena    *pdo.Buffer
	recorder *stats.Recorder
	dc       *dcsync.Synchronizer
	staged   atomic.Pointer[stagedOutputs]
	runID    string
	// startErr is set once a Start fails after the transport was activated.
	startErr error

	done chan struct{}
	err  error

	metrics loopMetrics
}

type loopMetrics struct {
	cycles      atomic.Uint64
	sends       atomic.Uint64
	publishes   atomic.Uint64
	degraded    atomic.Uint64
	lost        atomic.Uint64
	copyErrors  atomic.Uint64
	stageErrors atomic.Uint64
	domain      atomic.Pointer[transport.DomainStatus]
	master      atomic.Pointer[transport.MasterStatus]
	clock       atomic.Pointer[dcsync.Snapshot]
	startedAt   atomic.Int64
}

// New builds an idle Communicator.
func New(opts Options, bus transport.Transport, clock cycle.Clock, publisher *publish.Publisher, logger *slog.Logger) (*Communicator, error) {
	if bus == nil || clock == nil {
		return nil, fmt.Errorf("transport and clock are required")
	}
	if opts.Period <= 0 {
		return nil, fmt.Errorf("cycle period must be > 0")
	}
	if opts.RunFor < 0 {
		return nil, fmt.Errorf("run duration must be >= 0")
	}
	if opts.StatsRateHz <= 0 {
		opts.StatsRateHz = DefaultDiagnosticsHz
	}
	if publisher == nil {
		publisher = publish.NewPublisher(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Communicator{
		opts:      opts,
		bus:       bus,
		clock:     clock,
		publisher: publisher,
		logger:    logger.With("component", "communicator"),
		done:      make(chan struct{}),
	}, nil
}

// Init registers the topology with the transport and sizes every buffer.
func (c *Communicator) Init(top *device.Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.life.current(); cur != StateIdle {
		return fmt.Errorf("%w: init in state %s", ErrInvalidTransition, cur)
	}
	if err := c.opts.Sched.Validate(c.opts.Period); err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	reg, err := device.Register(top, c.bus, c.opts.Period, c.logger)
	if err != nil {
		return fmt.Errorf("register devices: %w", err)
	}
	arena, err := pdo.NewBuffer(reg.Entries)
	if err != nil {
		return fmt.Errorf("build process data buffer: %w", err)
	}

	horizon := c.opts.RunFor
	if horizon == 0 {
		horizon = c.opts.StatsHorizon
	}
	recorder, err := stats.NewRecorder(stats.Config{
		Mode:    c.opts.StatsMode,
		Period:  c.opts.Period,
		RateHz:  c.opts.StatsRateHz,
		Horizon: horizon,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}

	dc, err := dcsync.New(dcsync.Config{
		Mode:      c.opts.DCMode,
		Period:    c.opts.Period,
		Window:    c.opts.FilterWindow,
		MaxAdjust: c.opts.MaxAdjust,
	}, c.bus, c.clock, c.logger)
	if err != nil {
		return fmt.Errorf("distributed clock: %w", err)
	}

	c.reg = reg
	c.arena = arena
	c.recorder = recorder
	c.dc = dc
	c.staged.Store(&stagedOutputs{outputs: make([][]byte, arena.Devices())})

	if err := c.life.advance(StateIdle, StateInitialized); err != nil {
		return err
	}
	c.logger.Info("communicator initialized",
		"devices", arena.Devices(),
		"arena_bytes", arena.Len(),
		"period", c.opts.Period,
		"run_for", c.opts.RunFor,
		"dc_mode", c.opts.DCMode.String(),
		"stats_mode", c.opts.StatsMode.String(),
	)
	return nil
}

// Start activates the transport and launches the cyclic thread. It returns
// once the thread has applied its scheduling settings.
func (c *Communicator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.life.current(); cur != StateInitialized {
		return fmt.Errorf("%w: start in state %s", ErrInvalidTransition, cur)
	}
	if c.startErr != nil {
		return fmt.Errorf("%w: %w", ErrStartFailed, c.startErr)
	}

	if err := c.bus.SelectReferenceClock(c.reg.Reference); err != nil {
		return fmt.Errorf("select reference clock: %w", err)
	}
	if err := c.bus.Activate(); err != nil {
		return fmt.Errorf("activate transport: %w", err)
	}

	// From here on the transport is active and a failure is terminal.
	fail := func(err error) error {
		c.startErr = err
		c.logger.Error("start failed after activation", "err", err)
		return err
	}
	domain, err := c.bus.BindDomain()
	if err != nil {
		return fail(fmt.Errorf("bind domain: %w", err))
	}
	if err := c.arena.CheckDomain(len(domain)); err != nil {
		return fail(fmt.Errorf("bind domain: %w", err))
	}
	c.runID = uuid.NewString()

	ready := make(chan error, 1)
	go c.run(ready)

	if err := <-ready; err != nil {
		<-c.done
		return fail(err)
	}

	if err := c.life.advance(StateInitialized, StateRunning); err != nil {
		return err
	}
	c.logger.Info("cyclic thread started",
		"run_id", c.runID,
		"policy", string(c.opts.Sched.Policy),
		"priority", c.opts.Sched.Priority,
		"cpu", c.opts.Sched.CPU,
	)
	return nil
}

// Stop cancels the loop at its next checkpoint, joins it and zeroes the
// process data buffer. It always returns after the loop has exited.
func (c *Communicator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.life.advance(StateRunning, StateStopRequested); err != nil {
		return err
	}
	c.gate.request()
	<-c.done

	c.arena.Zero()

	if !c.gate.wasAcknowledged() {
		c.logger.Warn("cyclic thread exited without acknowledging cancellation", "run_id", c.runID, "err", c.err)
	}

	if err := c.life.advance(StateStopRequested, StateStopped); err != nil {
		return err
	}
	c.logger.Info("communicator stopped", "run_id", c.runID, "cycles", c.metrics.cycles.Load())
	return c.err
}

// Done is closed when the cyclic loop exits for any reason.
func (c *Communicator) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal loop error once Done is closed.
func (c *Communicator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// State returns the lifecycle state.
func (c *Communicator) State() State {
	return c.life.current()
}

// RunID identifies the current start. It is empty until the loop runs.
func (c *Communicator) RunID() string {
	if c.life.current() < StateRunning {
		return ""
	}
	return c.runID
}

// Devices returns the process data table, or nil before Init.
func (c *Communicator) Devices() []pdo.Entry {
	if c.life.current() < StateInitialized {
		return nil
	}
	return c.arena.Entries()
}

// StageOutputs sets the bytes written to a device's outputs on every
// following cycle. data is copied.
func (c *Communicator) StageOutputs(position uint16, data []byte) error {
	st := c.life.current()
	if st != StateInitialized && st != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, st)
	}

	idx, err := c.arena.IndexOf(position)
	if err != nil {
		return err
	}
	entry, _ := c.arena.Entry(idx)
	if len(data) != entry.Output.Length {
		return fmt.Errorf("device %d: %d bytes for %d byte output: %w", position, len(data), entry.Output.Length, pdo.ErrSegmentBounds)
	}

	buf := append([]byte(nil), data...)
	for {
		prev := c.staged.Load()
		next := prev.with(idx, buf)
		if c.staged.CompareAndSwap(prev, next) {
			return nil
		}
	}
}

func (c *Communicator) run(ready chan<- error) {
	defer close(c.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := applySched(c.opts.Sched, c.opts.Period); err != nil {
		c.err = fmt.Errorf("apply scheduling: %w", err)
		ready <- c.err
		return
	}
	ready <- nil

	c.err = c.loop()
	switch {
	case c.err != nil:
		c.logger.Error("cyclic loop failed", "run_id", c.runID, "err", c.err)
	case c.gate.wasAcknowledged():
		c.logger.Info("cyclic loop cancelled", "run_id", c.runID)
	default:
		c.logger.Info("bounded run finished", "run_id", c.runID, "cycles", c.metrics.cycles.Load())
	}
}

// flushStats finishes the statistics log. Its failure is fatal.
func (c *Communicator) flushStats(loopErr error) error {
	if c.recorder == nil || c.opts.StatsLog == "" {
		return loopErr
	}
	if err := c.recorder.Flush(c.opts.StatsLog); err != nil {
		return errors.Join(loopErr, err)
	}
	return loopErr
}
