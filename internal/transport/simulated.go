package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimeSource provides the monotonic time the simulated reference clock drifts from.
type TimeSource interface {
	Now() int64
}

// SimOptions configures a Simulated bus.
type SimOptions struct {
	// DriftPPM is how fast the reference clock runs relative to the master.
	DriftPPM int64
	// RefOffset is the initial reference clock offset in nanoseconds.
	RefOffset int64
	// Echo makes every device loop its outputs back to its inputs.
	Echo bool
}

type simDevice struct {
	id         Identity
	input      int
	inputLen   int
	output     int
	outputLen  int
	dcActivate uint16
	fixed      []byte
}

// Simulated is an in-memory master. Frames queued in one cycle are
// delivered by the next Receive, like a real pipelined exchange.
type Simulated struct {
	opts   SimOptions
	clock  TimeSource
	logger *slog.Logger

	mu         sync.Mutex
	devices    []*simDevice
	domainSize int
	domain     []byte
	inFlight   []byte
	queued     bool
	active     bool
	closed     bool
	refHandle  DeviceHandle

	appTime    uint64
	refBase    int64
	refLatched uint32
	refValid   bool

	state   DomainState
	linkUp  bool
	status  DomainStatus
	expect  uint16

	sends    uint64
	receives uint64
	queues   uint64
	aligns   uint64
	refSyncs uint64

	failActivate error
	failBind     error
	failRef      error
}

// NewSimulated builds a simulated master driven by clock.
func NewSimulated(opts SimOptions, clock TimeSource, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		opts:      opts,
		clock:     clock,
		logger:    logger.With("component", "transport"),
		refHandle: NoDevice,
		linkUp:    true,
	}
}

// ConfigureDevice implements Configurator.
func (s *Simulated) ConfigureDevice(id Identity) (DeviceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return NoDevice, ErrActive
	}
	for _, d := range s.devices {
		if d.id.Alias == id.Alias && d.id.Position == id.Position {
			return NoDevice, fmt.Errorf("device %s already configured", id)
		}
	}
	s.devices = append(s.devices, &simDevice{id: id, input: -1, output: -1})
	return DeviceHandle(len(s.devices) - 1), nil
}

// RegisterPDO implements Configurator. Offsets are handed out in call order.
func (s *Simulated) RegisterPDO(h DeviceHandle, dir Direction, index uint16, size int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return 0, ErrActive
	}
	d, err := s.device(h)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("negative %s size %d", dir, size)
	}

	offset := s.domainSize
	switch dir {
	case Input:
		if d.input >= 0 {
			return 0, fmt.Errorf("device %s: input already registered", d.id)
		}
		d.input, d.inputLen = offset, size
	default:
		if d.output >= 0 {
			return 0, fmt.Errorf("device %s: output already registered", d.id)
		}
		d.output, d.outputLen = offset, size
	}
	s.domainSize += size
	s.logger.Debug("pdo registered", "device", d.id.String(), "direction", dir.String(), "index", index, "offset", offset, "size", size)
	return offset, nil
}

// ConfigureDC implements Configurator.
func (s *Simulated) ConfigureDC(h DeviceHandle, assignActivate uint16, period time.Duration, sync0Shift int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(h)
	if err != nil {
		return err
	}
	if period <= 0 {
		return fmt.Errorf("device %s: invalid sync0 period %s", d.id, period)
	}
	d.dcActivate = assignActivate
	s.logger.Debug("dc configured", "device", d.id.String(), "assign_activate", assignActivate, "period", period, "sync0_shift", sync0Shift)
	return nil
}

// SelectReferenceClock implements Configurator. NoDevice picks the first
// device with distributed clocks enabled.
func (s *Simulated) SelectReferenceClock(h DeviceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == NoDevice {
		s.refHandle = NoDevice
		for i, d := range s.devices {
			if d.dcActivate != 0 {
				s.refHandle = DeviceHandle(i)
				break
			}
		}
		return nil
	}
	if _, err := s.device(h); err != nil {
		return err
	}
	s.refHandle = h
	return nil
}

// Activate implements Configurator.
func (s *Simulated) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("transport closed")
	}
	if s.active {
		return ErrActive
	}
	if s.failActivate != nil {
		return s.failActivate
	}
	s.domain = make([]byte, s.domainSize)
	s.inFlight = make([]byte, s.domainSize)
	s.expect = s.expectedWorkingCounter()
	s.refBase = s.opts.RefOffset
	s.active = true
	s.logger.Info("master activated", "devices", len(s.devices), "domain_bytes", s.domainSize, "reference", int(s.refHandle))
	return nil
}

// BindDomain implements Configurator.
func (s *Simulated) BindDomain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrNotActive
	}
	if s.failBind != nil {
		return nil, s.failBind
	}
	return s.domain, nil
}

// Receive delivers the frame queued in the previous cycle.
func (s *Simulated) Receive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.receives++

	if s.state != DomainLost && s.linkUp {
		for _, d := range s.devices {
			if d.input < 0 || d.inputLen == 0 {
				continue
			}
			dst := s.domain[d.input : d.input+d.inputLen]
			switch {
			case d.fixed != nil:
				copy(dst, d.fixed)
			case s.queued && s.opts.Echo && d.output >= 0:
				copy(dst, s.inFlight[d.output:d.output+min(d.outputLen, d.inputLen)])
			}
		}
	}

	s.status = DomainStatus{Expected: s.expect, State: s.state}
	switch {
	case !s.linkUp || s.state == DomainLost:
		s.status.State = DomainLost
		s.status.WorkingCounter = 0
	case s.state == DomainDegraded:
		s.status.WorkingCounter = s.expect / 2
	default:
		s.status.WorkingCounter = s.expect
	}
	s.queued = false
}

// MaterializeDomain returns the domain memory after Receive.
func (s *Simulated) MaterializeDomain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// QueueDomain snapshots the domain into the outgoing frame.
func (s *Simulated) QueueDomain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	copy(s.inFlight, s.domain)
	s.queued = true
	s.queues++
}

// Send transmits the queued frame. The reference clock read datagram rides
// along, so the sampled value is latched here.
func (s *Simulated) Send() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.sends++
	if s.refHandle != NoDevice && s.linkUp {
		s.refLatched = uint32(s.referenceTime(s.clock.Now()))
		s.refValid = true
	}
}

// ApplyApplicationTime implements Cyclic.
func (s *Simulated) ApplyApplicationTime(ns uint64) {
	s.mu.Lock()
	s.appTime = ns
	s.mu.Unlock()
}

// SampleReferenceClock returns the reference value latched by the last Send.
func (s *Simulated) SampleReferenceClock() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRef != nil {
		return 0, s.failRef
	}
	if !s.refValid {
		return 0, ErrNoReference
	}
	return s.refLatched, nil
}

// SyncReferenceClock writes the application time into the reference device.
func (s *Simulated) SyncReferenceClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.refHandle == NoDevice {
		return
	}
	now := s.clock.Now()
	s.refBase += int64(s.appTime) - s.referenceTime(now)
	s.refSyncs++
}

// AlignFollowerClocks implements Cyclic.
func (s *Simulated) AlignFollowerClocks() {
	s.mu.Lock()
	s.aligns++
	s.mu.Unlock()
}

// DomainState implements Cyclic.
func (s *Simulated) DomainState() DomainStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MasterState implements Cyclic.
func (s *Simulated) MasterState() MasterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.linkUp {
		return MasterStatus{}
	}
	st := MasterStatus{LinkUp: true, RespondingDevices: len(s.devices)}
	if s.active {
		st.ALStates = ALStateOperational
	}
	return st
}

// Close releases the domain.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.active = false
	s.domain = nil
	s.inFlight = nil
	return nil
}

// SetInputs pins the input bytes a device reports from now on.
func (s *Simulated) SetInputs(position uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.id.Position != position {
			continue
		}
		if d.input < 0 || len(data) != d.inputLen {
			return fmt.Errorf("device %s: %d input bytes for %d byte segment", d.id, len(data), d.inputLen)
		}
		d.fixed = append([]byte(nil), data...)
		return nil
	}
	return fmt.Errorf("no device at position %d", position)
}

// SetDomainState injects a domain fault.
func (s *Simulated) SetDomainState(state DomainState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetLink toggles the physical link.
func (s *Simulated) SetLink(up bool) {
	s.mu.Lock()
	s.linkUp = up
	s.mu.Unlock()
}

// FailActivate makes Activate return err.
func (s *Simulated) FailActivate(err error) {
	s.mu.Lock()
	s.failActivate = err
	s.mu.Unlock()
}

// FailBind makes BindDomain return err.
func (s *Simulated) FailBind(err error) {
	s.mu.Lock()
	s.failBind = err
	s.mu.Unlock()
}

// FailReferenceClock makes SampleReferenceClock return err. nil clears it.
func (s *Simulated) FailReferenceClock(err error) {
	s.mu.Lock()
	s.failRef = err
	s.mu.Unlock()
}

// Counters returns sends, receives and queues so far.
func (s *Simulated) Counters() (sends, receives, queues uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends, s.receives, s.queues
}

// Sends returns the number of transmitted frames.
func (s *Simulated) Sends() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// ReferenceSyncs returns how often the reference clock was written.
func (s *Simulated) ReferenceSyncs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refSyncs
}

// Reference returns the selected reference device.
func (s *Simulated) Reference() DeviceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refHandle
}

// DomainSize returns the bytes registered so far.
func (s *Simulated) DomainSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domainSize
}

func (s *Simulated) device(h DeviceHandle) (*simDevice, error) {
	if h < 0 || int(h) >= len(s.devices) {
		return nil, fmt.Errorf("unknown device handle %d", h)
	}
	return s.devices[h], nil
}

// referenceTime runs the reference clock at 1+DriftPPM/1e6 of the master clock.
func (s *Simulated) referenceTime(now int64) int64 {
	drift := now/1_000_000*s.opts.DriftPPM + now%1_000_000*s.opts.DriftPPM/1_000_000
	return now + drift + s.refBase
}

// A logical read/write datagram counts 1 for a read and 2 for a write per device.
func (s *Simulated) expectedWorkingCounter() uint16 {
	var wc uint16
	for _, d := range s.devices {
		if d.inputLen > 0 {
			wc++
		}
		if d.outputLen > 0 {
			wc += 2
		}
	}
	return wc
}
