package dcsync

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Mode selects how the application clock relates to the bus reference clock.
type Mode int

const (
	// ModeOff disables distributed clock handling entirely.
	ModeOff Mode = iota
	// ModeMasterToReference follows the reference device: the local time
	// base is corrected by the drift filter.
	ModeMasterToReference
	// ModeReferenceToMaster pushes application time to the reference
	// device and never adjusts the local time base.
	ModeReferenceToMaster
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(input string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "off", "none", "disabled":
		return ModeOff, nil
	case "master_to_ref", "master-to-ref", "follower":
		return ModeMasterToReference, nil
	case "ref_to_master", "ref-to-master", "leader":
		return ModeReferenceToMaster, nil
	default:
		return ModeOff, fmt.Errorf("unsupported dc mode %q", input)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeMasterToReference:
		return "master_to_ref"
	case ModeReferenceToMaster:
		return "ref_to_master"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Bus is the part of the transport used for clock handling.
type Bus interface {
	ApplyApplicationTime(ns uint64)
	SampleReferenceClock() (uint32, error)
	SyncReferenceClock()
	AlignFollowerClocks()
}

// TimeSource provides raw monotonic nanoseconds.
type TimeSource interface {
	Now() int64
}

// Config tunes the synchronizer.
type Config struct {
	Mode      Mode
	Period    time.Duration
	Window    int
	MaxAdjust int64
}

// Snapshot is a read-only view published for diagnostics.
type Snapshot struct {
	Mode         string `json:"mode"`
	AppTime      uint64 `json:"app_time_ns"`
	TimeBase     int64  `json:"time_base_ns"`
	Diff         int32  `json:"diff_ns"`
	Adjust       int64  `json:"adjust_ns"`
	Started      bool   `json:"started"`
	StartCycle   uint64 `json:"start_cycle"`
	SampleErrors uint64 `json:"sample_errors"`
}

type strategy interface {
	sync(s *Synchronizer)
	update(s *Synchronizer)
}

// Synchronizer runs one distributed clock step per cycle. Sync belongs
// between queueing and sending the frame; Update runs after the send.
type Synchronizer struct {
	cfg    Config
	bus    Bus
	clock  TimeSource
	logger *slog.Logger

	filter   *Filter
	strategy strategy

	appTime      uint64
	startTime    uint64
	rawDiff      int32
	sampleValid  bool
	sampleErrors uint64
	baseWarned   bool
}

// New builds a Synchronizer for the configured mode.
func New(cfg Config, bus Bus, clock TimeSource, logger *slog.Logger) (*Synchronizer, error) {
	if bus == nil || clock == nil {
		return nil, fmt.Errorf("bus and clock are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxAdjust == 0 {
		cfg.MaxAdjust = DefaultMaxAdjust
	}

	filter, err := NewFilter(cfg.Period, cfg.Window, cfg.MaxAdjust)
	if err != nil {
		return nil, err
	}

	s := &Synchronizer{
		cfg:    cfg,
		bus:    bus,
		clock:  clock,
		logger: logger.With("component", "dcsync"),
		filter: filter,
	}

	switch cfg.Mode {
	case ModeOff:
		s.strategy = offStrategy{}
	case ModeMasterToReference:
		s.strategy = followerStrategy{}
	case ModeReferenceToMaster:
		s.strategy = leaderStrategy{}
	default:
		return nil, fmt.Errorf("unsupported dc mode %v", cfg.Mode)
	}

	return s, nil
}

// Mode returns the configured mode.
func (s *Synchronizer) Mode() Mode {
	return s.cfg.Mode
}

// Sync publishes the application time and samples the reference clock.
func (s *Synchronizer) Sync() {
	s.strategy.sync(s)
}

// Update feeds the last reference diff to the drift filter.
func (s *Synchronizer) Update() {
	s.strategy.update(s)
}

// AppTime returns the raw monotonic time corrected by the filtered time base.
func (s *Synchronizer) AppTime() uint64 {
	raw := s.clock.Now()
	base := s.filter.TimeBase()
	if base > raw {
		if !s.baseWarned {
			s.logger.Warn("time base exceeds raw clock", "time_base_ns", base, "raw_ns", raw)
			s.baseWarned = true
		}
		return uint64(raw)
	}
	return uint64(raw - base)
}

// Snapshot returns the current clock view.
func (s *Synchronizer) Snapshot() Snapshot {
	st := s.filter.State()
	return Snapshot{
		Mode:         s.cfg.Mode.String(),
		AppTime:      s.appTime,
		TimeBase:     st.TimeBase,
		Diff:         st.Diff,
		Adjust:       st.Adjust,
		Started:      st.Started,
		StartCycle:   st.StartCycle,
		SampleErrors: s.sampleErrors,
	}
}

// referenceDiff is computed on 32 bits because the reference clock register
// wraps every ~4.3s.
func referenceDiff(prevAppTime uint64, ref uint32) int32 {
	return int32(uint32(prevAppTime) - ref)
}

type offStrategy struct{}

func (offStrategy) sync(*Synchronizer)   {}
func (offStrategy) update(*Synchronizer) {}

type followerStrategy struct{}

func (followerStrategy) sync(s *Synchronizer) {
	prev := s.appTime
	s.appTime = s.AppTime()
	s.bus.ApplyApplicationTime(s.appTime)

	ref, err := s.bus.SampleReferenceClock()
	if err != nil {
		s.sampleValid = false
		s.sampleErrors++
		if s.sampleErrors == 1 {
			s.logger.Warn("reference clock sample failed", "err", err)
		}
	} else {
		s.sampleValid = true
		s.rawDiff = referenceDiff(prev, ref)
	}

	s.bus.AlignFollowerClocks()
}

func (followerStrategy) update(s *Synchronizer) {
	if !s.sampleValid {
		return
	}
	if s.filter.Step(s.rawDiff) {
		s.startTime = s.appTime
		st := s.filter.State()
		s.logger.Info("first reference diff", "diff_ns", st.Diff, "cycle", st.StartCycle, "app_time_ns", s.startTime)
	}
}

type leaderStrategy struct{}

func (leaderStrategy) sync(s *Synchronizer) {
	s.appTime = s.AppTime()
	s.bus.ApplyApplicationTime(s.appTime)
	s.bus.SyncReferenceClock()
	s.bus.AlignFollowerClocks()
}

func (leaderStrategy) update(*Synchronizer) {}
