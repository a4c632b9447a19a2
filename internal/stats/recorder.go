// Package stats records per-cycle timing of the cyclic loop and writes it to
// a flat diagnostic log when the loop ends.
package stats

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Mode selects what is kept in memory.
type Mode int

const (
	// ModeOff keeps only running aggregates.
	ModeOff Mode = iota
	// ModeSampled keeps min/max per window of cycles.
	ModeSampled
	// ModeExhaustive keeps one record per cycle.
	ModeExhaustive
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(input string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "off", "none", "":
		return ModeOff, nil
	case "sampled", "sampling":
		return ModeSampled, nil
	case "exhaustive", "full":
		return ModeExhaustive, nil
	default:
		return ModeOff, fmt.Errorf("unsupported stats mode %q", input)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeSampled:
		return "sampled"
	case ModeExhaustive:
		return "exhaustive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// progressEvery is how many lines are written between progress log entries.
const progressEvery = 10000

// Sample is one cycle's timing, in nanoseconds.
type Sample struct {
	Latency int64
	Period  int64
	Exec    int64
}

// Window is the min/max summary of a sampled window.
type Window struct {
	PeriodMin  int64
	PeriodMax  int64
	ExecMin    int64
	ExecMax    int64
	LatencyMin int64
	LatencyMax int64
	Count      int
}

func emptyWindow() Window {
	return Window{
		PeriodMin:  math.MaxInt64,
		ExecMin:    math.MaxInt64,
		LatencyMin: math.MaxInt64,
	}
}

func (w *Window) add(s Sample) {
	w.PeriodMin = min(w.PeriodMin, s.Period)
	w.PeriodMax = max(w.PeriodMax, s.Period)
	w.ExecMin = min(w.ExecMin, s.Exec)
	w.ExecMax = max(w.ExecMax, s.Exec)
	w.LatencyMin = min(w.LatencyMin, s.Latency)
	w.LatencyMax = max(w.LatencyMax, s.Latency)
	w.Count++
}

// Config sizes a Recorder.
type Config struct {
	Mode Mode
	// Period is the cycle period.
	Period time.Duration
	// RateHz is how many sampled windows are closed per second.
	RateHz int
	// Horizon is how much run time the buffers cover.
	Horizon time.Duration
}

// Summary is a lock-free view of the running aggregates.
type Summary struct {
	Mode          string `json:"mode"`
	Observed      uint64 `json:"observed"`
	Stored        uint64 `json:"stored"`
	Overflow      uint64 `json:"overflow"`
	LastLatencyNS int64  `json:"last_latency_ns"`
	MaxLatencyNS  int64  `json:"max_latency_ns"`
	LastExecNS    int64  `json:"last_exec_ns"`
	MaxExecNS     int64  `json:"max_exec_ns"`
	LastPeriodNS  int64  `json:"last_period_ns"`
}

// Recorder is written by the cyclic loop only. Summary may be read from any
// goroutine.
type Recorder struct {
	mode   Mode
	logger *slog.Logger

	records []Sample
	windows []Window
	current Window
	limit   int

	observed    atomic.Uint64
	stored      atomic.Uint64
	overflow    atomic.Uint64
	lastLatency atomic.Int64
	maxLatency  atomic.Int64
	lastExec    atomic.Int64
	maxExec     atomic.Int64
	lastPeriod  atomic.Int64
}

// NewRecorder allocates every buffer up front so the loop never grows them.
func NewRecorder(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		mode:    cfg.Mode,
		logger:  logger.With("component", "stats"),
		current: emptyWindow(),
	}

	seconds := cfg.Horizon.Seconds()
	switch cfg.Mode {
	case ModeOff:
	case ModeExhaustive:
		if cfg.Period <= 0 || cfg.Horizon <= 0 {
			return nil, fmt.Errorf("exhaustive stats need a period and horizon")
		}
		r.limit = int(cfg.Horizon / cfg.Period)
		r.records = make([]Sample, 0, r.limit)
	case ModeSampled:
		if cfg.RateHz <= 0 || cfg.Horizon <= 0 {
			return nil, fmt.Errorf("sampled stats need a rate and horizon")
		}
		r.limit = int(math.Ceil(seconds * float64(cfg.RateHz)))
		r.windows = make([]Window, 0, r.limit)
	default:
		return nil, fmt.Errorf("unsupported stats mode %v", cfg.Mode)
	}
	return r, nil
}

// Mode returns the recording mode.
func (r *Recorder) Mode() Mode {
	return r.mode
}

// Observe records one cycle.
func (r *Recorder) Observe(s Sample) {
	r.observed.Add(1)
	r.lastLatency.Store(s.Latency)
	r.lastExec.Store(s.Exec)
	r.lastPeriod.Store(s.Period)
	if s.Latency > r.maxLatency.Load() {
		r.maxLatency.Store(s.Latency)
	}
	if s.Exec > r.maxExec.Load() {
		r.maxExec.Store(s.Exec)
	}

	switch r.mode {
	case ModeExhaustive:
		if len(r.records) < r.limit {
			r.records = append(r.records, s)
			r.stored.Add(1)
		} else {
			r.overflow.Add(1)
		}
	case ModeSampled:
		r.current.add(s)
	}
}

// NextWindow closes the current sampled window. Empty windows are skipped.
func (r *Recorder) NextWindow() {
	if r.mode != ModeSampled || r.current.Count == 0 {
		return
	}
	if len(r.windows) < r.limit {
		r.windows = append(r.windows, r.current)
		r.stored.Add(1)
	} else {
		r.overflow.Add(1)
	}
	r.current = emptyWindow()
}

// Windows returns the closed sampled windows.
func (r *Recorder) Windows() []Window {
	return r.windows
}

// Records returns the exhaustive records.
func (r *Recorder) Records() []Sample {
	return r.records
}

// Summary returns the running aggregates.
func (r *Recorder) Summary() Summary {
	return Summary{
		Mode:          r.mode.String(),
		Observed:      r.observed.Load(),
		Stored:        r.stored.Load(),
		Overflow:      r.overflow.Load(),
		LastLatencyNS: r.lastLatency.Load(),
		MaxLatencyNS:  r.maxLatency.Load(),
		LastExecNS:    r.lastExec.Load(),
		MaxExecNS:     r.maxExec.Load(),
		LastPeriodNS:  r.lastPeriod.Load(),
	}
}

// WriteTo writes one line per record.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64

	write := func(i int, format string, args ...any) error {
		if i%progressEvery == 0 && i > 0 {
			r.logger.Info("writing statistics", "line", i)
		}
		n, err := fmt.Fprintf(bw, format, args...)
		written += int64(n)
		return err
	}

	switch r.mode {
	case ModeExhaustive:
		for i, s := range r.records {
			if err := write(i, "%10d , %10d , %10d\n", s.Period, s.Exec, s.Latency); err != nil {
				return written, err
			}
		}
	case ModeSampled:
		for i, win := range r.windows {
			if err := write(i, "%10d , %10d , %10d , %10d , %10d , %10d\n",
				win.PeriodMin, win.PeriodMax, win.ExecMin, win.ExecMax, win.LatencyMin, win.LatencyMax); err != nil {
				return written, err
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return written, err
	}
	return written, nil
}

// Flush closes the open window, writes everything to path and releases the
// buffers. Off mode writes nothing.
func (r *Recorder) Flush(path string) (err error) {
	if r.mode == ModeOff {
		return nil
	}
	r.NextWindow()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open statistics log: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close statistics log: %w", cerr)
		}
	}()

	n, err := r.WriteTo(f)
	if err != nil {
		return fmt.Errorf("write statistics log: %w", err)
	}

	r.logger.Info("statistics written", "path", path, "bytes", n, "records", r.stored.Load(), "overflow", r.overflow.Load())
	r.records = nil
	r.windows = nil
	return nil
}
