package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/cycle"
	"github.com/skobkin/ethercomm/internal/dcsync"
	"github.com/skobkin/ethercomm/internal/device"
	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/publish"
	"github.com/skobkin/ethercomm/internal/stats"
	"github.com/skobkin/ethercomm/internal/transport"
)

// ErrNoDuration is returned for an unbounded simulation.
var ErrNoDuration = errors.New("duration must be > 0")

type simOptions struct {
	devicesFile string
	loopback    int
	inputSize   int
	outputSize  int
	period      time.Duration
	duration    time.Duration
	dcMode      string
	window      int
	driftPPM    int64
	refOffset   int64
	clock       string
	statsMode   string
	statsLog    string
	jsonOutput  bool
	verbose     bool
}

type simReport struct {
	Topology *device.Topology    `json:"topology"`
	Layout   []pdo.Entry         `json:"layout"`
	Status   communicator.Status `json:"status"`
	Publish  publish.HubStats    `json:"publish"`
	Latest   *publish.Message    `json:"latest,omitempty"`
	Wall     string              `json:"wall_time"`
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := simOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a bounded exchange and print a summary",
		Args:  cobra.NoArgs,
		// Errors are reported once by main.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSim(opts, cmd.OutOrStdout(), stderr)
		},
	}
	cmd.SetOut(stdout)

	flags := cmd.Flags()
	flags.StringVarP(&opts.devicesFile, "devices", "d", "", "device YAML file (default: loopback topology)")
	flags.IntVar(&opts.loopback, "loopback", 2, "number of loopback devices when no device file is given")
	flags.IntVar(&opts.inputSize, "input-size", 4, "loopback input bytes per device")
	flags.IntVar(&opts.outputSize, "output-size", 4, "loopback output bytes per device")
	flags.DurationVarP(&opts.period, "period", "p", time.Millisecond, "cycle period")
	flags.DurationVarP(&opts.duration, "duration", "t", 2*time.Second, "run duration")
	flags.StringVar(&opts.dcMode, "dc-mode", dcsync.ModeReferenceToMaster.String(), "distributed clock mode: off, master_to_ref, ref_to_master")
	flags.IntVar(&opts.window, "filter-window", dcsync.DefaultWindow, "drift filter window in cycles")
	flags.Int64Var(&opts.driftPPM, "drift-ppm", 20, "simulated reference clock drift")
	flags.Int64Var(&opts.refOffset, "ref-offset", 0, "simulated reference clock offset in ns")
	flags.StringVar(&opts.clock, "clock", "manual", "time source: manual (as fast as possible) or system (real time)")
	flags.StringVar(&opts.statsMode, "stats-mode", "off", "statistics mode: off, sampled, exhaustive")
	flags.StringVar(&opts.statsLog, "stats-log", "", "statistics log path")
	flags.BoolVar(&opts.jsonOutput, "json", false, "emit the summary as JSON")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	return cmd
}

func runSim(opts simOptions, stdout, stderr io.Writer) error {
	if opts.duration <= 0 {
		return ErrNoDuration
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	dcMode, err := dcsync.ParseMode(opts.dcMode)
	if err != nil {
		return fmt.Errorf("parse --dc-mode: %w", err)
	}
	statsMode, err := stats.ParseMode(opts.statsMode)
	if err != nil {
		return fmt.Errorf("parse --stats-mode: %w", err)
	}
	if statsMode != stats.ModeOff && opts.statsLog == "" {
		return fmt.Errorf("--stats-log is required with --stats-mode %s", statsMode)
	}

	var clock cycle.Clock
	switch strings.ToLower(opts.clock) {
	case "manual":
		clock = cycle.NewManualClock(time.Now().UnixNano())
	case "system":
		clock = cycle.NewSystemClock()
	default:
		return fmt.Errorf("unsupported clock %q", opts.clock)
	}

	top := device.Loopback(opts.loopback, opts.inputSize, opts.outputSize)
	if opts.devicesFile != "" {
		if top, err = device.Load(opts.devicesFile); err != nil {
			return err
		}
	}

	bus := transport.NewSimulated(transport.SimOptions{
		DriftPPM:  opts.driftPPM,
		RefOffset: opts.refOffset,
		Echo:      true,
	}, clock, logger)
	defer bus.Close()

	hub := publish.NewHub(1, logger)
	defer hub.Close()

	comm, err := communicator.New(communicator.Options{
		Period:       opts.period,
		RunFor:       opts.duration,
		DCMode:       dcMode,
		FilterWindow: opts.window,
		MaxAdjust:    dcsync.DefaultMaxAdjust,
		Sched:        communicator.SchedConfig{Policy: communicator.SchedInherit, CPU: -1},
		StatsMode:    statsMode,
		StatsLog:     opts.statsLog,
	}, bus, clock, publish.NewPublisher(hub), logger)
	if err != nil {
		return err
	}
	if err := comm.Init(top); err != nil {
		return err
	}

	started := time.Now()
	if err := comm.Start(); err != nil {
		return err
	}
	<-comm.Done()
	runErr := comm.Stop()

	report := simReport{
		Topology: top,
		Layout:   comm.Devices(),
		Status:   comm.Status(),
		Publish:  hub.Stats(),
		Wall:     time.Since(started).Round(time.Microsecond).String(),
	}
	if latest, ok := hub.Latest(); ok {
		report.Latest = &latest
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
	} else {
		printReport(stdout, report)
	}
	return runErr
}

func printReport(w io.Writer, r simReport) {
	st := r.Status

	header := color.New(color.FgGreen, color.Bold)
	if st.Degraded > 0 || st.Lost > 0 || st.CopyErrors > 0 {
		header = color.New(color.FgYellow, color.Bold)
	}
	header.Fprintf(w, "Run %s finished in %s (state %s)\n", st.RunID, r.Wall, st.State)
	fmt.Fprintln(w, strings.Repeat("-", 60))

	fmt.Fprintf(w, "devices:     %d\n", len(r.Topology.Devices))
	fmt.Fprintf(w, "period:      %s\n", time.Duration(st.PeriodNS))
	fmt.Fprintf(w, "cycles:      %s (sends %s, publishes %s)\n",
		humanize.Comma(int64(st.Cycles)), humanize.Comma(int64(st.Sends)), humanize.Comma(int64(st.Publishes)))
	fmt.Fprintf(w, "domain:      degraded %d, lost %d\n", st.Degraded, st.Lost)
	if st.Stats.Observed > 0 {
		fmt.Fprintf(w, "latency:     last %s, max %s\n", time.Duration(st.Stats.LastLatencyNS), time.Duration(st.Stats.MaxLatencyNS))
		fmt.Fprintf(w, "exec:        last %s, max %s\n", time.Duration(st.Stats.LastExecNS), time.Duration(st.Stats.MaxExecNS))
	}
	if c := st.Clock; c != nil {
		fmt.Fprintf(w, "clock:       mode %s, diff %d ns, adjust %d ns, time base %d ns, started %t\n",
			c.Mode, c.Diff, c.Adjust, c.TimeBase, c.Started)
	}
	if m := r.Latest; m != nil {
		fmt.Fprintf(w, "last cycle:  %d in=%s out=%s\n", m.Cycle, hex.EncodeToString(m.Inputs), hex.EncodeToString(m.Outputs))
	}

	if len(r.Layout) == 0 {
		return
	}
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"position", "name", "input", "output"})
	total := 0
	for _, e := range r.Layout {
		tbl.AppendRow(table.Row{e.Position, e.Name, segmentLabel(e.Input), segmentLabel(e.Output)})
		total += e.Input.Length + e.Output.Length
	}
	tbl.AppendFooter(table.Row{"", "", "", "total " + humanize.IBytes(uint64(total))})
	fmt.Fprintf(w, "\nprocess data layout:\n%s\n", tbl.Render())
}

func segmentLabel(s pdo.Segment) string {
	return fmt.Sprintf("@%d +%d", s.Offset, s.Length)
}
