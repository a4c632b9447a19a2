package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCommandJSONSummary(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	cmd := newRunCommand(&stdout, io.Discard)
	cmd.SetArgs([]string{"--duration", "100ms", "--period", "1ms", "--loopback", "3", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run command: %v", err)
	}

	var report simReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, stdout.String())
	}
	if report.Status.Cycles != 100 || report.Status.Sends != 100 || report.Status.Publishes != 100 {
		t.Fatalf("unexpected counters %+v", report.Status)
	}
	if len(report.Topology.Devices) != 3 {
		t.Fatalf("expected 3 loopback devices, got %d", len(report.Topology.Devices))
	}
	if report.Latest == nil || len(report.Latest.Inputs) != 12 || len(report.Latest.Outputs) != 12 {
		t.Fatalf("unexpected latest message %+v", report.Latest)
	}
	if report.Status.State != "stopped" {
		t.Fatalf("expected stopped state, got %q", report.Status.State)
	}
}

func TestRunCommandTextSummaryWithDeviceFile(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	cmd := newRunCommand(&stdout, io.Discard)
	cmd.SetArgs([]string{
		"--devices", filepath.Join("..", "..", "internal", "device", "testdata", "two_devices.yaml"),
		"--duration", "50ms",
		"--dc-mode", "master_to_ref",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run command: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"devices:     2", "cycles:      50 (sends 50, publishes 50)", "last cycle:  49", "process data layout", "io-b"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{"UnknownDCMode", []string{"--dc-mode", "sideways"}},
		{"UnknownClock", []string{"--clock", "sundial"}},
		{"StatsWithoutLog", []string{"--stats-mode", "sampled"}},
		{"UnknownStatsMode", []string{"--stats-mode", "chatty"}},
		{"MissingDeviceFile", []string{"--devices", filepath.Join(t.TempDir(), "absent.yaml")}},
	}

	for _, tc := range cases {
		cmd := newRunCommand(io.Discard, io.Discard)
		cmd.SetArgs(tc.args)
		if err := cmd.Execute(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	cmd := newRunCommand(io.Discard, io.Discard)
	cmd.SetArgs([]string{"--duration", "0s"})
	if err := cmd.Execute(); !errors.Is(err, ErrNoDuration) {
		t.Fatalf("expected ErrNoDuration, got %v", err)
	}
}
