package stats

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExhaustiveRecordsEveryCycle(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeExhaustive, Period: time.Millisecond, Horizon: 10 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	for i := 0; i < 12; i++ {
		r.Observe(Sample{Latency: int64(i), Period: 1_000_000, Exec: 20_000})
	}

	if got := len(r.Records()); got != 10 {
		t.Fatalf("expected 10 records, got %d", got)
	}
	sum := r.Summary()
	if sum.Observed != 12 || sum.Stored != 10 || sum.Overflow != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.MaxLatencyNS != 11 || sum.LastLatencyNS != 11 {
		t.Fatalf("unexpected latency aggregates %+v", sum)
	}

	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}
	if want := "   1000000 ,      20000 ,          3"; lines[3] != want {
		t.Fatalf("line 3 = %q, want %q", lines[3], want)
	}
}

func TestSampledKeepsMinMaxPerWindow(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeSampled, RateHz: 10, Horizon: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}

	r.Observe(Sample{Latency: 5, Period: 990, Exec: 30})
	r.Observe(Sample{Latency: 9, Period: 1010, Exec: 10})
	r.NextWindow()
	// An empty window is not stored.
	r.NextWindow()
	r.Observe(Sample{Latency: 1, Period: 1000, Exec: 20})
	r.NextWindow()

	windows := r.Windows()
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	w := windows[0]
	if w.LatencyMin != 5 || w.LatencyMax != 9 || w.PeriodMin != 990 || w.PeriodMax != 1010 || w.ExecMin != 10 || w.ExecMax != 30 || w.Count != 2 {
		t.Fatalf("unexpected first window %+v", w)
	}
	if windows[1].LatencyMin != 1 || windows[1].LatencyMax != 1 {
		t.Fatalf("unexpected second window %+v", windows[1])
	}

	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo returned error: %v", err)
	}
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	if fields := strings.Split(first, ","); len(fields) != 6 {
		t.Fatalf("expected six fields, got %q", first)
	}
}

func TestSampledOverflowIsCounted(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeSampled, RateHz: 2, Horizon: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		r.Observe(Sample{Latency: 1})
		r.NextWindow()
	}
	if sum := r.Summary(); sum.Stored != 2 || sum.Overflow != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestFlushWritesFileAndReleasesBuffers(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeSampled, RateHz: 10, Horizon: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	r.Observe(Sample{Latency: 3, Period: 1000, Exec: 7})

	path := filepath.Join(t.TempDir(), "stats.log")
	if err := r.Flush(path); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	// The open window is closed by Flush.
	if want := "      1000 ,       1000 ,          7 ,          7 ,          3 ,          3\n"; string(data) != want {
		t.Fatalf("log = %q, want %q", data, want)
	}
	if r.Windows() != nil {
		t.Fatal("buffers not released after flush")
	}
}

func TestFlushFailsOnUnwritablePath(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeExhaustive, Period: time.Millisecond, Horizon: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "missing", "stats.log")
	if err := r.Flush(path); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}

func TestOffModeKeepsOnlyAggregates(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(Config{Mode: ModeOff}, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder returned error: %v", err)
	}
	r.Observe(Sample{Latency: 42, Exec: 7})
	r.NextWindow()
	if r.Records() != nil || r.Windows() != nil {
		t.Fatal("off mode stored records")
	}
	if sum := r.Summary(); sum.Observed != 1 || sum.MaxLatencyNS != 42 || sum.Stored != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if err := r.Flush(filepath.Join(t.TempDir(), "nope", "x.log")); err != nil {
		t.Fatalf("off mode flush returned error: %v", err)
	}
}

func TestParseModeAndValidation(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"off": ModeOff, "": ModeOff, "Sampled": ModeSampled, "exhaustive": ModeExhaustive} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("verbose"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewRecorder(Config{Mode: ModeExhaustive}, nil); err == nil {
		t.Fatal("expected error for exhaustive mode without horizon")
	}
	if _, err := NewRecorder(Config{Mode: ModeSampled, Horizon: time.Second}, nil); err == nil {
		t.Fatal("expected error for sampled mode without rate")
	}
}
