package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/cycle"
	"github.com/skobkin/ethercomm/internal/dcsync"
	"github.com/skobkin/ethercomm/internal/stats"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	DevicesFile      string
	WS               WebsocketConfig
	Cycle            CycleConfig
	Sched            communicator.SchedConfig
	DC               DCConfig
	Stats            StatsConfig
	Sim              SimConfig
	Publish          PublishConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// MaxRateHz caps the per-client message rate.
	MaxRateHz int
}

// CycleConfig sets the cyclic loop cadence.
type CycleConfig struct {
	Period time.Duration
	// RunFor bounds the run; zero runs until shutdown.
	RunFor time.Duration
}

// DCConfig tunes distributed clock handling.
type DCConfig struct {
	Mode         dcsync.Mode
	FilterWindow int
	MaxAdjust    int64
}

// StatsConfig controls the cycle statistics recorder.
type StatsConfig struct {
	Mode    stats.Mode
	RateHz  int
	LogPath string
	Horizon time.Duration
}

// SimConfig parameterises the simulated bus.
type SimConfig struct {
	DriftPPM  int64
	RefOffset int64
	Echo      bool
}

// PublishConfig sizes the per-subscriber queues.
type PublishConfig struct {
	QueueSize int
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
			MaxRateHz:    50,
		},
		Cycle: CycleConfig{
			Period: time.Millisecond,
		},
		Sched: communicator.SchedConfig{
			Policy:   communicator.SchedFIFO,
			Priority: 80,
			Runtime:  30 * time.Microsecond,
			Deadline: 100 * time.Microsecond,
			CPU:      -1,
		},
		DC: DCConfig{
			Mode:         dcsync.ModeMasterToReference,
			FilterWindow: dcsync.DefaultWindow,
			MaxAdjust:    dcsync.DefaultMaxAdjust,
		},
		Stats: StatsConfig{
			Mode:    stats.ModeOff,
			RateHz:  communicator.DefaultDiagnosticsHz,
			LogPath: "cycle_stats.log",
			Horizon: time.Minute,
		},
		Sim: SimConfig{
			DriftPPM: 20,
			Echo:     true,
		},
		Publish: PublishConfig{
			QueueSize: 16,
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := boolEnv("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if err := boolEnv("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	cfg.DevicesFile = env("APP_DEVICES_FILE")

	if err := positiveIntEnv("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if err := positiveDurationEnv("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := positiveDurationEnv("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := positiveIntEnv("APP_WS_MAX_RATE", &cfg.WS.MaxRateHz); err != nil {
		return Config{}, err
	}

	if err := positiveDurationEnv("APP_CYCLE_PERIOD", &cfg.Cycle.Period); err != nil {
		return Config{}, err
	}
	if value := env("APP_RUN_DURATION"); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RUN_DURATION: %w", err)
		}
		if duration < 0 {
			return Config{}, fmt.Errorf("APP_RUN_DURATION must be >= 0")
		}
		cfg.Cycle.RunFor = duration
	}

	if value := env("APP_SCHED_POLICY"); value != "" {
		policy, err := communicator.ParseSchedPolicy(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_SCHED_POLICY: %w", err)
		}
		cfg.Sched.Policy = policy
	}
	if err := positiveIntEnv("APP_SCHED_PRIORITY", &cfg.Sched.Priority); err != nil {
		return Config{}, err
	}
	if err := positiveDurationEnv("APP_SCHED_RUNTIME", &cfg.Sched.Runtime); err != nil {
		return Config{}, err
	}
	if err := positiveDurationEnv("APP_SCHED_DEADLINE", &cfg.Sched.Deadline); err != nil {
		return Config{}, err
	}
	if value := env("APP_CPU_AFFINITY"); value != "" {
		cpu, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CPU_AFFINITY: %w", err)
		}
		cfg.Sched.CPU = cpu
	}
	if err := boolEnv("APP_LOCK_MEMORY", &cfg.Sched.LockMemory); err != nil {
		return Config{}, err
	}

	if value := env("APP_DC_MODE"); value != "" {
		mode, err := dcsync.ParseMode(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DC_MODE: %w", err)
		}
		cfg.DC.Mode = mode
	}
	if err := positiveIntEnv("APP_DC_FILTER_WINDOW", &cfg.DC.FilterWindow); err != nil {
		return Config{}, err
	}
	if value := env("APP_DC_MAX_ADJUST"); value != "" {
		maxAdjust, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DC_MAX_ADJUST: %w", err)
		}
		if maxAdjust <= 0 {
			return Config{}, fmt.Errorf("APP_DC_MAX_ADJUST must be > 0")
		}
		cfg.DC.MaxAdjust = maxAdjust
	}

	if value := env("APP_STATS_MODE"); value != "" {
		mode, err := stats.ParseMode(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_STATS_MODE: %w", err)
		}
		cfg.Stats.Mode = mode
	}
	if err := positiveIntEnv("APP_STATS_RATE", &cfg.Stats.RateHz); err != nil {
		return Config{}, err
	}
	if value, ok := os.LookupEnv("APP_STATS_LOG"); ok {
		cfg.Stats.LogPath = strings.TrimSpace(value)
	}
	if err := positiveDurationEnv("APP_STATS_HORIZON", &cfg.Stats.Horizon); err != nil {
		return Config{}, err
	}

	if err := int64Env("APP_SIM_DRIFT_PPM", &cfg.Sim.DriftPPM); err != nil {
		return Config{}, err
	}
	if err := int64Env("APP_SIM_REF_OFFSET", &cfg.Sim.RefOffset); err != nil {
		return Config{}, err
	}
	if err := boolEnv("APP_SIM_ECHO", &cfg.Sim.Echo); err != nil {
		return Config{}, err
	}

	if err := positiveIntEnv("APP_PUBLISH_QUEUE", &cfg.Publish.QueueSize); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := c.Sched.Validate(c.Cycle.Period); err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}
	if c.Stats.Mode == stats.ModeOff {
		return nil
	}
	// Periods above one second still close one window per cycle.
	if hz := max(cycle.Frequency(c.Cycle.Period), 1); c.Stats.RateHz > hz {
		return fmt.Errorf("APP_STATS_RATE %d exceeds the cycle frequency %d", c.Stats.RateHz, hz)
	}
	if c.Stats.LogPath == "" {
		return fmt.Errorf("APP_STATS_LOG is required when statistics are enabled")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolEnv(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func positiveIntEnv(key string, dst *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func int64Env(key string, dst *int64) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func positiveDurationEnv(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
