// Package config assembles fleetd's tunables from defaults, an optional
// YAML file, environment variables, and command-line flags, in that order
// of increasing precedence: a flat flag set plus env overrides, layered
// over an optional config file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/acefleet/fleetd/lib/autoscaler"
	"github.com/acefleet/fleetd/lib/bytestream"
	"github.com/acefleet/fleetd/lib/collector"
	"github.com/acefleet/fleetd/lib/hlsproxy"
)

// Config holds every tunable the daemon recognizes, flat, with yaml tags
// for file-based overrides.
type Config struct {
	Addr   string `yaml:"addr"`
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DebugMode   bool   `yaml:"debug_mode"`
	DebugLogDir string `yaml:"debug_log_dir"`
	AuditDBPath string `yaml:"audit_db_path"`

	MinReplicas         int           `yaml:"min_replicas"`
	MaxReplicas         int           `yaml:"max_replicas"`
	MaxStreamsPerEngine int           `yaml:"max_streams_per_engine"`
	MinFreeReplicas     int           `yaml:"min_free_replicas"`
	EngineGracePeriod   time.Duration `yaml:"engine_grace_period"`

	CollectIntervalS             int `yaml:"collect_interval_s"`
	InactiveLiveposThresholdS    int `yaml:"inactive_livepos_threshold_s"`
	InactivePrebufThresholdS     int `yaml:"inactive_prebuf_threshold_s"`
	InactiveZeroSpeedThresholdS  int `yaml:"inactive_zero_speed_threshold_s"`
	InactiveLowSpeedThresholdS   int `yaml:"inactive_low_speed_threshold_s"`
	InactiveLowSpeedThresholdKB  int `yaml:"inactive_low_speed_threshold_kb"`

	BufferReadyTimeout     time.Duration `yaml:"buffer_ready_timeout"`
	FirstSegmentTimeout    time.Duration `yaml:"first_segment_timeout"`
	WindowSize             int           `yaml:"window_size"`
	SegmentFetchMultiplier float64       `yaml:"segment_fetch_multiplier"`

	EmptyStreamTimeout time.Duration `yaml:"empty_stream_timeout"`
	StreamIdleTimeout  time.Duration `yaml:"stream_idle_timeout"`

	ChunkSizeBytes uint64 `yaml:"chunk_size_bytes"`
}

// Size is a flag.Value wrapper accepting human-readable byte sizes
// ("64KB", "1MiB", ...). It writes through to the backing field directly so
// it can be bound to a flag.FlagSet in place without a separate copy-back
// step.
type Size struct {
	Bytes *uint64
}

func (s *Size) Set(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}
	*s.Bytes = n
	return nil
}

func (s *Size) String() string {
	if s.Bytes == nil {
		return ""
	}
	return humanize.Bytes(*s.Bytes)
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Addr:   "127.0.0.1:6878",
		Scheme: "http",
		Host:   "127.0.0.1",
		Port:   6878,

		LogLevel:  "info",
		LogFormat: "text",

		DebugMode:   false,
		DebugLogDir: "./debug_logs",
		AuditDBPath: "./fleetd_audit.db",

		MinReplicas:         2,
		MaxReplicas:         10,
		MaxStreamsPerEngine: 5,
		MinFreeReplicas:     1,
		EngineGracePeriod:   5 * time.Minute,

		CollectIntervalS:            2,
		InactiveLiveposThresholdS:   15,
		InactivePrebufThresholdS:    10,
		InactiveZeroSpeedThresholdS: 10,
		InactiveLowSpeedThresholdS:  20,
		InactiveLowSpeedThresholdKB: 400,

		BufferReadyTimeout:     30 * time.Second,
		FirstSegmentTimeout:    10 * time.Second,
		WindowSize:             6,
		SegmentFetchMultiplier: 0.5,

		EmptyStreamTimeout: 60 * time.Second,
		StreamIdleTimeout:  5 * time.Minute,

		ChunkSizeBytes: 64 * 1024,
	}
}

// Load builds a Config from, in increasing precedence: built-in defaults,
// a YAML file at path (if nonempty and present), a .env file in the working
// directory (if present), FLEETD_* environment variables, and finally the
// flags in args. Precedence is file < env < flag.
func Load(path string, args []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}

	// A .env file, if present, seeds os.Getenv before we read FLEETD_* vars.
	// godotenv.Load is a no-op returning an error when the file is absent;
	// that's expected in most deployments so it's intentionally ignored.
	_ = godotenv.Load()

	applyEnv(cfg)

	fs := flag.NewFlagSet("fleetd", flag.ContinueOnError)
	applyFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEETD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("FLEETD_SCHEME"); v != "" {
		cfg.Scheme = v
	}
	if v := os.Getenv("FLEETD_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FLEETD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLEETD_DEBUG_MODE"); v != "" {
		cfg.DebugMode = v == "1" || v == "true"
	}
	if v := os.Getenv("FLEETD_DEBUG_LOG_DIR"); v != "" {
		cfg.DebugLogDir = v
	}
	if v := os.Getenv("FLEETD_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("FLEETD_MIN_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinReplicas = n
		}
	}
	if v := os.Getenv("FLEETD_MAX_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReplicas = n
		}
	}
	if v := os.Getenv("FLEETD_MAX_STREAMS_PER_ENGINE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStreamsPerEngine = n
		}
	}
	if v := os.Getenv("FLEETD_MIN_FREE_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinFreeReplicas = n
		}
	}
	if v := os.Getenv("FLEETD_ENGINE_GRACE_PERIOD_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EngineGracePeriod = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FLEETD_COLLECT_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CollectIntervalS = n
		}
	}
	if v := os.Getenv("FLEETD_CHUNK_SIZE"); v != "" {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.ChunkSizeBytes = n
		}
	}
}

func applyFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Server address")
	fs.StringVar(&cfg.Scheme, "scheme", cfg.Scheme, "Default AceStream scheme")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Default AceStream host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Default AceStream port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text or json)")
	fs.BoolVar(&cfg.DebugMode, "debug-mode", cfg.DebugMode, "Enable per-request diagnostics logging")
	fs.StringVar(&cfg.DebugLogDir, "debug-log-dir", cfg.DebugLogDir, "Directory for diagnostics logs")
	fs.StringVar(&cfg.AuditDBPath, "audit-db-path", cfg.AuditDBPath, "Path to the audit trail SQLite database")
	fs.IntVar(&cfg.MinReplicas, "min-replicas", cfg.MinReplicas, "Minimum healthy engine replicas")
	fs.IntVar(&cfg.MaxReplicas, "max-replicas", cfg.MaxReplicas, "Maximum engine replicas")
	fs.IntVar(&cfg.MaxStreamsPerEngine, "max-streams-per-engine", cfg.MaxStreamsPerEngine, "Maximum concurrent streams per engine")
	fs.IntVar(&cfg.MinFreeReplicas, "min-free-replicas", cfg.MinFreeReplicas, "Engines kept with spare capacity")
	fs.DurationVar(&cfg.EngineGracePeriod, "engine-grace-period", cfg.EngineGracePeriod, "Idle duration before an engine is eligible for termination")
	fs.IntVar(&cfg.CollectIntervalS, "collect-interval-s", cfg.CollectIntervalS, "Stat poll period in seconds")

	fs.Var(&Size{Bytes: &cfg.ChunkSizeBytes}, "chunk-size", "Byte-stream read chunk size, human-readable (e.g. 64KB, 1MiB)")
}

// AutoscalerConfig projects the autoscaler's own tunables out of cfg.
func (c *Config) AutoscalerConfig() autoscaler.Config {
	return autoscaler.Config{
		MinReplicas:         c.MinReplicas,
		MaxReplicas:         c.MaxReplicas,
		MaxStreamsPerEngine: c.MaxStreamsPerEngine,
		MinFreeReplicas:     c.MinFreeReplicas,
		EngineGracePeriod:   c.EngineGracePeriod,
	}
}

// CollectorConfig projects the health collector's own tunables out of cfg.
func (c *Config) CollectorConfig() collector.Config {
	d := collector.DefaultConfig()
	d.CollectInterval = time.Duration(c.CollectIntervalS) * time.Second
	d.Inactivity = collector.InactivityConfig{
		LivePosUnchanged: time.Duration(c.InactiveLiveposThresholdS) * time.Second,
		Prebuf:           time.Duration(c.InactivePrebufThresholdS) * time.Second,
		ZeroSpeed:        time.Duration(c.InactiveZeroSpeedThresholdS) * time.Second,
		LowSpeed:         time.Duration(c.InactiveLowSpeedThresholdS) * time.Second,
		LowSpeedKB:       int64(c.InactiveLowSpeedThresholdKB),
	}
	return d
}

// HLSConfig projects the HLS proxy's own tunables out of cfg.
func (c *Config) HLSConfig() hlsproxy.Config {
	d := hlsproxy.DefaultConfig()
	d.WindowSize = c.WindowSize
	d.BufferReadyTimeout = c.BufferReadyTimeout
	d.FirstSegmentTimeout = c.FirstSegmentTimeout
	d.SegmentFetchMultiplier = c.SegmentFetchMultiplier
	return d
}

// ByteStreamConfig projects the byte-stream proxy's own tunables out of cfg.
func (c *Config) ByteStreamConfig() bytestream.Config {
	d := bytestream.DefaultConfig()
	d.EmptyStreamTimeout = c.EmptyStreamTimeout
	d.IdleTimeout = c.StreamIdleTimeout
	d.ChunkSize = int(c.ChunkSizeBytes)
	return d
}
