// Package config manages fabsim configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete fabsim configuration.
type Config struct {
	Run      RunConfig     `koanf:"run"`
	Topology TopoConfig    `koanf:"topology"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
}

// RunConfig describes one simulation run.
type RunConfig struct {
	// CC selects congestion control: 0 none, 1 MLX/DCQCN, 2 HPCC.
	CC uint32 `koanf:"cc"`

	// PFC selects flow control: 0 off (lossy), 1 PFC pause/resume, 2 bubble.
	PFC uint32 `koanf:"pfc"`

	// Flow names the flow trace, resolved as trace/<flow>.tr.
	Flow string `koanf:"flow"`

	// Duration is the simulated run time after StartTime.
	Duration time.Duration `koanf:"duration"`

	// StartTime is the simulated time the trace clock starts at.
	StartTime time.Duration `koanf:"start_time"`

	// DrainTime extends the run past Duration so in-flight flows finish.
	DrainTime time.Duration `koanf:"drain_time"`

	// LogDir is the directory the FCT log is written into.
	LogDir string `koanf:"log_dir"`
}

// TopoConfig describes the fat-tree.
type TopoConfig struct {
	// K is the tree arity.
	K uint32 `koanf:"k"`

	// NumBlock is the number of blocks (pods).
	NumBlock uint32 `koanf:"num_block"`

	// Ratio is the number of servers per ToR port.
	Ratio uint32 `koanf:"ratio"`

	// ServerRateGbps and FabricRateGbps are the edge and fabric link rates.
	ServerRateGbps uint32 `koanf:"server_rate_gbps"`
	FabricRateGbps uint32 `koanf:"fabric_rate_gbps"`

	// LinkDelay is the propagation delay of every link.
	LinkDelay time.Duration `koanf:"link_delay"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration. An
// empty Addr disables the endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the reference topology and
// run parameters: a K=4, 5-block fat-tree with 4 servers per rack port,
// 100G edge and 400G fabric links, one simulated second of traffic starting
// at two seconds.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			CC:        0,
			PFC:       0,
			Flow:      "test",
			Duration:  1 * time.Second,
			StartTime: 2 * time.Second,
			DrainTime: 5 * time.Second,
			LogDir:    "logs",
		},
		Topology: TopoConfig{
			K:              4,
			NumBlock:       5,
			Ratio:          4,
			ServerRateGbps: 100,
			FabricRateGbps: 400,
			LinkDelay:      1 * time.Microsecond,
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fabsim configuration.
// Variables are named FABSIM_<section>_<key>, e.g., FABSIM_RUN_CC.
const envPrefix = "FABSIM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FABSIM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// FABSIM_RUN_CC -> run.cc (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FABSIM_RUN_CC -> run.cc. Only the first
// underscore separates section from key, so FABSIM_RUN_START_TIME maps to
// run.start_time.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"run.cc":                    defaults.Run.CC,
		"run.pfc":                   defaults.Run.PFC,
		"run.flow":                  defaults.Run.Flow,
		"run.duration":              defaults.Run.Duration.String(),
		"run.start_time":            defaults.Run.StartTime.String(),
		"run.drain_time":            defaults.Run.DrainTime.String(),
		"run.log_dir":               defaults.Run.LogDir,
		"topology.k":                defaults.Topology.K,
		"topology.num_block":        defaults.Topology.NumBlock,
		"topology.ratio":            defaults.Topology.Ratio,
		"topology.server_rate_gbps": defaults.Topology.ServerRateGbps,
		"topology.fabric_rate_gbps": defaults.Topology.FabricRateGbps,
		"topology.link_delay":       defaults.Topology.LinkDelay.String(),
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidCC indicates an unrecognized congestion-control version.
	ErrInvalidCC = errors.New("run.cc must be 0 (none), 1 (MLX) or 2 (HPCC)")

	// ErrInvalidPFC indicates an unrecognized flow-control mode.
	ErrInvalidPFC = errors.New("run.pfc must be 0 (off), 1 (PFC) or 2 (bubble)")

	// ErrEmptyFlow indicates no flow trace was named.
	ErrEmptyFlow = errors.New("run.flow must not be empty")

	// ErrInvalidDuration indicates a non-positive run duration.
	ErrInvalidDuration = errors.New("run.duration must be > 0")

	// ErrInvalidTopology indicates a degenerate fat-tree dimension.
	ErrInvalidTopology = errors.New("topology dimensions must be >= 1")

	// ErrInvalidLinkRate indicates a non-positive link rate.
	ErrInvalidLinkRate = errors.New("topology link rates must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Run.CC > 2 {
		return ErrInvalidCC
	}
	if cfg.Run.PFC > 2 {
		return ErrInvalidPFC
	}
	if cfg.Run.Flow == "" {
		return ErrEmptyFlow
	}
	if cfg.Run.Duration <= 0 {
		return ErrInvalidDuration
	}
	if cfg.Topology.K == 0 || cfg.Topology.NumBlock == 0 || cfg.Topology.Ratio == 0 {
		return ErrInvalidTopology
	}
	if cfg.Topology.ServerRateGbps == 0 || cfg.Topology.FabricRateGbps == 0 {
		return ErrInvalidLinkRate
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TraceFile returns the path of the flow trace for this run.
func (c *Config) TraceFile() string {
	return "trace/" + c.Run.Flow + ".tr"
}

// FCTFile returns the path of the FCT log for this run.
func (c *Config) FCTFile() string {
	return fmt.Sprintf("%s/%ss_PFC%d_CC%d.fct", c.Run.LogDir, c.Run.Flow, c.Run.PFC, c.Run.CC)
}
