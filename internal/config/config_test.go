package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/fabsim/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Topology.K != 4 || cfg.Topology.NumBlock != 5 || cfg.Topology.Ratio != 4 {
		t.Errorf("default tree = K%d/B%d/R%d, want K4/B5/R4",
			cfg.Topology.K, cfg.Topology.NumBlock, cfg.Topology.Ratio)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"cc out of range", func(c *config.Config) { c.Run.CC = 3 }, config.ErrInvalidCC},
		{"pfc out of range", func(c *config.Config) { c.Run.PFC = 7 }, config.ErrInvalidPFC},
		{"empty flow", func(c *config.Config) { c.Run.Flow = "" }, config.ErrEmptyFlow},
		{"zero duration", func(c *config.Config) { c.Run.Duration = 0 }, config.ErrInvalidDuration},
		{"zero K", func(c *config.Config) { c.Topology.K = 0 }, config.ErrInvalidTopology},
		{"zero rate", func(c *config.Config) { c.Topology.FabricRateGbps = 0 }, config.ErrInvalidLinkRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := config.Validate(cfg); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

// writeYAML marshals a config fragment into a temp file.
func writeYAML(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "fabsim.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, map[string]any{
		"run": map[string]any{
			"cc":       1,
			"pfc":      1,
			"flow":     "incast",
			"duration": "2s",
		},
	})

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.CC != 1 || cfg.Run.PFC != 1 {
		t.Errorf("cc/pfc = %d/%d, want 1/1", cfg.Run.CC, cfg.Run.PFC)
	}
	if cfg.Run.Flow != "incast" {
		t.Errorf("flow = %q, want incast", cfg.Run.Flow)
	}
	if cfg.Run.Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", cfg.Run.Duration)
	}
	// Untouched sections inherit defaults.
	if cfg.Topology.K != 4 {
		t.Errorf("topology.k = %d, want default 4", cfg.Topology.K)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, map[string]any{
		"run": map[string]any{"cc": 1},
	})
	t.Setenv("FABSIM_RUN_CC", "2")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.CC != 2 {
		t.Errorf("cc = %d, want env override 2", cfg.Run.CC)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, map[string]any{
		"run": map[string]any{"cc": 9},
	})
	if _, err := config.Load(path); !errors.Is(err, config.ErrInvalidCC) {
		t.Errorf("Load error = %v, want ErrInvalidCC", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFilePaths(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Run.Flow = "web"
	cfg.Run.PFC = 1
	cfg.Run.CC = 2
	if got := cfg.TraceFile(); got != "trace/web.tr" {
		t.Errorf("TraceFile = %q", got)
	}
	if got := cfg.FCTFile(); got != "logs/webs_PFC1_CC2.fct" {
		t.Errorf("FCTFile = %q", got)
	}
}
