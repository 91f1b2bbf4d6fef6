package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/fabsim/internal/config"
	"github.com/dantte-lp/fabsim/internal/fabric"
	"github.com/dantte-lp/fabsim/internal/metrics"
	"github.com/dantte-lp/fabsim/internal/sim"
	"github.com/dantte-lp/fabsim/internal/topo"
	"github.com/dantte-lp/fabsim/internal/trace"
)

// shutdownTimeout bounds the metrics server drain after the run finishes.
const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	var (
		cc          uint32
		pfc         uint32
		flow        string
		duration    time.Duration
		startTime   time.Duration
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one trace-driven simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// CLI flags override file and environment.
			if cmd.Flags().Changed("cc") {
				cfg.Run.CC = cc
			}
			if cmd.Flags().Changed("pfc") {
				cfg.Run.PFC = pfc
			}
			if cmd.Flags().Changed("flow") {
				cfg.Run.Flow = flow
			}
			if cmd.Flags().Changed("time") {
				cfg.Run.Duration = duration
			}
			if cmd.Flags().Changed("start-time") {
				cfg.Run.StartTime = startTime
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			return runSimulation(cfg, newLogger(cfg.Log))
		},
	}

	cmd.Flags().Uint32Var(&cc, "cc", 0, "congestion control: 0 none, 1 MLX/DCQCN, 2 HPCC")
	cmd.Flags().Uint32Var(&pfc, "pfc", 0, "flow control: 0 off, 1 PFC, 2 bubble")
	cmd.Flags().StringVar(&flow, "flow", "test", "flow trace name (trace/<flow>.tr)")
	cmd.Flags().DurationVar(&duration, "time", time.Second, "traffic duration")
	cmd.Flags().DurationVar(&startTime, "start-time", 2*time.Second, "trace start time")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (empty disables)")

	return cmd
}

// runSimulation builds the fabric, schedules the trace, and drives the
// event loop to the run horizon, exporting metrics while it runs.
func runSimulation(cfg *config.Config, logger *slog.Logger) error {
	sched := sim.NewScheduler()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	fab := fabric.New(sched, fabric.Config{CC: cfg.Run.CC, PFC: cfg.Run.PFC}, logger, collector)

	params := topo.Params{
		K:          cfg.Topology.K,
		NumBlock:   cfg.Topology.NumBlock,
		Ratio:      cfg.Topology.Ratio,
		ServerRate: sim.Bitrate(cfg.Topology.ServerRateGbps) * sim.Gbps,
		FabricRate: sim.Bitrate(cfg.Topology.FabricRateGbps) * sim.Gbps,
		LinkDelay:  sim.Clock(cfg.Topology.LinkDelay),
	}
	tree, err := topo.BuildFatTree(fab, params)
	if err != nil {
		return fmt.Errorf("build topology: %w", err)
	}
	logger.Info("built topology",
		slog.Int("servers", len(tree.Servers)),
		slog.Int("tors", len(tree.Tors)),
		slog.Int("aggs", len(tree.Aggs)),
		slog.Int("cores", len(tree.Cores)),
	)

	recorder := trace.NewRecorder()
	fab.SetFCTSink(recorder.Record)

	tf, err := os.Open(cfg.TraceFile())
	if err != nil {
		return fmt.Errorf("open flow trace: %w", err)
	}
	scheduled, err := trace.ScheduleFlows(fab, tf, logger)
	tf.Close()
	if err != nil {
		return err
	}
	logger.Info("scheduled flows", slog.Int("count", scheduled))

	var g errgroup.Group
	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr))
	}

	horizon := sim.Clock(cfg.Run.StartTime + cfg.Run.Duration + cfg.Run.DrainTime)
	start := time.Now()
	sched.Run(horizon)
	logger.Info("simulation finished",
		slog.String("simulated", sim.Clock(cfg.Run.StartTime+cfg.Run.Duration).String()),
		slog.Duration("wall", time.Since(start)),
	)

	for _, sw := range fab.Switches() {
		if err := sw.CheckAccounting(); err != nil {
			logger.Error("buffer accounting violated", slog.Uint64("switch", uint64(sw.ID())))
		}
	}
	if !fab.Drained() {
		logger.Warn("fabric not fully drained at horizon")
	}

	if err := os.MkdirAll(cfg.Run.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := recorder.WriteFile(cfg.FCTFile()); err != nil {
		return err
	}
	logger.Info("wrote fct log",
		slog.String("path", cfg.FCTFile()),
		slog.Int("scheduled", scheduled),
		slog.Int("completed", len(recorder.Records())),
	)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
	return g.Wait()
}

// newMetricsServer builds the Prometheus scrape endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLogger creates a structured logger per the log configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
