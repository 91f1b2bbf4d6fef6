package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the optional YAML configuration file, shared by all commands.
var configPath string

// rootCmd is the top-level cobra command for fabsim.
var rootCmd = &cobra.Command{
	Use:   "fabsim",
	Short: "Discrete-event simulator for a lossless RDMA fat-tree fabric",
	Long: "fabsim runs trace-driven RDMA flows over a fat-tree topology with " +
		"priority flow control, ECN/DCQCN rate control, HPCC in-band telemetry " +
		"and experimental bubble backpressure, and writes per-flow completion times.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
