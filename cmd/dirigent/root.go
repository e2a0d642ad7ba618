package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dirigent",
	Short: "Multi-Agent Coordination Engine",
	Long: `Dirigent coordinates a pool of agents working through task plans:
dependency-aware scheduling, exclusive resource locks with deadlock
detection, per-agent circuit breakers, predictive load balancing with
work stealing, and conflict arbitration.

Plans are YAML files declaring tasks, their dependencies and resource
needs, and optionally the agent pool. Progress is shown in a live
monitor by default; use --headless for plain log output.

Core capabilities:
- Schedules tasks respecting declared dependencies and priorities
- Serializes access to shared resources with priority wait queues
- Detects and breaks resource deadlocks
- Trips a circuit breaker on repeatedly failing agents
- Rebalances and steals work from overloaded agents
- Records every run in a local audit store`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
