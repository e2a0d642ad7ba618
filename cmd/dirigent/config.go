package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dirigent-dev/dirigent/internal/config"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the configuration the engine would run with.

Settings merge from four sources, highest precedence first:

  1. Environment variables (DIRIGENT_*, plus ANTHROPIC_API_KEY)
  2. Project config (.dirigent.yaml, searched upward from the cwd)
  3. User config (~/.config/dirigent/config.yaml)
  4. Built-in defaults

There is no "config set": edit the YAML files directly. "dirigent init"
writes a starter project config.`,
	RunE: showConfigCmd,
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "Output as JSON")
}

func showConfigCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if configJSON {
		masked := *cfg
		masked.Executor.APIKey = maskSecret(masked.Executor.APIKey)
		return printJSON(masked)
	}

	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Println(bold("Config files:"))
	fmt.Printf("  user:    %s %s\n", config.GetUserConfigPath(), presence(config.GetUserConfigPath()))
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("  project: %s %s\n", p, presence(p))
	} else {
		fmt.Printf("  project: %s\n", dim("(no .dirigent.yaml found)"))
	}
	fmt.Println()

	fmt.Println(bold("engine:"))
	fmt.Printf("  max_concurrent_tasks: %d\n", cfg.Engine.MaxConcurrentTasks)
	fmt.Printf("  max_retries:          %d\n", cfg.Engine.MaxRetries)
	fmt.Printf("  retry_delay:          %s\n", cfg.Engine.RetryDelay)
	fmt.Printf("  resource_timeout:     %s\n", cfg.Engine.ResourceTimeout)
	fmt.Printf("  message_timeout:      %s\n", cfg.Engine.MessageTimeout)
	fmt.Printf("  deadlock_detection:   %t\n", cfg.Engine.DeadlockDetection)
	fmt.Printf("  deadlock_interval:    %s\n", cfg.Engine.DeadlockInterval)

	fmt.Println(bold("breaker:"))
	fmt.Printf("  failure_threshold: %d\n", cfg.Breaker.FailureThreshold)
	fmt.Printf("  success_threshold: %d\n", cfg.Breaker.SuccessThreshold)
	fmt.Printf("  timeout:           %s\n", cfg.Breaker.Timeout)
	fmt.Printf("  half_open_limit:   %d\n", cfg.Breaker.HalfOpenLimit)

	fmt.Println(bold("balancer:"))
	fmt.Printf("  strategy:               %s\n", cfg.Balancer.Strategy)
	fmt.Printf("  steal_threshold:        %d\n", cfg.Balancer.StealThreshold)
	fmt.Printf("  max_steal_batch:        %d\n", cfg.Balancer.MaxStealBatch)
	fmt.Printf("  rebalance_interval:     %s\n", cfg.Balancer.RebalanceInterval)
	fmt.Printf("  load_sampling_interval: %s\n", cfg.Balancer.LoadSamplingInterval)
	fmt.Printf("  weights:                load=%.2f perf=%.2f capability=%.2f affinity=%.2f\n",
		cfg.Balancer.LoadWeight, cfg.Balancer.PerformanceWeight,
		cfg.Balancer.CapabilityWeight, cfg.Balancer.AffinityWeight)
	fmt.Printf("  prediction:             %t\n", cfg.Balancer.Prediction)

	fmt.Println(bold("executor:"))
	fmt.Printf("  kind:    %s\n", cfg.Executor.Kind)
	if cfg.Executor.Command != "" {
		fmt.Printf("  command: %s\n", cfg.Executor.Command)
	}
	if cfg.Executor.WorkDir != "" {
		fmt.Printf("  work_dir: %s\n", cfg.Executor.WorkDir)
	}
	fmt.Printf("  model:   %s\n", cfg.Executor.Model)
	fmt.Printf("  api_key: %s\n", maskSecret(cfg.Executor.APIKey))
	if cfg.Executor.UseBedrock {
		fmt.Printf("  bedrock: true (region %s)\n", cfg.Executor.AWSRegion)
	}

	fmt.Println(bold("store:"))
	if cfg.Store.Path == "" {
		fmt.Printf("  path: %s\n", dim("(disabled)"))
	} else {
		fmt.Printf("  path:      %s\n", cfg.Store.Path)
		fmt.Printf("  purge_age: %s\n", cfg.Store.PurgeAge)
	}

	fmt.Println(bold("log:"))
	fmt.Printf("  level:  %s\n", cfg.Log.Level)
	fmt.Printf("  format: %s\n", cfg.Log.Format)

	fmt.Println(bold("metrics:"))
	if cfg.Metrics.Addr == "" {
		fmt.Printf("  addr: %s\n", dim("(disabled)"))
	} else {
		fmt.Printf("  addr: %s\n", cfg.Metrics.Addr)
	}

	fmt.Println(bold("plans:"))
	fmt.Printf("  dir:   %s\n", cfg.Plans.Dir)
	fmt.Printf("  watch: %t\n", cfg.Plans.Watch)

	fmt.Println(bold("tui:"))
	fmt.Printf("  refresh_rate: %s\n", cfg.TUI.RefreshRate)

	return nil
}

func presence(path string) string {
	if _, err := os.Stat(path); err == nil {
		return color.GreenString("(present)")
	}
	return color.New(color.Faint).Sprint("(absent)")
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
