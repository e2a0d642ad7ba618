// Package config handles configuration loading for dirigent.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coordination engine and its
// surrounding surfaces.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Plans    PlansConfig    `mapstructure:"plans"`
	TUI      TUIConfig      `mapstructure:"tui"`
}

// EngineConfig holds core scheduling and resource settings.
type EngineConfig struct {
	// MaxConcurrentTasks caps how many tasks execute at once.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// MaxRetries is how many times a failing task is retried.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base backoff delay, doubled per attempt.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// ResourceTimeout bounds lock waits and single task attempts.
	ResourceTimeout time.Duration `mapstructure:"resource_timeout"`
	// MessageTimeout bounds event delivery before an event is dropped.
	MessageTimeout time.Duration `mapstructure:"message_timeout"`
	// DeadlockDetection enables the periodic wait-for cycle check.
	DeadlockDetection bool `mapstructure:"deadlock_detection"`
	// DeadlockInterval is how often the cycle check runs.
	DeadlockInterval time.Duration `mapstructure:"deadlock_interval"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold opens a breaker after this many failures.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold closes a half-open breaker after this many successes.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long an open breaker rejects before probing.
	Timeout time.Duration `mapstructure:"timeout"`
	// HalfOpenLimit caps concurrent trial calls while half-open.
	HalfOpenLimit int `mapstructure:"half_open_limit"`
}

// BalancerConfig holds load balancing and work stealing settings.
type BalancerConfig struct {
	// Strategy selects the scoring strategy.
	Strategy string `mapstructure:"strategy"`
	// StealThreshold is the queue depth that marks an agent overloaded.
	StealThreshold int `mapstructure:"steal_threshold"`
	// MaxStealBatch caps tasks moved per stealing operation.
	MaxStealBatch int `mapstructure:"max_steal_batch"`
	// RebalanceInterval is how often rebalancing runs.
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	// LoadSamplingInterval is how often utilization is sampled.
	LoadSamplingInterval time.Duration `mapstructure:"load_sampling_interval"`
	// LoadWeight weights current load in hybrid scoring.
	LoadWeight float64 `mapstructure:"load_weight"`
	// PerformanceWeight weights historical performance in hybrid scoring.
	PerformanceWeight float64 `mapstructure:"performance_weight"`
	// CapabilityWeight weights capability match in hybrid scoring.
	CapabilityWeight float64 `mapstructure:"capability_weight"`
	// AffinityWeight weights task-type affinity in hybrid scoring.
	AffinityWeight float64 `mapstructure:"affinity_weight"`
	// Prediction enables blending scores with the load predictor.
	Prediction bool `mapstructure:"prediction"`
}

// ExecutorConfig holds agent executor settings.
type ExecutorConfig struct {
	// Kind selects the executor: "command", "api", or "sim".
	Kind string `mapstructure:"kind"`
	// Command is the program run per task by the command executor.
	Command string `mapstructure:"command"`
	// WorkDir is the working directory for the command executor.
	WorkDir string `mapstructure:"work_dir"`
	// KillGrace is how long after SIGTERM before SIGKILL is sent.
	KillGrace time.Duration `mapstructure:"kill_grace"`
	// APIKey is the Anthropic API key for the api executor.
	APIKey string `mapstructure:"api_key"`
	// Model is the model used by the api executor.
	Model string `mapstructure:"model"`
	// UseBedrock routes api executor calls through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
	// RequestsPerSecond rate limits api executor calls.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// StoreConfig holds audit store settings.
type StoreConfig struct {
	// Path is the SQLite database file; empty disables the store.
	Path string `mapstructure:"path"`
	// PurgeAge removes audit rows older than this during maintenance.
	PurgeAge time.Duration `mapstructure:"purge_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables serving.
	Addr string `mapstructure:"addr"`
}

// PlansConfig holds plan file settings.
type PlansConfig struct {
	// Dir is the directory watched for plan files.
	Dir string `mapstructure:"dir"`
	// Watch enables automatic submission of new plan files.
	Watch bool `mapstructure:"watch"`
}

// TUIConfig holds monitor display settings.
type TUIConfig struct {
	// RefreshRate is how often the monitor requests a fresh snapshot.
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration with the following precedence, highest first:
// environment variables (DIRIGENT_* and ANTHROPIC_API_KEY), project
// config (.dirigent.yaml in the current directory or a parent), user
// config (~/.config/dirigent/config.yaml), then built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DIRIGENT")
	v.AutomaticEnv()
	v.BindEnv("executor.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Executor.APIKey = os.ExpandEnv(cfg.Executor.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Executor.APIKey = os.ExpandEnv(cfg.Executor.APIKey)
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file path if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_concurrent_tasks", 10)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_delay", "1s")
	v.SetDefault("engine.resource_timeout", "30s")
	v.SetDefault("engine.message_timeout", "100ms")
	v.SetDefault("engine.deadlock_detection", true)
	v.SetDefault("engine.deadlock_interval", "10s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.timeout", "60s")
	v.SetDefault("breaker.half_open_limit", 2)

	v.SetDefault("balancer.strategy", "hybrid")
	v.SetDefault("balancer.steal_threshold", 3)
	v.SetDefault("balancer.max_steal_batch", 5)
	v.SetDefault("balancer.rebalance_interval", "30s")
	v.SetDefault("balancer.load_sampling_interval", "5s")
	v.SetDefault("balancer.load_weight", 0.3)
	v.SetDefault("balancer.performance_weight", 0.25)
	v.SetDefault("balancer.capability_weight", 0.25)
	v.SetDefault("balancer.affinity_weight", 0.2)
	v.SetDefault("balancer.prediction", true)

	v.SetDefault("executor.kind", "command")
	v.SetDefault("executor.command", "")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.kill_grace", "5s")
	v.SetDefault("executor.api_key", "")
	v.SetDefault("executor.model", "")
	v.SetDefault("executor.use_bedrock", false)
	v.SetDefault("executor.aws_region", "")
	v.SetDefault("executor.aws_profile", "")
	v.SetDefault("executor.requests_per_second", 2.0)

	v.SetDefault("store.path", "")
	v.SetDefault("store.purge_age", "720h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("plans.dir", "plans")
	v.SetDefault("plans.watch", false)

	v.SetDefault("tui.refresh_rate", "500ms")
}

// getUserConfigDir returns the XDG config directory for dirigent.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dirigent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dirigent")
	}
	return filepath.Join(home, ".config", "dirigent")
}

// findProjectConfig searches for .dirigent.yaml in the current directory
// and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dirigent.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentTasks: 10,
			MaxRetries:         3,
			RetryDelay:         time.Second,
			ResourceTimeout:    30 * time.Second,
			MessageTimeout:     100 * time.Millisecond,
			DeadlockDetection:  true,
			DeadlockInterval:   10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          60 * time.Second,
			HalfOpenLimit:    2,
		},
		Balancer: BalancerConfig{
			Strategy:             "hybrid",
			StealThreshold:       3,
			MaxStealBatch:        5,
			RebalanceInterval:    30 * time.Second,
			LoadSamplingInterval: 5 * time.Second,
			LoadWeight:           0.3,
			PerformanceWeight:    0.25,
			CapabilityWeight:     0.25,
			AffinityWeight:       0.2,
			Prediction:           true,
		},
		Executor: ExecutorConfig{
			Kind:              "command",
			KillGrace:         5 * time.Second,
			RequestsPerSecond: 2.0,
		},
		Store: StoreConfig{
			PurgeAge: 720 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Plans: PlansConfig{
			Dir: "plans",
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}
