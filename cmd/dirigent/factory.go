package main

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/executor"
)

// newExecutor builds the executor selected by configuration. "command"
// runs a subprocess per task, "api" calls the Anthropic API, and "sim"
// simulates work for dry runs.
func newExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (executor.Executor, error) {
	switch cfg.Kind {
	case "command":
		program, args := splitCommand(cfg.Command)
		if program == "" {
			return nil, fmt.Errorf("executor.command is not set; configure a command or use --executor sim")
		}
		return executor.NewCommandExecutor(executor.CommandConfig{
			Command:   program,
			Args:      args,
			WorkDir:   cfg.WorkDir,
			KillGrace: cfg.KillGrace,
			Logger:    logger,
		})

	case "api":
		return executor.NewAPIExecutor(executor.APIConfig{
			Model:             cfg.Model,
			APIKey:            cfg.APIKey,
			UseBedrock:        cfg.UseBedrock,
			AWSRegion:         cfg.AWSRegion,
			AWSProfile:        cfg.AWSProfile,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            logger,
		})

	case "sim":
		return executor.NewSimExecutor(50 * time.Millisecond), nil

	default:
		return nil, fmt.Errorf("unknown executor kind %q: must be command, api, or sim", cfg.Kind)
	}
}

// splitCommand splits a configured command line into program and fixed
// arguments.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
