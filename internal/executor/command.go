package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// CommandRunner abstracts subprocess execution so tests can substitute a
// fake. The command's environment receives the variables in env on top of
// the parent environment.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, env []string, name string, args ...string) (output []byte, err error)
}

// ExecRunner implements CommandRunner using os/exec. On context
// cancellation it sends SIGTERM and escalates to SIGKILL once the kill
// grace period elapses.
type ExecRunner struct {
	// KillGrace is how long after SIGTERM before the process is killed.
	KillGrace time.Duration
}

// NewExecRunner creates an ExecRunner with the given kill grace period.
func NewExecRunner(killGrace time.Duration) *ExecRunner {
	return &ExecRunner{KillGrace: killGrace}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, workDir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace
	return cmd.CombinedOutput()
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	// Command is the program invoked once per task.
	Command string
	// Args are fixed arguments passed before the task ID.
	Args []string
	// WorkDir is the working directory for each invocation.
	WorkDir string
	// KillGrace is how long after SIGTERM before SIGKILL.
	KillGrace time.Duration
	// Runner overrides the default ExecRunner (used in tests).
	Runner CommandRunner
	// Logger receives per-attempt logging; nil means no logging.
	Logger *zap.Logger
}

// CommandExecutor runs each task as a subprocess of a configured command.
// The task is described to the subprocess through DIRIGENT_* environment
// variables; combined output becomes the task result.
type CommandExecutor struct {
	command string
	args    []string
	workDir string
	runner  CommandRunner
	logger  *zap.Logger
}

// NewCommandExecutor creates a CommandExecutor.
func NewCommandExecutor(cfg CommandConfig) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command executor requires a command")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewExecRunner(cfg.KillGrace)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		runner:  runner,
		logger:  logger,
	}, nil
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
	env := []string{
		"DIRIGENT_TASK_ID=" + task.ID,
		"DIRIGENT_TASK_TYPE=" + task.Type,
		"DIRIGENT_AGENT_ID=" + agent.ID,
	}
	if task.Description != "" {
		env = append(env, "DIRIGENT_TASK_DESCRIPTION="+task.Description)
	}
	if len(task.Payload) > 0 {
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal task payload: %w", err)
		}
		env = append(env, "DIRIGENT_TASK_PAYLOAD="+string(payload))
	}

	args := append(append([]string(nil), e.args...), task.ID)
	e.logger.Debug("running task command",
		zap.String("task", task.ID),
		zap.String("agent", agent.ID),
		zap.String("command", e.command))

	start := time.Now()
	out, err := e.runner.Run(ctx, e.workDir, env, e.command, args...)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := err.Error()
		if len(out) > 0 {
			reason = fmt.Sprintf("%v: %s", err, truncate(string(out), 200))
		}
		return nil, &models.TaskError{TaskID: task.ID, Op: "execute", Reason: reason}
	}

	return &Result{
		Output:   strings.TrimSpace(string(out)),
		Duration: elapsed,
	}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Verify CommandExecutor implements Executor at compile time.
var _ Executor = (*CommandExecutor)(nil)
