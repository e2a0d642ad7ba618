// Package executor defines how assigned tasks are carried out.
// The coordination engine hands each task to an Executor and routes the
// outcome back through the scheduler; implementations cover subprocess
// agents, direct Anthropic API agents, and an in-process simulator.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Result is the outcome of one successful execution attempt.
type Result struct {
	// Output is the textual result produced by the agent.
	Output string
	// TokensIn and TokensOut record API token usage, when applicable.
	TokensIn  int64
	TokensOut int64
	// Duration is how long the attempt took.
	Duration time.Duration
}

// Executor runs a task on behalf of an agent. Execute must honor context
// cancellation; the engine cancels the context on attempt timeout and on
// shutdown.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
	return f(ctx, task, agent)
}

// SimExecutor simulates task execution for dry runs and demos. Each task
// sleeps for the configured delay (or a per-task override from the
// payload key "duration"), then succeeds, unless the payload key "fail"
// is set.
type SimExecutor struct {
	// Delay is the simulated work time per task.
	Delay time.Duration
}

// NewSimExecutor creates a simulator with the given base delay.
func NewSimExecutor(delay time.Duration) *SimExecutor {
	return &SimExecutor{Delay: delay}
}

// Execute implements Executor.
func (s *SimExecutor) Execute(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
	delay := s.Delay
	if raw, ok := task.Payload["duration"]; ok {
		if d, err := parseDuration(raw); err == nil {
			delay = d
		}
	}

	start := time.Now()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if fail, ok := task.Payload["fail"].(bool); ok && fail {
		return nil, &models.TaskError{TaskID: task.ID, Op: "simulate", Reason: "task marked to fail"}
	}

	return &Result{
		Output:   fmt.Sprintf("simulated %s on %s", task.ID, agent.ID),
		Duration: time.Since(start),
	}, nil
}

// parseDuration accepts a duration string or a number of seconds, the two
// forms a YAML payload produces.
func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unsupported duration type %T", raw)
	}
}
