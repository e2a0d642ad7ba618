package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// fakeRunner records invocations and returns canned output.
type fakeRunner struct {
	output  []byte
	err     error
	workDir string
	env     []string
	name    string
	args    []string
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, workDir string, env []string, name string, args ...string) ([]byte, error) {
	f.calls++
	f.workDir = workDir
	f.env = env
	f.name = name
	f.args = args
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return f.output, f.err
}

func testTask(id string) *models.Task {
	return &models.Task{
		ID:        id,
		Type:      "build",
		Priority:  models.PriorityMedium,
		Status:    models.TaskStatusAssigned,
		CreatedAt: time.Now(),
	}
}

func testAgent(id string) *models.Agent {
	return &models.Agent{ID: id, Type: "worker"}
}

func TestExecutorFunc(t *testing.T) {
	called := false
	fn := ExecutorFunc(func(ctx context.Context, task *models.Task, agent *models.Agent) (*Result, error) {
		called = true
		return &Result{Output: "done"}, nil
	})

	res, err := fn.Execute(context.Background(), testTask("t1"), testAgent("a1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !called {
		t.Error("wrapped function was not called")
	}
	if res.Output != "done" {
		t.Errorf("Output = %q, want %q", res.Output, "done")
	}
}

func TestSimExecutor_Success(t *testing.T) {
	sim := NewSimExecutor(0)

	res, err := sim.Execute(context.Background(), testTask("t1"), testAgent("a1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(res.Output, "t1") || !strings.Contains(res.Output, "a1") {
		t.Errorf("Output = %q, want task and agent ids", res.Output)
	}
}

func TestSimExecutor_PayloadFail(t *testing.T) {
	sim := NewSimExecutor(0)
	task := testTask("t1")
	task.Payload = map[string]any{"fail": true}

	_, err := sim.Execute(context.Background(), task, testAgent("a1"))
	if err == nil {
		t.Fatal("expected error for task marked to fail")
	}
	var taskErr *models.TaskError
	if !errors.As(err, &taskErr) {
		t.Errorf("error type = %T, want *models.TaskError", err)
	}
}

func TestSimExecutor_DurationOverride(t *testing.T) {
	sim := NewSimExecutor(time.Hour)
	task := testTask("t1")
	task.Payload = map[string]any{"duration": "1ms"}

	done := make(chan struct{})
	go func() {
		sim.Execute(context.Background(), task, testAgent("a1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("payload duration override not honored")
	}
}

func TestSimExecutor_ContextCancel(t *testing.T) {
	sim := NewSimExecutor(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := sim.Execute(ctx, testTask("t1"), testAgent("a1"))
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestNewCommandExecutor_RequiresCommand(t *testing.T) {
	_, err := NewCommandExecutor(CommandConfig{})
	if err == nil {
		t.Error("expected error for empty command")
	}
}

func TestCommandExecutor_Execute(t *testing.T) {
	runner := &fakeRunner{output: []byte("  build ok\n")}
	exe, err := NewCommandExecutor(CommandConfig{
		Command: "worker.sh",
		Args:    []string{"--mode", "task"},
		WorkDir: "/work",
		Runner:  runner,
	})
	if err != nil {
		t.Fatalf("NewCommandExecutor failed: %v", err)
	}

	task := testTask("task-1")
	task.Description = "compile the tree"
	task.Payload = map[string]any{"target": "all"}

	res, err := exe.Execute(context.Background(), task, testAgent("agent-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Output != "build ok" {
		t.Errorf("Output = %q, want %q", res.Output, "build ok")
	}
	if runner.name != "worker.sh" {
		t.Errorf("command = %q, want worker.sh", runner.name)
	}
	if runner.workDir != "/work" {
		t.Errorf("workDir = %q, want /work", runner.workDir)
	}
	wantArgs := []string{"--mode", "task", "task-1"}
	if len(runner.args) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", runner.args, wantArgs)
	}
	for i, a := range wantArgs {
		if runner.args[i] != a {
			t.Errorf("args[%d] = %q, want %q", i, runner.args[i], a)
		}
	}

	wantEnv := []string{
		"DIRIGENT_TASK_ID=task-1",
		"DIRIGENT_TASK_TYPE=build",
		"DIRIGENT_AGENT_ID=agent-1",
		"DIRIGENT_TASK_DESCRIPTION=compile the tree",
	}
	envSet := make(map[string]bool, len(runner.env))
	for _, e := range runner.env {
		envSet[e] = true
		if strings.HasPrefix(e, "DIRIGENT_TASK_PAYLOAD=") && !strings.Contains(e, `"target":"all"`) {
			t.Errorf("payload env = %q, want target in JSON", e)
		}
	}
	for _, e := range wantEnv {
		if !envSet[e] {
			t.Errorf("env missing %q", e)
		}
	}
}

func TestCommandExecutor_Failure(t *testing.T) {
	runner := &fakeRunner{output: []byte("boom"), err: fmt.Errorf("exit status 1")}
	exe, err := NewCommandExecutor(CommandConfig{Command: "worker.sh", Runner: runner})
	if err != nil {
		t.Fatalf("NewCommandExecutor failed: %v", err)
	}

	_, err = exe.Execute(context.Background(), testTask("t1"), testAgent("a1"))
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	var taskErr *models.TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error type = %T, want *models.TaskError", err)
	}
	if !strings.Contains(taskErr.Reason, "boom") {
		t.Errorf("Reason = %q, want command output included", taskErr.Reason)
	}
}

func TestCommandExecutor_ContextCancelled(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("signal: terminated")}
	exe, err := NewCommandExecutor(CommandConfig{Command: "worker.sh", Runner: runner})
	if err != nil {
		t.Fatalf("NewCommandExecutor failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = exe.Execute(ctx, testTask("t1"), testAgent("a1"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNewAPIExecutor_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := NewAPIExecutor(APIConfig{})
	if err == nil {
		t.Error("expected error without API key")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  string
	}{
		{
			name:  "known model",
			model: "claude-sonnet-4-20250514",
			want:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		},
		{
			name:  "already bedrock format",
			model: "us.anthropic.claude-sonnet-4-20250514-v1:0",
			want:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		},
		{
			name:  "unknown model passes through",
			model: "custom-model",
			want:  "custom-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateModelForBedrock(anthropic.Model(tt.model))
			if string(got) != tt.want {
				t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestTaskPrompt(t *testing.T) {
	task := testTask("t1")
	task.Description = "fallback"
	if got := taskPrompt(task); got != "fallback" {
		t.Errorf("taskPrompt = %q, want description", got)
	}

	task.Payload = map[string]any{"prompt": "explicit"}
	if got := taskPrompt(task); got != "explicit" {
		t.Errorf("taskPrompt = %q, want payload prompt", got)
	}

	task.Payload = map[string]any{"prompt": ""}
	if got := taskPrompt(task); got != "fallback" {
		t.Errorf("taskPrompt = %q, want fallback for empty prompt", got)
	}
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(100, 50)
	tr.Add(200, 100)

	in, out := tr.Total()
	if in != 300 || out != 150 {
		t.Errorf("Total = (%d, %d), want (300, 150)", in, out)
	}
	if tr.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tr.Calls())
	}
	if tr.Cost() <= 0 {
		t.Error("Cost should be positive after usage")
	}

	tr.Reset()
	in, out = tr.Total()
	if in != 0 || out != 0 || tr.Calls() != 0 {
		t.Error("Reset did not clear tracker")
	}
}
