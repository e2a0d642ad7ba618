//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/coordination"
	"github.com/dirigent-dev/dirigent/internal/executor"
	"github.com/dirigent-dev/dirigent/internal/plan"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// engineConfig returns engine settings tuned for fast test runs.
// Capability-based selection makes task placement deterministic, so the
// tests can assert which agent ran what.
func engineConfig() config.Config {
	cfg := *config.Default()
	cfg.Engine.MaxConcurrentTasks = 4
	cfg.Engine.MaxRetries = 1
	cfg.Engine.RetryDelay = 10 * time.Millisecond
	cfg.Engine.DeadlockDetection = false
	cfg.Balancer.Strategy = "capability-based"
	cfg.Balancer.RebalanceInterval = time.Hour
	cfg.Balancer.LoadSamplingInterval = 20 * time.Millisecond
	return cfg
}

func awaitDrained(t *testing.T, m *coordination.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.AwaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}
}

const pipelinePlan = `name: pipeline
agents:
  - id: builder-1
    type: build
    max_concurrent: 2
    tools: [compiler]
    languages: [go]
  - id: checker-1
    type: check
    tools: [linter]
tasks:
  - id: fetch
    type: io
    priority: high
  - id: build
    type: build
    depends_on: [fetch]
    resources: [build-cache]
    payload:
      required_capabilities: [compiler]
  - id: lint
    type: check
    depends_on: [build]
    payload:
      required_capabilities: [linter]
  - id: report
    type: io
    priority: low
    depends_on: [lint]
`

// TestPlanFileDrivesEngine loads a plan from disk, feeds its agents and
// tasks to the engine, and verifies every task completes on an agent
// carrying the capabilities the task asked for.
func TestPlanFileDrivesEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(pipelinePlan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	p, err := plan.Load(path)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	order, err := p.Validate()
	if err != nil {
		t.Fatalf("validate plan: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("suggested order has %d tasks, want 4", len(order))
	}

	m := coordination.New(engineConfig(),
		coordination.WithExecutor(executor.NewSimExecutor(time.Millisecond)),
		coordination.WithPlanLabel(p.Name))
	for _, agent := range p.AgentModels() {
		if err := m.RegisterAgent(agent); err != nil {
			t.Fatalf("register %s: %v", agent.ID, err)
		}
	}
	if err := m.SubmitAll(p.Models()); err != nil {
		t.Fatalf("submit plan tasks: %v", err)
	}

	go m.Run(context.Background())
	awaitDrained(t, m)
	m.Stop()

	// The build and lint steps require capabilities only one agent has.
	wantAgent := map[string]string{"build": "builder-1", "lint": "checker-1"}
	for _, spec := range p.Tasks {
		task, ok := m.Scheduler().Get(spec.ID)
		if !ok {
			t.Fatalf("task %s missing after run", spec.ID)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s: status %s, want completed", spec.ID, task.Status)
		}
		if want := wantAgent[spec.ID]; want != "" && task.AssignedTo != want {
			t.Errorf("task %s ran on %s, want %s", spec.ID, task.AssignedTo, want)
		}
	}

	em := m.Metrics()
	if em.TasksCompleted != 4 {
		t.Errorf("metrics report %d completed, want 4", em.TasksCompleted)
	}
	if em.TasksFailed != 0 {
		t.Errorf("metrics report %d failed, want 0", em.TasksFailed)
	}
}
