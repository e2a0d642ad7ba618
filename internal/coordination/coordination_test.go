package coordination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/conflict"
	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/internal/executor"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Engine.MaxConcurrentTasks = 4
	cfg.Engine.MaxRetries = 2
	cfg.Engine.RetryDelay = 10 * time.Millisecond
	cfg.Engine.ResourceTimeout = 2 * time.Second
	cfg.Engine.DeadlockDetection = false
	cfg.Balancer.LoadSamplingInterval = 20 * time.Millisecond
	cfg.Balancer.RebalanceInterval = time.Hour
	return cfg
}

func testAgent(id string, maxConcurrent int) *models.Agent {
	return &models.Agent{
		ID:            id,
		Type:          "worker",
		MaxConcurrent: maxConcurrent,
		Capabilities:  models.Capabilities{Domains: []string{"backend"}},
	}
}

func fastExecutor() executor.Executor {
	return executor.NewSimExecutor(time.Millisecond)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder drains the engine's event stream into a slice so tests
// can assert on it after the channel closes.
type eventRecorder struct {
	mu   sync.Mutex
	evs  []events.Event
	done chan struct{}
}

func recordEvents(m *Manager) *eventRecorder {
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range m.Events() {
			r.mu.Lock()
			r.evs = append(r.evs, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

// wait blocks until the event channel has closed and returns everything
// recorded.
func (r *eventRecorder) wait() []events.Event {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func (r *eventRecorder) indexOf(evType events.Type, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.evs {
		if ev.Type == evType && ev.TaskID == taskID {
			return i
		}
	}
	return -1
}

func TestRegisterAgent(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	defer m.Stop()

	if err := m.RegisterAgent(testAgent("b", 2)); err != nil {
		t.Fatalf("register returned %v", err)
	}
	if err := m.RegisterAgent(testAgent("a", 0)); err != nil {
		t.Fatalf("register returned %v", err)
	}
	if err := m.RegisterAgent(testAgent("a", 1)); err == nil {
		t.Error("expected error registering duplicate agent")
	}
	if err := m.RegisterAgent(&models.Agent{}); err == nil {
		t.Error("expected error registering agent without id")
	}
	if err := m.RegisterAgent(nil); err == nil {
		t.Error("expected error registering nil agent")
	}

	agents := m.Agents()
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].ID != "a" || agents[1].ID != "b" {
		t.Errorf("expected agents sorted [a b], got [%s %s]", agents[0].ID, agents[1].ID)
	}
	if agents[0].MaxConcurrent != 1 {
		t.Errorf("expected zero max concurrency raised to 1, got %d", agents[0].MaxConcurrent)
	}

	states := m.Breakers().States()
	if len(states) != 2 {
		t.Errorf("expected a breaker per agent, got %d", len(states))
	}
}

func TestDeregisterAgent(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	defer m.Stop()

	m.RegisterAgent(testAgent("a", 1))
	m.RegisterAgent(testAgent("b", 1))

	if err := m.DeregisterAgent("a"); err != nil {
		t.Fatalf("deregister returned %v", err)
	}
	if got := len(m.Agents()); got != 1 {
		t.Errorf("expected 1 agent after deregister, got %d", got)
	}
	if err := m.DeregisterAgent("a"); err == nil {
		t.Error("expected error deregistering unknown agent")
	}
}

func TestRunLifecycle(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	m.RegisterAgent(testAgent("agent-1", 2))
	m.RegisterAgent(testAgent("agent-2", 2))

	tasks := []*models.Task{
		{ID: "fetch", Type: "io"},
		{ID: "build", Type: "cpu", DependsOn: []string{"fetch"}},
		{ID: "verify", Type: "cpu", DependsOn: []string{"build"}},
	}
	if err := m.SubmitAll(tasks); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	rec := recordEvents(m)
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.AwaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}

	for _, id := range []string{"fetch", "build", "verify"} {
		task, ok := m.Scheduler().Get(id)
		if !ok {
			t.Fatalf("task %s missing", id)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s: expected completed, got %s", id, task.Status)
		}
		if task.AssignedTo == "" {
			t.Errorf("task %s: expected an assigned agent", id)
		}
	}

	m.Stop()
	if err := <-runDone; err != nil {
		t.Errorf("run returned %v", err)
	}
	evs := rec.wait()

	// Per-task ordering: the start event is emitted before the attempt
	// launches, so it must precede that task's completion.
	for _, id := range []string{"fetch", "build", "verify"} {
		started := rec.indexOf(events.TaskStarted, id)
		completed := rec.indexOf(events.TaskCompleted, id)
		if started < 0 || completed < 0 {
			t.Fatalf("task %s: missing started/completed events (%d events total)", id, len(evs))
		}
		if started > completed {
			t.Errorf("task %s: started at index %d after completed at %d", id, started, completed)
		}
	}

	em := m.Metrics()
	if em.TasksCompleted != 3 {
		t.Errorf("expected 3 completed, got %d", em.TasksCompleted)
	}
	if em.TasksFailed != 0 || em.Retries != 0 {
		t.Errorf("expected no failures or retries, got %d/%d", em.TasksFailed, em.Retries)
	}
	if em.Breakers.TotalCalls < 3 {
		t.Errorf("expected at least 3 breaker calls, got %d", em.Breakers.TotalCalls)
	}

	snap := m.Snapshot()
	if snap.RunID != m.RunID() {
		t.Errorf("snapshot run id %q, want %q", snap.RunID, m.RunID())
	}
	if snap.TaskCounts[models.TaskStatusCompleted] != 3 {
		t.Errorf("snapshot counts: expected 3 completed, got %d", snap.TaskCounts[models.TaskStatusCompleted])
	}
	if snap.InFlight != 0 {
		t.Errorf("snapshot: expected 0 in flight, got %d", snap.InFlight)
	}
	if len(snap.Agents) != 2 {
		t.Errorf("snapshot: expected 2 agents, got %d", len(snap.Agents))
	}
}

func TestRunGuards(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	m.RegisterAgent(testAgent("a", 1))

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()
	waitFor(t, time.Second, "engine to start", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	})

	err := m.Run(context.Background())
	var coordErr *models.CoordinationError
	if !errors.As(err, &coordErr) {
		t.Fatalf("expected CoordinationError from concurrent run, got %v", err)
	}

	m.Stop()
	if err := <-runDone; err != nil {
		t.Errorf("first run returned %v", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Error("expected error running a stopped engine")
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	m.RegisterAgent(testAgent("a", 1))
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()
	waitFor(t, time.Second, "engine to start", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	})

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}

func TestRetryThenTerminalFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxRetries = 1

	boom := executor.ExecutorFunc(func(ctx context.Context, task *models.Task, agent *models.Agent) (*executor.Result, error) {
		return nil, errors.New("boom")
	})
	m := New(cfg, WithExecutor(boom))
	m.RegisterAgent(testAgent("a", 1))

	if err := m.Submit(&models.Task{ID: "doomed", Type: "cpu"}); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	rec := recordEvents(m)
	go m.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.AwaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}

	task, _ := m.Scheduler().Get("doomed")
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", task.RetryCount)
	}

	em := m.Metrics()
	if em.TasksFailed != 1 {
		t.Errorf("expected 1 failed, got %d", em.TasksFailed)
	}
	if em.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", em.Retries)
	}

	m.Stop()
	evs := rec.wait()
	failedSeen := false
	for _, ev := range evs {
		if ev.Type == events.TaskFailed && ev.TaskID == "doomed" {
			failedSeen = true
		}
	}
	if !failedSeen {
		t.Error("expected a task failure event")
	}
}

func TestSharedResourceSerializesExecution(t *testing.T) {
	var active, peak int32
	exclusive := executor.ExecutorFunc(func(ctx context.Context, task *models.Task, agent *models.Agent) (*executor.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		defer atomic.AddInt32(&active, -1)
		time.Sleep(20 * time.Millisecond)
		return &executor.Result{Output: "ok"}, nil
	})

	m := New(testConfig(), WithExecutor(exclusive))
	m.RegisterAgent(testAgent("a", 2))
	m.RegisterAgent(testAgent("b", 2))

	err := m.SubmitAll([]*models.Task{
		{ID: "writer-1", Type: "io", Resources: []string{"db"}},
		{ID: "writer-2", Type: "io", Resources: []string{"db"}},
	})
	if err != nil {
		t.Fatalf("submit returned %v", err)
	}

	go m.Run(context.Background())
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.AwaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}

	for _, id := range []string{"writer-1", "writer-2"} {
		task, _ := m.Scheduler().Get(id)
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s: expected completed, got %s", id, task.Status)
		}
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("expected lock to serialize execution, saw %d concurrent", got)
	}
	if allocations := m.Resources().Allocations(); len(allocations) != 0 {
		t.Errorf("expected all locks released, got %v", allocations)
	}
}

func TestHandleAgentTerminated(t *testing.T) {
	block := executor.ExecutorFunc(func(ctx context.Context, task *models.Task, agent *models.Agent) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := New(testConfig(), WithExecutor(block))
	m.RegisterAgent(testAgent("doomed-agent", 1))

	if err := m.Submit(&models.Task{ID: "orphan", Type: "cpu", Resources: []string{"db"}}); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	go m.Run(context.Background())
	defer m.Stop()

	waitFor(t, 2*time.Second, "task to start", func() bool {
		task, ok := m.Scheduler().Get("orphan")
		return ok && task.Status == models.TaskStatusRunning
	})
	waitFor(t, 2*time.Second, "lock to be held", func() bool {
		return len(m.Resources().Allocations()) == 1
	})

	m.HandleAgentTerminated("doomed-agent")

	waitFor(t, 2*time.Second, "task to cancel", func() bool {
		task, _ := m.Scheduler().Get("orphan")
		return task.Status == models.TaskStatusCancelled
	})
	if allocations := m.Resources().Allocations(); len(allocations) != 0 {
		t.Errorf("expected locks released on termination, got %v", allocations)
	}
	if got := len(m.Agents()); got != 0 {
		t.Errorf("expected empty registry, got %d agents", got)
	}

	// Terminating an unknown agent is a quiet no-op.
	m.HandleAgentTerminated("never-seen")
}

func TestDeregisterReschedulesWork(t *testing.T) {
	var attempts atomic.Int32
	exec := executor.ExecutorFunc(func(ctx context.Context, task *models.Task, agent *models.Agent) (*executor.Result, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &executor.Result{Output: "done on " + agent.ID}, nil
	})

	m := New(testConfig(), WithExecutor(exec))
	m.RegisterAgent(testAgent("first", 1))

	if err := m.Submit(&models.Task{ID: "movable", Type: "cpu"}); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	go m.Run(context.Background())
	defer m.Stop()

	waitFor(t, 2*time.Second, "task to start on first agent", func() bool {
		task, ok := m.Scheduler().Get("movable")
		return ok && task.Status == models.TaskStatusRunning && task.AssignedTo == "first"
	})

	m.RegisterAgent(testAgent("second", 1))
	if err := m.DeregisterAgent("first"); err != nil {
		t.Fatalf("deregister returned %v", err)
	}

	waitFor(t, 3*time.Second, "task to finish on the second agent", func() bool {
		task, _ := m.Scheduler().Get("movable")
		return task.Status == models.TaskStatusCompleted
	})
	task, _ := m.Scheduler().Get("movable")
	if task.AssignedTo != "second" {
		t.Errorf("expected task to finish on agent second, got %q", task.AssignedTo)
	}
	if task.RetryCount != 0 {
		t.Errorf("preemption should not count as a retry, got %d", task.RetryCount)
	}
}

func TestConflictReportAndResolve(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	defer m.Stop()

	m.RegisterAgent(&models.Agent{ID: "senior", MaxConcurrent: 1, Priority: 10})
	m.RegisterAgent(&models.Agent{ID: "junior", MaxConcurrent: 1, Priority: 1})

	c, err := m.ReportConflict(models.ConflictResource, []string{"senior", "junior"}, "db")
	if err != nil {
		t.Fatalf("report returned %v", err)
	}
	if len(m.Snapshot().Unresolved) != 1 {
		t.Fatal("expected one unresolved conflict in snapshot")
	}

	// Priority arbitration pulls weights from the agent registry.
	res, err := m.ResolveConflict(c.ID, conflict.StrategyPriority, nil)
	if err != nil {
		t.Fatalf("resolve returned %v", err)
	}
	if res.WinnerID != "senior" {
		t.Errorf("expected senior to win priority arbitration, got %q", res.WinnerID)
	}
	if m.Metrics().ConflictsResolved != 1 {
		t.Errorf("expected 1 resolved conflict, got %d", m.Metrics().ConflictsResolved)
	}
}

func TestAwaitIdleHonorsContext(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	defer m.Stop()

	if err := m.Submit(&models.Task{ID: "stuck", Type: "cpu"}); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	// The engine is not running, so the task never drains.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.AwaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(testConfig(), WithExecutor(fastExecutor()))
	m.Stop()
	m.Stop()

	if _, open := <-m.Events(); open {
		t.Error("expected event channel closed after stop")
	}
}

func TestStorePersistence(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	m := New(testConfig(), WithExecutor(fastExecutor()), WithStore(s), WithPlanLabel("unit-plan"))
	m.RegisterAgent(testAgent("a", 2))
	if err := m.SubmitAll([]*models.Task{
		{ID: "persist-1", Type: "io"},
		{ID: "persist-2", Type: "io", DependsOn: []string{"persist-1"}},
	}); err != nil {
		t.Fatalf("submit returned %v", err)
	}

	go m.Run(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.AwaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}
	m.Stop()

	run, err := s.GetRun(m.RunID())
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil {
		t.Fatal("expected a run row")
	}
	if run.Plan != "unit-plan" {
		t.Errorf("expected plan label unit-plan, got %q", run.Plan)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("expected run completed, got %s", run.Status)
	}
	if run.TasksCompleted != 2 {
		t.Errorf("expected 2 completed in run row, got %d", run.TasksCompleted)
	}

	tasks, err := s.ListTasks(m.RunID(), nil)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 task rows, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s: expected completed row, got %s", task.ID, task.Status)
		}
	}
}
