// Package coordination assembles the scheduler, resource locker, circuit
// breakers, load balancer, work stealer, and conflict resolver into one
// engine. The Manager owns the agent registry and the dispatch loop that
// moves ready tasks onto agents; everything else reaches the engine
// through its methods or the event stream.
package coordination

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dirigent-dev/dirigent/internal/balancer"
	"github.com/dirigent-dev/dirigent/internal/breaker"
	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/conflict"
	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/internal/executor"
	"github.com/dirigent-dev/dirigent/internal/metrics"
	"github.com/dirigent-dev/dirigent/internal/resource"
	"github.com/dirigent-dev/dirigent/internal/scheduler"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// conflictRetention is how long resolved conflicts stay queryable before
// the maintenance sweep drops them.
const conflictRetention = time.Hour

// attempt tracks one in-flight task execution. Preemption cancels the
// context and removes the entry; a removed attempt's outcome is void.
type attempt struct {
	agentID string
	cancel  context.CancelFunc
}

// Manager is the coordination engine. Construct with New, register
// agents, submit tasks, then call Run to start dispatching.
type Manager struct {
	cfg config.Config

	logger    *zap.Logger
	emitter   *events.Emitter
	sched     *scheduler.AdvancedScheduler
	resources *resource.Manager
	breakers  *breaker.Manager
	lb        *balancer.LoadBalancer
	stealer   *balancer.WorkStealingCoordinator
	resolver  *conflict.Resolver
	exec      executor.Executor
	store     *store.Store
	collector *metrics.Collector

	runID     string
	planLabel string
	now       func() time.Time

	mu        sync.Mutex
	agents    map[string]models.Agent
	inflight  map[string]*attempt
	running   bool
	stopped   bool
	finished  bool
	startedAt time.Time

	stopCh chan struct{}
	// wg tracks attempt goroutines; runWG tracks the Run invocation.
	wg    sync.WaitGroup
	runWG sync.WaitGroup
	sem   *semaphore.Weighted

	deadlocks atomic.Uint64
}

// New builds an engine from the given configuration. Zero-valued
// configuration fields fall back to the package defaults.
func New(cfg config.Config, opts ...Option) *Manager {
	normalize(&cfg)

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.executor == nil {
		o.executor = executor.NewSimExecutor(100 * time.Millisecond)
	}
	if o.collector == nil {
		o.collector = metrics.NewCollector()
	}
	if o.now == nil {
		o.now = time.Now
	}

	m := &Manager{
		cfg:       cfg,
		logger:    o.logger,
		exec:      o.executor,
		store:     o.store,
		collector: o.collector,
		runID:     uuid.New().String()[:8],
		planLabel: o.planLabel,
		now:       o.now,
		agents:    make(map[string]models.Agent),
		inflight:  make(map[string]*attempt),
		stopCh:    make(chan struct{}),
		sem:       semaphore.NewWeighted(int64(cfg.Engine.MaxConcurrentTasks)),
	}

	m.emitter = events.NewEmitter(o.emitterBuffer, cfg.Engine.MessageTimeout, m.logger)

	collector := o.collector
	m.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		HalfOpenLimit:    cfg.Breaker.HalfOpenLimit,
		OnStateChange: func(change breaker.StateChange) {
			collector.SetBreakerState(change.Name, change.To)
			collector.BreakerTransition(change.Name, change.To)
		},
	}, m.logger, m.emitter)

	m.lb = balancer.New(balancer.Config{
		Strategy: balancer.Strategy(cfg.Balancer.Strategy),
		Weights: balancer.Weights{
			Load:        cfg.Balancer.LoadWeight,
			Performance: cfg.Balancer.PerformanceWeight,
			Capability:  cfg.Balancer.CapabilityWeight,
			Affinity:    cfg.Balancer.AffinityWeight,
		},
		Prediction: cfg.Balancer.Prediction,
	}, m.logger)

	m.sched = scheduler.NewAdvanced(scheduler.Config{
		MaxRetries:     cfg.Engine.MaxRetries,
		RetryDelay:     cfg.Engine.RetryDelay,
		AttemptTimeout: cfg.Engine.ResourceTimeout,
	}, m.logger, m.emitter,
		scheduler.WithBalancer(m.lb),
		scheduler.WithBreakers(m.breakers),
	)

	m.resources = resource.NewManager(cfg.Engine.ResourceTimeout, m.logger, m.emitter)
	m.stealer = balancer.NewWorkStealingCoordinator(m.lb, m.sched.Scheduler, cfg.Balancer.MaxStealBatch, m.logger, m.emitter)
	m.resolver = conflict.NewResolver(m.logger, m.emitter, conflict.WithPriorityLookup(m.agentPriority))

	m.createRunRecord()
	return m
}

// normalize fills in defaults for engine fields the Manager reads
// directly. Component configs normalize themselves.
func normalize(cfg *config.Config) {
	def := config.Default()
	if cfg.Engine.MaxConcurrentTasks <= 0 {
		cfg.Engine.MaxConcurrentTasks = def.Engine.MaxConcurrentTasks
	}
	if cfg.Engine.ResourceTimeout <= 0 {
		cfg.Engine.ResourceTimeout = def.Engine.ResourceTimeout
	}
	if cfg.Engine.DeadlockInterval <= 0 {
		cfg.Engine.DeadlockInterval = def.Engine.DeadlockInterval
	}
	if cfg.Balancer.RebalanceInterval <= 0 {
		cfg.Balancer.RebalanceInterval = def.Balancer.RebalanceInterval
	}
	if cfg.Balancer.LoadSamplingInterval <= 0 {
		cfg.Balancer.LoadSamplingInterval = def.Balancer.LoadSamplingInterval
	}
	if cfg.Balancer.StealThreshold <= 0 {
		cfg.Balancer.StealThreshold = def.Balancer.StealThreshold
	}
}

// RunID identifies this engine instance in the audit store and logs.
func (m *Manager) RunID() string {
	return m.runID
}

// Events returns the engine's event stream. There is a single stream;
// exactly one consumer should read it.
func (m *Manager) Events() <-chan events.Event {
	return m.emitter.Events()
}

// Collector returns the Prometheus collector recording engine metrics.
func (m *Manager) Collector() *metrics.Collector {
	return m.collector
}

// Scheduler exposes the task scheduler for inspection.
func (m *Manager) Scheduler() *scheduler.AdvancedScheduler {
	return m.sched
}

// Resources exposes the resource lock manager for inspection.
func (m *Manager) Resources() *resource.Manager {
	return m.resources
}

// Breakers exposes the circuit breaker manager for inspection and
// operational overrides.
func (m *Manager) Breakers() *breaker.Manager {
	return m.breakers
}

// Resolver exposes the conflict resolver.
func (m *Manager) Resolver() *conflict.Resolver {
	return m.resolver
}

// RegisterAgent adds an agent to the pool. The descriptor is copied;
// later caller mutations are not observed. MaxConcurrent values below
// one are raised to one.
func (m *Manager) RegisterAgent(agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return &models.CoordinationError{Op: "register", Reason: "agent has no id"}
	}

	a := *agent
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = 1
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = m.now()
	}

	m.mu.Lock()
	if _, exists := m.agents[a.ID]; exists {
		m.mu.Unlock()
		return &models.CoordinationError{Op: "register", Reason: "agent " + a.ID + " already registered"}
	}
	m.agents[a.ID] = a
	m.mu.Unlock()

	// Warm the agent's breaker so state queries include it immediately.
	m.breakers.Get(a.ID)
	m.collector.SetBreakerState(a.ID, breaker.StateClosed)

	m.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("type", a.Type),
		zap.Int("max_concurrent", a.MaxConcurrent))
	m.sched.Notify()
	return nil
}

// DeregisterAgent removes an agent gracefully: in-flight attempts are
// preempted, its tasks return to the queue for reassignment, and its
// resource locks are released.
func (m *Manager) DeregisterAgent(agentID string) error {
	m.mu.Lock()
	if _, exists := m.agents[agentID]; !exists {
		m.mu.Unlock()
		return &models.CoordinationError{Op: "deregister", Reason: "agent " + agentID + " not registered"}
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.preemptAgentAttempts(agentID)
	// The lock-held gauge is settled by the preempted attempts as they
	// unwind, so only the releases themselves happen here.
	released := m.resources.ReleaseAllForAgent(agentID)
	rescheduled := m.sched.RescheduleAgentTasks(agentID)
	m.lb.Forget(agentID)
	m.collector.DropAgent(agentID)

	m.logger.Info("agent deregistered",
		zap.String("agent_id", agentID),
		zap.Int("locks_released", len(released)),
		zap.Int("tasks_rescheduled", len(rescheduled)))
	m.sched.Notify()
	return nil
}

// HandleAgentTerminated reacts to an external notice that an agent died
// mid-work. Unlike DeregisterAgent its tasks are cancelled, not
// rescheduled: whatever partial work the agent did is unaccounted for.
func (m *Manager) HandleAgentTerminated(agentID string) {
	m.mu.Lock()
	_, known := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.preemptAgentAttempts(agentID)
	released := m.resources.ReleaseAllForAgent(agentID)
	cancelled := m.sched.CancelAgentTasks(agentID)
	m.lb.Forget(agentID)
	m.collector.DropAgent(agentID)

	m.logger.Warn("agent terminated",
		zap.String("agent_id", agentID),
		zap.Bool("was_registered", known),
		zap.Int("locks_released", len(released)),
		zap.Int("tasks_cancelled", len(cancelled)))
	m.syncTasks(cancelled)
	m.sched.Notify()
}

// Agents returns the registered agents sorted by ID.
func (m *Manager) Agents() []models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentsLocked()
}

func (m *Manager) agentsLocked() []models.Agent {
	out := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sortAgents(out)
	return out
}

// Submit queues a task for execution once its dependencies complete.
func (m *Manager) Submit(task *models.Task) error {
	if err := m.sched.Submit(task); err != nil {
		return err
	}
	m.persistTask(task.ID)
	return nil
}

// SubmitAll queues a batch atomically: either every task is accepted or
// none are.
func (m *Manager) SubmitAll(tasks []*models.Task) error {
	if err := m.sched.SubmitAll(tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		m.persistTask(t.ID)
	}
	return nil
}

// ReportConflict records contention between agents for later
// arbitration.
func (m *Manager) ReportConflict(kind models.ConflictKind, agents []string, subject string) (*models.Conflict, error) {
	c, err := m.resolver.Report(kind, agents, subject)
	if err != nil {
		return nil, err
	}
	m.collector.ConflictReported(string(kind))
	m.persistConflict(c.ID)
	return c, nil
}

// ResolveConflict arbitrates a reported conflict under the given
// strategy. The context supplies strategy inputs the engine does not
// track itself, such as votes; agent priorities default to the
// registry's values.
func (m *Manager) ResolveConflict(conflictID string, strategy conflict.Strategy, vctx *conflict.Context) (*models.Resolution, error) {
	res, err := m.resolver.Resolve(conflictID, strategy, vctx)
	if err != nil {
		return nil, err
	}
	m.collector.ConflictResolved(string(strategy))
	m.persistConflict(conflictID)
	return res, nil
}

// agentPriority reports a registered agent's arbitration weight.
// Unknown agents weigh zero.
func (m *Manager) agentPriority(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		return a.Priority
	}
	return 0
}

// preemptAgentAttempts cancels every in-flight attempt owned by the
// agent and voids their outcomes. Returns how many were preempted.
func (m *Manager) preemptAgentAttempts(agentID string) int {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for taskID, att := range m.inflight {
		if att.agentID == agentID {
			cancels = append(cancels, att.cancel)
			delete(m.inflight, taskID)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// AwaitIdle blocks until no task is queued, running, or awaiting retry,
// or the context expires.
func (m *Manager) AwaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.sched.Pending() && m.inflightCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) inflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Stop shuts the engine down: dispatch halts, in-flight attempts are
// cancelled and drained, state is flushed to the store, and the event
// channel closes. Stop is idempotent; the Manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.runWG.Wait()
	m.sched.Stop()

	m.finishRunRecord(store.RunCanceled)
	m.syncStore()
	m.emitter.Close()
	m.logger.Info("engine stopped", zap.String("run_id", m.runID))
}

// Persistence helpers. All are no-ops without a store; failures are
// logged and never interrupt coordination.

func (m *Manager) createRunRecord() {
	if m.store == nil {
		return
	}
	err := m.store.CreateRun(&store.Run{
		ID:        m.runID,
		Plan:      m.planLabel,
		Status:    store.RunActive,
		StartedAt: m.now(),
	})
	if err != nil {
		m.logger.Warn("persist run", zap.String("run_id", m.runID), zap.Error(err))
	}
}

func (m *Manager) finishRunRecord(status store.RunStatus) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	completed, failed, _, _ := m.sched.Totals()
	if err := m.store.FinishRun(m.runID, status, int(completed), int(failed)); err != nil {
		m.logger.Warn("persist run finish", zap.String("run_id", m.runID), zap.Error(err))
	}
}

func (m *Manager) persistTask(taskID string) {
	if m.store == nil {
		return
	}
	task, ok := m.sched.Get(taskID)
	if !ok {
		return
	}
	if err := m.store.SaveTask(m.runID, task); err != nil {
		m.logger.Warn("persist task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (m *Manager) syncTasks(taskIDs []string) {
	for _, id := range taskIDs {
		m.persistTask(id)
	}
}

func (m *Manager) persistConflict(conflictID string) {
	if m.store == nil {
		return
	}
	c, ok := m.resolver.Get(conflictID)
	if !ok {
		return
	}
	if err := m.store.SaveConflict(m.runID, c); err != nil {
		m.logger.Warn("persist conflict", zap.String("conflict_id", conflictID), zap.Error(err))
	}
}

// syncStore writes every known task to the store. Run during
// maintenance and at shutdown so the audit trail survives crashes
// between per-operation writes.
func (m *Manager) syncStore() {
	if m.store == nil {
		return
	}
	for _, task := range m.sched.Tasks() {
		if err := m.store.SaveTask(m.runID, task); err != nil {
			m.logger.Warn("persist task", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
	}
}
