package coordination

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dirigent-dev/dirigent/internal/executor"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// dispatchBackstop bounds how long the dispatch loop sleeps between
// passes when no wake signal arrives.
const dispatchBackstop = 100 * time.Millisecond

// Run starts the engine's loops and blocks until ctx is cancelled or
// Stop is called. Stopping via Stop returns nil; external cancellation
// returns the context error.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return &models.CoordinationError{Op: "run", Reason: "engine already stopped"}
	}
	if m.running {
		m.mu.Unlock()
		return &models.CoordinationError{Op: "run", Reason: "engine already running"}
	}
	m.running = true
	m.startedAt = m.now()
	m.runWG.Add(1)
	m.mu.Unlock()
	defer m.runWG.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	m.logger.Info("engine running",
		zap.String("run_id", m.runID),
		zap.Int("max_concurrent_tasks", m.cfg.Engine.MaxConcurrentTasks),
		zap.Bool("deadlock_detection", m.cfg.Engine.DeadlockDetection))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.dispatchLoop(gctx) })
	g.Go(func() error { return m.maintenanceLoop(gctx) })
	g.Go(func() error { return m.samplingLoop(gctx) })
	g.Go(func() error { return m.rebalanceLoop(gctx) })
	if m.cfg.Engine.DeadlockDetection {
		g.Go(func() error { return m.deadlockLoop(gctx) })
	}

	err := g.Wait()
	m.wg.Wait()

	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Stop ended the run; that is a clean shutdown, not an error.
		err = nil
	}

	status := store.RunCompleted
	switch {
	case ctx.Err() != nil:
		status = store.RunCanceled
	case err != nil:
		status = store.RunFailed
	}
	m.finishRunRecord(status)

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	completed, failed, cancelled, retries := m.sched.Totals()
	m.logger.Info("engine run finished",
		zap.String("run_id", m.runID),
		zap.Uint64("completed", completed),
		zap.Uint64("failed", failed),
		zap.Uint64("cancelled", cancelled),
		zap.Uint64("retries", retries))
	return err
}

// dispatchLoop moves ready tasks onto agents. It wakes on scheduler
// signals and on a short backstop timer that catches state changes the
// signals miss.
func (m *Manager) dispatchLoop(ctx context.Context) error {
	for {
		if err := m.dispatchReady(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.sched.Wake():
		case <-time.After(dispatchBackstop):
		}
	}
}

// dispatchReady routes each ready task to an agent: straight into
// execution when the agent has a free slot, into the agent's queue via
// an earmark otherwise. It blocks for a concurrency slot when the
// engine itself is at capacity; earmarked tasks stay stealable until
// they launch.
func (m *Manager) dispatchReady(ctx context.Context) error {
	for _, task := range m.sched.Ready() {
		agentID, launch, err := m.routeTask(task)
		if err != nil {
			m.logger.Debug("no agent for task",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !launch {
			continue
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		if err := m.sched.Assign(task.ID, agentID); err != nil {
			// The task moved on between snapshot and assignment:
			// stolen, cancelled, or a dependency was reopened.
			m.sem.Release(1)
			m.logger.Debug("assignment lost",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		m.launchAttempt(ctx, task.ID, agentID)
	}
	return nil
}

// routeTask decides where a ready task goes and whether it launches
// now. A task earmarked to a live agent launches when that agent has a
// free slot and otherwise stays in its queue. An unearmarked task goes
// to the selector's pick: execution if the pick has capacity, the
// pick's queue if not.
func (m *Manager) routeTask(task *models.Task) (string, bool, error) {
	m.mu.Lock()
	earmarked, hasEarmark := m.agents[task.AssignedTo]
	agents := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	if task.AssignedTo != "" && hasEarmark {
		running, _ := m.sched.AgentLoad(earmarked.ID)
		return earmarked.ID, running < earmarked.MaxConcurrent, nil
	}
	// An earmark to a departed agent falls through: the next routing
	// decision overwrites it.

	candidates := make([]*models.Agent, 0, len(agents))
	for i := range agents {
		candidates = append(candidates, &agents[i])
	}
	chosen, err := m.sched.SelectAgent(task, candidates)
	if err != nil {
		return "", false, err
	}

	capacity := 0
	for i := range agents {
		if agents[i].ID == chosen {
			capacity = agents[i].MaxConcurrent
			break
		}
	}
	if running, _ := m.sched.AgentLoad(chosen); running < capacity {
		return chosen, true, nil
	}
	if err := m.sched.Earmark(task.ID, chosen); err != nil {
		return "", false, err
	}
	return chosen, false, nil
}

// launchAttempt starts one execution attempt in its own goroutine. The
// caller must hold a concurrency slot; the attempt releases it.
func (m *Manager) launchAttempt(ctx context.Context, taskID, agentID string) {
	task, ok := m.sched.Get(taskID)
	if !ok {
		m.sem.Release(1)
		return
	}
	m.mu.Lock()
	agent, registered := m.agents[agentID]
	m.mu.Unlock()
	if !registered {
		m.sem.Release(1)
		if err := m.sched.Requeue(taskID); err != nil {
			m.logger.Debug("requeue after agent loss",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Engine.ResourceTimeout)
	att := &attempt{agentID: agentID, cancel: cancel}
	m.mu.Lock()
	m.inflight[taskID] = att
	m.mu.Unlock()

	m.collector.AttemptStarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		defer cancel()
		defer m.collector.AttemptFinished()

		start := m.now()
		result, err := m.runAttempt(attemptCtx, task, agent)
		m.settle(attemptCtx, att, task, agent.ID, result, err, m.now().Sub(start))
	}()
}

// runAttempt acquires the task's declared resources in order, then runs
// the executor through the agent's circuit breaker. Every acquired lock
// is released before returning.
func (m *Manager) runAttempt(ctx context.Context, task *models.Task, agent models.Agent) (*executor.Result, error) {
	acquired := make([]string, 0, len(task.Resources))
	defer func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			m.resources.Release(acquired[i], agent.ID)
		}
		m.collector.LocksReleased(len(acquired))
	}()

	for _, resourceID := range task.Resources {
		waitStart := m.now()
		if err := m.resources.Acquire(ctx, resourceID, agent.ID, task.Priority); err != nil {
			if ctx.Err() == nil {
				m.reportLockConflict(resourceID, agent.ID)
			}
			return nil, err
		}
		acquired = append(acquired, resourceID)
		m.collector.LockAcquired(m.now().Sub(waitStart))
	}

	var result *executor.Result
	err := m.breakers.Execute(ctx, agent.ID, func(ctx context.Context) error {
		r, execErr := m.exec.Execute(ctx, task, &agent)
		if execErr != nil {
			return execErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settle routes an attempt outcome into the scheduler. An attempt that
// was preempted while executing finds itself gone from the in-flight
// table and its outcome is discarded; the preemptor already decided the
// task's fate.
func (m *Manager) settle(ctx context.Context, att *attempt, task *models.Task, agentID string, result *executor.Result, err error, elapsed time.Duration) {
	m.mu.Lock()
	current, ok := m.inflight[task.ID]
	if !ok || current != att {
		m.mu.Unlock()
		m.logger.Debug("discarding outcome of preempted attempt",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID))
		return
	}
	delete(m.inflight, task.ID)
	m.mu.Unlock()

	switch {
	case err == nil:
		promoted, cerr := m.sched.Complete(task.ID, result.Output)
		if cerr != nil {
			m.logger.Warn("complete task",
				zap.String("task_id", task.ID), zap.Error(cerr))
			return
		}
		m.lb.RecordOutcome(agentID, elapsed, true)
		m.lb.RecordAffinity(agentID, task.Type, true)
		m.collector.TaskFinished(task.Type, string(models.TaskStatusCompleted), elapsed)
		m.persistTask(task.ID)
		m.syncTasks(promoted)

	case ctx.Err() == context.Canceled:
		// Shutdown cut the attempt short through no fault of its own;
		// back to the queue without burning a retry.
		if rerr := m.sched.Requeue(task.ID); rerr != nil {
			m.logger.Debug("requeue interrupted task",
				zap.String("task_id", task.ID), zap.Error(rerr))
		}
		m.persistTask(task.ID)

	default:
		cause := err
		if ctx.Err() == context.DeadlineExceeded {
			cause = &models.TaskTimeoutError{TaskID: task.ID, Limit: m.cfg.Engine.ResourceTimeout}
		}
		m.lb.RecordOutcome(agentID, elapsed, false)
		m.lb.RecordAffinity(agentID, task.Type, false)
		if ferr := m.sched.Fail(task.ID, cause); ferr != nil {
			m.logger.Warn("fail task",
				zap.String("task_id", task.ID), zap.Error(ferr))
			return
		}
		if after, known := m.sched.Get(task.ID); known && after.Status == models.TaskStatusFailed {
			m.collector.TaskFinished(task.Type, string(models.TaskStatusFailed), elapsed)
		} else {
			m.collector.TaskRetried()
		}
		m.persistTask(task.ID)
	}
	// A finished attempt frees a slot; nudge the dispatcher.
	m.sched.Notify()
}

// reportLockConflict records resource contention between a blocked
// agent and the current lock holder, when one is known.
func (m *Manager) reportLockConflict(resourceID, waiterID string) {
	allocations := m.resources.Allocations()
	r, ok := allocations[resourceID]
	if !ok || !r.Locked || r.HolderID == "" || r.HolderID == waiterID {
		return
	}
	if _, err := m.ReportConflict(models.ConflictResource, []string{r.HolderID, waiterID}, resourceID); err != nil {
		m.logger.Debug("report lock conflict",
			zap.String("resource_id", resourceID), zap.Error(err))
	}
}

// maintenanceLoop periodically sweeps the scheduler for stuck tasks,
// the resource manager for stale waits and locks, and the resolver for
// aged-out conflicts, then flushes task state to the store. The cadence
// is tied to the resource timeout so sweeps run a few times per attempt
// budget.
func (m *Manager) maintenanceLoop(ctx context.Context) error {
	interval := m.cfg.Engine.ResourceTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastCancelled uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := m.now()
		if timedOut := m.sched.Maintenance(now); len(timedOut) > 0 {
			m.logger.Warn("maintenance timed out stuck tasks",
				zap.Strings("task_ids", timedOut))
			m.syncTasks(timedOut)
		}
		expiredWaits, reclaimed := m.resources.Maintenance(now)
		if expiredWaits > 0 || reclaimed > 0 {
			m.logger.Warn("maintenance reclaimed resources",
				zap.Int("expired_waits", expiredWaits),
				zap.Int("reclaimed_locks", reclaimed))
		}
		if dropped := m.resolver.Cleanup(conflictRetention); dropped > 0 {
			m.logger.Debug("maintenance dropped aged conflicts",
				zap.Int("count", dropped))
		}

		_, _, cancelled, _ := m.sched.Totals()
		m.collector.TasksCancelled(cancelled - lastCancelled)
		lastCancelled = cancelled

		m.syncStore()
	}
}

// samplingLoop feeds the load balancer's predictor with per-agent
// utilization observations and keeps queue depth metrics fresh.
func (m *Manager) samplingLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Balancer.LoadSamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m.sampleWorkloads()
	}
}

// sampleWorkloads records one utilization sample per registered agent.
func (m *Manager) sampleWorkloads() {
	for _, agent := range m.Agents() {
		running, queued := m.sched.AgentLoad(agent.ID)
		utilization := float64(running) / float64(agent.MaxConcurrent)
		m.lb.UpdateWorkload(models.Workload{
			AgentID:     agent.ID,
			TaskCount:   running,
			QueueDepth:  queued,
			Utilization: utilization,
			UpdatedAt:   m.now(),
		})
		m.lb.RecordSample(agent.ID, utilization)
		m.collector.SetQueueDepth(agent.ID, queued)
	}
}

// rebalanceLoop periodically shifts queued work from overloaded agents
// to underloaded ones.
func (m *Manager) rebalanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Balancer.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, op := range m.stealer.Rebalance(m.cfg.Balancer.StealThreshold) {
			m.collector.TasksStolen(op.Source, op.Target, len(op.TaskIDs))
			m.syncTasks(op.TaskIDs)
		}
	}
}

// deadlockLoop periodically checks the wait-for graph for cycles.
func (m *Manager) deadlockLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Engine.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m.detectDeadlock()
	}
}
